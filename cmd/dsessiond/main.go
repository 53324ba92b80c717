package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/dsession/internal/api"
	"github.com/seantiz/dsession/internal/config"
	"github.com/seantiz/dsession/internal/sched"
	"github.com/seantiz/dsession/internal/session"
	"github.com/seantiz/dsession/internal/store"
	"github.com/seantiz/dsession/internal/task"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("dsessiond: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"work_dir", cfg.WorkDir,
		"pool_size", cfg.PoolSize,
	)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("failed to create work dir: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	svc := sched.NewService(cfg.PoolSize, logger)
	defer svc.Shutdown()

	registry := task.NewRegistry()
	task.RegisterBuiltins(registry)

	manager := session.NewManager(db, svc, registry, cfg.WorkDir, logger)
	if err := manager.Load(context.Background()); err != nil {
		log.Fatalf("session recovery failed: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, manager, registry, svc, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
