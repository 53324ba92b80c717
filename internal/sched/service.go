package sched

import (
	"log/slog"
	"sync"
	"time"
)

// Service owns the lifecycle of the diagnostic worker pool. The pool is
// built lazily on first use and discarded by Shutdown; the next Get builds a
// fresh one. Construct one Service at startup and pass it to consumers
// rather than reaching for ambient state.
type Service struct {
	logger *slog.Logger

	mu   sync.Mutex
	core int
	idle time.Duration
	pool *Pool
}

// NewService creates a pool service with the given core worker count.
func NewService(coreSize int, logger *slog.Logger) *Service {
	return &Service{
		logger: logger,
		core:   coreSize,
		idle:   DefaultIdleTimeout,
	}
}

// Get returns the live pool, constructing it if needed.
func (s *Service) Get() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		s.pool = newPool(s.core, s.idle)
		s.logger.Debug("diagnostic pool created", "core_size", s.core)
	}
	return s.pool
}

// Resize changes the core worker count, applying it to the live pool
// immediately.
func (s *Service) Resize(coreSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core = coreSize
	if s.pool != nil {
		s.pool.resize(coreSize)
	}
	s.logger.Info("diagnostic pool resized", "core_size", coreSize)
}

// CoreSize returns the configured core worker count.
func (s *Service) CoreSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core
}

// Shutdown cancels all pending work and discards the pool. A later Get
// recreates it from scratch.
func (s *Service) Shutdown() {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	if pool != nil {
		pool.shutdown()
		s.logger.Info("diagnostic pool shut down, will recreate on next use")
	}
}
