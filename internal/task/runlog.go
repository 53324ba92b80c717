package task

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
)

const fileStampLayout = "2006-01-02_15.04.05.000Z"

// runFileName builds the per-run file name: base, zero-padded run number,
// UTC timestamp, extension.
func runFileName(base string, run int, ext string) string {
	return fmt.Sprintf("%s-%03d-%s%s", base, run, time.Now().UTC().Format(fileStampLayout), ext)
}

// writeRunFile creates name inside the container's folder, fills it via fn
// and attaches it to the container. The folder is created on demand so a
// failed mkdir at session start does not doom every run.
func writeRunFile(c *bundle.Container, name string, fn func(w io.Writer) error) error {
	if err := os.MkdirAll(c.FolderPath(), 0o755); err != nil {
		return fmt.Errorf("create task folder: %w", err)
	}

	path := filepath.Join(c.FolderPath(), name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create run file: %w", err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run file: %w", err)
	}

	c.Add(bundle.NewFileContent(name, path))
	return nil
}
