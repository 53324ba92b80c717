package bundle

import (
	"archive/zip"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	manifestEntry = "manifest.md"
	errorsEntry   = "manifest/errors.txt"

	manifestTitle     = "Diagnostic session report"
	manifestTimestamp = "2006-01-02 15:04:05.000Z"
)

// WriteArchive walks the container tree depth-first and writes one zip
// archive at archivePath: every drained content item as an entry named by
// its accumulated relative path, a manifest listing the tree, and an error
// report entry if any item failed. A single bad item is logged, recorded and
// skipped; only failures of the archive itself are returned. The walk drains
// the tree, so a container can be archived at most once.
func WriteArchive(archivePath string, root *Container, logger *slog.Logger) error {
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale archive: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	var manifest, report strings.Builder
	fmt.Fprintf(&manifest, "%s\n%s\n\n", manifestTitle, strings.Repeat("=", len(manifestTitle)))
	fmt.Fprintf(&manifest, "Generated on %s\n\n", time.Now().UTC().Format(manifestTimestamp))
	manifest.WriteString("Included diagnostics:\n\n")

	writeContainer(zw, root, &manifest, &report, 0, "", logger)

	if err := addTextEntry(zw, manifestEntry, manifest.String()); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if report.Len() > 0 {
		if err := addTextEntry(zw, errorsEntry, report.String()); err != nil {
			return fmt.Errorf("write error report: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}

// writeContainer drains one container into the archive and recurses into its
// children. base is the accumulated relative path of the parent.
func writeContainer(zw *zip.Writer, c *Container, manifest, report *strings.Builder, depth int, base string, logger *slog.Logger) {
	details, contents, children, errs := c.drain()
	prefix := strings.Repeat("  ", depth)
	rel := path.Join(base, filepath.ToSlash(c.relPath))

	fmt.Fprintf(manifest, "%s * %s\n", prefix, c.name)
	if details != "" {
		fmt.Fprintf(manifest, "%s%s\n", prefix, prefixLines(prefix, details))
	}

	for _, content := range contents {
		entryName := path.Join(rel, content.Name())
		fmt.Fprintf(manifest, "%s   - `%s`\n", prefix, entryName)
		if err := addContentEntry(zw, entryName, content); err != nil {
			logger.Warn("could not attach content to bundle", "entry", entryName, "error", err)
			reportFailure(report, entryName, err.Error())
		}
	}

	for _, msg := range errs {
		reportFailure(report, c.name, msg)
	}

	for _, child := range children {
		writeContainer(zw, child, manifest, report, depth+1, rel, logger)
	}
}

func addContentEntry(zw *zip.Writer, name string, content Content) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: content.ModTime(),
	})
	if err != nil {
		return err
	}
	return content.WriteTo(w)
}

func addTextEntry(zw *zip.Writer, name, text string) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(text))
	return err
}

func reportFailure(report *strings.Builder, subject, detail string) {
	fmt.Fprintf(report, "Error in '%s'\n", subject)
	report.WriteString(strings.Repeat("-", 71) + "\n\n")
	fmt.Fprintf(report, "%s\n\n", detail)
}

// prefixLines indents every line of text after the first with prefix so that
// multi-line manifest details stay aligned with their container.
func prefixLines(prefix, text string) string {
	return strings.ReplaceAll(text, "\n", "\n"+prefix)
}

// WriteFallbackArchive archives the working directory as-is: every file
// becomes an entry named by its path relative to dir, with its modification
// time preserved. It is the crash-recovery path, used when the in-memory
// container tree did not survive a restart. A single unreadable file is
// logged and skipped, never aborting the whole archive.
func WriteFallbackArchive(archivePath, dir string, logger *slog.Logger) error {
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale archive: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("skipping unreadable path in fallback archive", "path", p, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			logger.Warn("skipping file outside working root", "path", p, "error", err)
			return nil
		}
		entry := NewFileContent(filepath.ToSlash(rel), p)
		if err := addContentEntry(zw, entry.Name(), entry); err != nil {
			logger.Warn("could not attach file to fallback archive", "path", p, "error", err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk working directory: %w", walkErr)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}
