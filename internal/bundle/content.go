package bundle

import (
	"io"
	"os"
	"time"
)

// Content is a single named, timestamped artifact attached to a container.
// Name is the file name inside the container; WriteTo produces the bytes at
// archive time.
type Content interface {
	Name() string
	ModTime() time.Time
	WriteTo(w io.Writer) error
}

// FileContent is a Content backed by a file on disk. The file is read when
// the archive is written, not when the content is added.
type FileContent struct {
	name string
	path string
}

// NewFileContent creates a FileContent with the given entry name for the
// file at path.
func NewFileContent(name, path string) *FileContent {
	return &FileContent{name: name, path: path}
}

// Name returns the entry name.
func (f *FileContent) Name() string { return f.name }

// ModTime returns the file's modification time, or the current time if the
// file cannot be inspected; the archiver will surface the read error.
func (f *FileContent) ModTime() time.Time {
	info, err := os.Stat(f.path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}

// WriteTo copies the file into w.
func (f *FileContent) WriteTo(w io.Writer) error {
	in, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}

// BytesContent is a Content holding its bytes in memory.
type BytesContent struct {
	name    string
	modTime time.Time
	data    []byte
}

// NewBytesContent creates a BytesContent with the given entry name and data.
func NewBytesContent(name string, modTime time.Time, data []byte) *BytesContent {
	return &BytesContent{name: name, modTime: modTime, data: data}
}

// Name returns the entry name.
func (b *BytesContent) Name() string { return b.name }

// ModTime returns the content timestamp.
func (b *BytesContent) ModTime() time.Time { return b.modTime }

// WriteTo writes the held bytes into w.
func (b *BytesContent) WriteTo(w io.Writer) error {
	_, err := w.Write(b.data)
	return err
}
