package bundle

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Container is one node of the result tree: a named folder that accumulates
// content and nested containers while diagnostics run. Appends are safe for
// concurrent producers; the pending queues are drained exactly once when the
// archive is written. A container rebuilt after a reload simply has empty
// queues, which is a normal state, not an error.
type Container struct {
	name    string
	relPath string
	folder  string

	mu       sync.Mutex
	details  string
	contents []Content
	children []*Container
	errors   []string
}

// NewRoot creates the root container bound to the session working directory.
func NewRoot(name, folder string) *Container {
	return &Container{name: name, folder: folder}
}

// NewChild creates a container nested under c at the given relative path and
// registers it for archiving.
func (c *Container) NewChild(name, relPath string) *Container {
	child := &Container{
		name:    name,
		relPath: relPath,
		folder:  filepath.Join(c.folder, relPath),
	}
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
	return child
}

// Add appends a content item for inclusion in the archive. Nil content is
// ignored.
func (c *Container) Add(content Content) {
	if content == nil {
		return
	}
	c.mu.Lock()
	c.contents = append(c.contents, content)
	c.mu.Unlock()
}

// RecordError notes a failure that should appear in the archive's error
// report without aborting anything. The archiver drains recorded errors the
// same way it drains content.
func (c *Container) RecordError(context string, err error) {
	c.mu.Lock()
	c.errors = append(c.errors, fmt.Sprintf("%s: %v", context, err))
	c.mu.Unlock()
}

// SetDetails attaches extra text to the container's manifest section.
func (c *Container) SetDetails(details string) {
	c.mu.Lock()
	c.details = details
	c.mu.Unlock()
}

// Name returns the container name used in the manifest.
func (c *Container) Name() string { return c.name }

// FolderPath returns the container's directory on disk. Diagnostics write
// their working files under it.
func (c *Container) FolderPath() string { return c.folder }

// drain pops all pending state in one pass. A second drain returns empties,
// which is what makes the archive walk destructive and single-shot.
func (c *Container) drain() (details string, contents []Content, children []*Container, errs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	details = c.details
	contents = c.contents
	children = c.children
	errs = c.errors
	c.contents = nil
	c.children = nil
	c.errors = nil
	return details, contents, children, errs
}
