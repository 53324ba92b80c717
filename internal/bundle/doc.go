// Package bundle collects diagnostic output into a tree of containers and
// turns the tree into a single compressed archive. Containers accept
// concurrent appends while a session runs and are drained exactly once at
// archive time; a raw directory archiver covers crash recovery, when the
// in-memory tree cannot be trusted.
package bundle
