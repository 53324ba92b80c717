// Package session implements the diagnostic-session engine: per-task
// runners scheduled on a shared worker pool, a dual completion-detection
// protocol (runner notifications plus a periodic watchdog), destructive
// archiving of the result tree, and crash recovery for sessions that did not
// survive a restart.
package session
