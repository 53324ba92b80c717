// Package sched provides the scheduling substrate for diagnostic sessions:
// a lazily-constructed worker pool that executes periodic jobs with bounded
// concurrency, trims idle workers to zero, and can be shut down and
// recreated without affecting the rest of the process. It is deliberately
// independent of any other scheduler in the host so that diagnostics stay
// runnable even when the primary scheduler is the thing misbehaving.
package sched
