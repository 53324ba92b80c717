package sched

import (
	"context"
	"sync"
)

// Ticket is the handle to a scheduled job. Cancelling it stops future ticks;
// the interrupt flag decides whether an in-flight tick is cut short via its
// context or allowed to complete. Cancel is idempotent.
type Ticket struct {
	pool      *Pool
	ctx       context.Context
	cancelCtx context.CancelFunc
	stopped   chan struct{}

	mu          sync.Mutex
	drained     *sync.Cond
	inflight    int
	done        bool
	skip        bool
	deferCancel bool
}

// Cancel stops the schedule. With interrupt the job context is cancelled
// immediately, cutting short any tick in flight; without it the context is
// cancelled only once in-flight ticks have drained. Ticks still sitting in
// the worker queue are skipped. The ticket is removed from its pool either
// way, so cancelled jobs do not linger.
func (t *Ticket) Cancel(interrupt bool) {
	t.stopSchedule(interrupt, true)
}

// complete finishes a ticket whose schedule ended on its own (a one-shot
// tick was dispatched). Unlike Cancel it lets the already-queued tick run.
func (t *Ticket) complete() {
	t.stopSchedule(false, false)
}

func (t *Ticket) stopSchedule(interrupt, skipQueued bool) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	if skipQueued {
		t.skip = true
	}
	close(t.stopped)
	immediate := interrupt || t.inflight == 0
	if !immediate {
		t.deferCancel = true
	}
	t.drained.Broadcast()
	t.mu.Unlock()

	if immediate {
		t.cancelCtx()
	}
	t.pool.remove(t)
}

// Done reports whether the schedule has stopped, either by cancellation or
// because a one-shot job was dispatched.
func (t *Ticket) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Ticket) skipPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skip
}

func (t *Ticket) beginTick() {
	t.mu.Lock()
	t.inflight++
	t.mu.Unlock()
}

func (t *Ticket) endTick() {
	t.mu.Lock()
	t.inflight--
	fire := t.inflight == 0 && t.deferCancel
	if fire {
		t.deferCancel = false
	}
	if t.inflight == 0 {
		t.drained.Broadcast()
	}
	t.mu.Unlock()
	if fire {
		t.cancelCtx()
	}
}

// Drain blocks until the schedule has stopped and no tick is in flight.
// Callers that tear down state a tick writes to should Cancel and then
// Drain before touching it. Must not be called from within a tick.
func (t *Ticket) Drain() {
	t.mu.Lock()
	for !t.done || t.inflight > 0 {
		t.drained.Wait()
	}
	t.mu.Unlock()
}
