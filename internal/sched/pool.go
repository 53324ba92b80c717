package sched

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a worker may sit idle before it exits.
const DefaultIdleTimeout = 5 * time.Second

// queueDepth is the buffer between job timers and workers. Timers block once
// it fills, which is the only backpressure against a saturated pool.
const queueDepth = 64

// Pool executes scheduled jobs on a bounded set of workers. Workers are
// spawned on demand up to the core size and exit after sitting idle, so an
// unused pool holds no goroutines beyond the per-job timers.
//
// A Pool is obtained from a Service and becomes unusable after the service
// shuts it down; scheduling on a stopped pool returns a finished Ticket.
type Pool struct {
	mu      sync.Mutex
	core    int
	idle    time.Duration
	workers int
	tickets map[*Ticket]struct{}
	stopped bool

	queue chan func()
	stop  chan struct{}
}

func newPool(core int, idleTimeout time.Duration) *Pool {
	return &Pool{
		core:    core,
		idle:    idleTimeout,
		tickets: make(map[*Ticket]struct{}),
		queue:   make(chan func(), queueDepth),
		stop:    make(chan struct{}),
	}
}

// SchedulePeriodic registers fn to run after initialDelay and then every
// period. Ticks execute on the pool's workers; the returned Ticket cancels
// the schedule. The context passed to fn is cancelled when the ticket is
// cancelled with interrupt, or when all ticks have drained after a
// non-interrupting cancel.
func (p *Pool) SchedulePeriodic(initialDelay, period time.Duration, fn func(ctx context.Context)) *Ticket {
	return p.schedule(initialDelay, period, fn)
}

// ScheduleOnce registers fn to run a single time after delay.
func (p *Pool) ScheduleOnce(delay time.Duration, fn func(ctx context.Context)) *Ticket {
	return p.schedule(delay, 0, fn)
}

func (p *Pool) schedule(initialDelay, period time.Duration, fn func(ctx context.Context)) *Ticket {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticket{
		pool:      p,
		ctx:       ctx,
		cancelCtx: cancel,
		stopped:   make(chan struct{}),
	}
	t.drained = sync.NewCond(&t.mu)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		t.Cancel(false)
		return t
	}
	p.tickets[t] = struct{}{}
	p.mu.Unlock()

	go p.runSchedule(t, initialDelay, period, fn)
	return t
}

// runSchedule is the per-job timer loop. It never executes fn itself; each
// due tick is handed to the worker queue. Ticks of one job never overlap:
// the next tick is armed only after the current one has finished, and a tick
// that overran its period makes the next one fire immediately, keeping the
// fixed-rate cadence without running the job concurrently with itself.
func (p *Pool) runSchedule(t *Ticket, initialDelay, period time.Duration, fn func(ctx context.Context)) {
	next := time.Now().Add(initialDelay)
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			t.beginTick()
			done := make(chan struct{})
			delivered := p.submit(func() {
				defer close(done)
				defer t.endTick()
				if t.skipPending() {
					// Cancelled while queued; do not start a late tick.
					return
				}
				fn(t.ctx)
			})
			if !delivered {
				t.endTick()
				return
			}
			if period <= 0 {
				t.complete()
				return
			}
			select {
			case <-done:
			case <-t.stopped:
				return
			case <-p.stop:
				return
			}
			next = next.Add(period)
			// A non-positive duration fires the timer immediately.
			timer.Reset(time.Until(next))
		case <-t.stopped:
			return
		case <-p.stop:
			return
		}
	}
}

// submit hands fn to a worker, spawning one if the pool is below core size.
// It reports whether the work was accepted; a stopped pool rejects it.
func (p *Pool) submit(fn func()) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	if p.workers < p.core {
		p.workers++
		go p.worker()
	}
	p.mu.Unlock()

	select {
	case p.queue <- fn:
		return true
	case <-p.stop:
		return false
	}
}

func (p *Pool) worker() {
	idle := time.NewTimer(p.idle)
	defer idle.Stop()

	for {
		select {
		case fn := <-p.queue:
			fn()
			p.mu.Lock()
			if p.workers > p.core {
				// Pool was resized down; retire immediately.
				p.workers--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.idle)
		case <-idle.C:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		case <-p.stop:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
	}
}

// resize changes the core worker count. Growth takes effect on the next
// submission; surplus workers retire as soon as they finish their current
// tick.
func (p *Pool) resize(core int) {
	p.mu.Lock()
	p.core = core
	p.mu.Unlock()
}

// Workers reports the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// shutdown cancels every registered job with interruption and stops all
// workers. The pool cannot be reused afterwards.
func (p *Pool) shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	tickets := make([]*Ticket, 0, len(p.tickets))
	for t := range p.tickets {
		tickets = append(tickets, t)
	}
	p.mu.Unlock()

	close(p.stop)
	for _, t := range tickets {
		t.Cancel(true)
	}
}

func (p *Pool) remove(t *Ticket) {
	p.mu.Lock()
	delete(p.tickets, t)
	p.mu.Unlock()
}
