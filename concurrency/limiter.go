// Package concurrency implements the concurrency admission controller
// (C3): a per-endpoint in-flight request limiter with an optional wait
// queue. Waiters are ordered by priority with aging, so a steady stream
// of high-priority requests cannot starve low-priority ones forever,
// per spec.md §4.2 and §8 Scenario 3.
//
// The limiter's own bookkeeping lock is a sync.Mutex: goroutines blocked
// on it park rather than spin, which is the same "queue, don't spin"
// property spec.md asks of the admission queue itself - acquiring the
// slot is a separate, explicit wait (a channel receive), never a busy
// poll of the mutex.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Action selects what happens to a request that arrives when the
// limiter is already at capacity.
type Action int

const (
	// ActionQueue enqueues the request as a waiter (the default).
	ActionQueue Action = iota
	// ActionBlock rejects the request immediately with
	// ErrConcurrencyLimitReached instead of queueing it.
	ActionBlock
)

// Config configures a Limiter.
type Config struct {
	// Max is the maximum number of concurrently admitted requests.
	Max int
	// ActionOnExceed selects queue-or-block behavior once Max is reached.
	ActionOnExceed Action
	// MaxQueueSize bounds the wait queue. Defaults to 1000.
	MaxQueueSize int
	// QueueTimeout bounds how long a waiter sits in the queue before it
	// gives up with ErrQueueTimeout. Defaults to 30s.
	QueueTimeout time.Duration
	// PriorityAgingSeconds is the number of seconds a waiter must age
	// for its effective priority to drop by one. Defaults to 5.
	PriorityAgingSeconds int
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 30 * time.Second
	}
	if c.PriorityAgingSeconds <= 0 {
		c.PriorityAgingSeconds = 5
	}
	return c
}

// waiter is a single queued acquire call.
type waiter struct {
	id          uint64
	priority    int
	enqueueTime time.Time
	resultCh    chan error
	timer       *time.Timer
	resolved    bool
}

// Stats is a point-in-time snapshot of a Limiter's load.
type Stats struct {
	Running   int
	Queued    int
	Available int
}

// Limiter bounds in-flight concurrency for a single endpoint (or
// whatever scope its owner chooses), with an aging-priority wait queue
// for requests that arrive over capacity.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	running int
	queue   []*waiter
	nextID  uint64
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg.withDefaults()}
}

// Acquire admits the caller, waits in the priority queue, or rejects it
// outright, according to Config. On success it returns a release
// function that the caller must invoke exactly once to free the slot
// (or pass it to the next dispatched waiter); repeated calls to release
// are safe no-ops. priority is caller-defined; lower values run first.
func (l *Limiter) Acquire(ctx context.Context, priority int) (func(), error) {
	l.mu.Lock()
	if l.running < l.cfg.Max {
		l.running++
		l.mu.Unlock()
		return l.releaseFunc(), nil
	}
	if l.cfg.ActionOnExceed == ActionBlock {
		l.mu.Unlock()
		return nil, ErrConcurrencyLimitReached
	}
	if len(l.queue) >= l.cfg.MaxQueueSize {
		l.mu.Unlock()
		return nil, ErrQueueFull
	}

	l.nextID++
	w := &waiter{
		id:          l.nextID,
		priority:    priority,
		enqueueTime: time.Now(),
		resultCh:    make(chan error, 1),
	}
	l.queue = append(l.queue, w)
	w.timer = time.AfterFunc(l.cfg.QueueTimeout, func() { l.onTimeout(w) })
	l.mu.Unlock()

	select {
	case err := <-w.resultCh:
		if err != nil {
			return nil, err
		}
		return l.releaseFunc(), nil
	case <-ctx.Done():
		l.mu.Lock()
		if !w.resolved {
			l.removeLocked(w)
			l.resolveLocked(w, ctx.Err())
		}
		l.mu.Unlock()
		if err := <-w.resultCh; err != nil {
			return nil, err
		}
		return l.releaseFunc(), nil
	}
}

// releaseFunc wraps release in a sync.Once so the caller can call the
// returned function any number of times but the slot is only ever
// released once.
func (l *Limiter) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}

// release frees one slot: either handing it straight to the
// best-ranked waiter (running is not decremented - the slot transfers)
// or, if no one is waiting, decrementing running.
func (l *Limiter) release() {
	l.mu.Lock()
	if len(l.queue) == 0 {
		if l.running > 0 {
			l.running--
		}
		l.mu.Unlock()
		return
	}

	now := time.Now()
	bestIdx := 0
	bestEff := effectivePriority(l.queue[0], now, l.cfg.PriorityAgingSeconds)
	bestEnqueue := l.queue[0].enqueueTime
	for i := 1; i < len(l.queue); i++ {
		eff := effectivePriority(l.queue[i], now, l.cfg.PriorityAgingSeconds)
		if eff < bestEff || (eff == bestEff && l.queue[i].enqueueTime.Before(bestEnqueue)) {
			bestIdx, bestEff, bestEnqueue = i, eff, l.queue[i].enqueueTime
		}
	}

	w := l.queue[bestIdx]
	l.removeIndexLocked(bestIdx)
	l.resolveLocked(w, nil)
	l.mu.Unlock()
}

// onTimeout fires from a time.AfterFunc goroutine once a waiter's
// QueueTimeout elapses.
func (l *Limiter) onTimeout(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.resolved {
		return
	}
	l.removeLocked(w)
	l.resolveLocked(w, ErrQueueTimeout)
}

// Clear rejects every currently-queued waiter with ErrQueueCleared.
// Intended for tests that need a clean slate between cases.
func (l *Limiter) Clear() {
	l.mu.Lock()
	waiters := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, w := range waiters {
		l.mu.Lock()
		l.resolveLocked(w, ErrQueueCleared)
		l.mu.Unlock()
	}
}

// Stats reports the limiter's current load.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Running:   l.running,
		Queued:    len(l.queue),
		Available: l.cfg.Max - l.running,
	}
}

// resolveLocked delivers err to w exactly once. Callers must hold l.mu.
func (l *Limiter) resolveLocked(w *waiter, err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.resultCh <- err
}

// removeLocked removes w from the queue by id. Callers must hold l.mu.
func (l *Limiter) removeLocked(w *waiter) {
	for i, q := range l.queue {
		if q.id == w.id {
			l.removeIndexLocked(i)
			return
		}
	}
}

// removeIndexLocked swap-removes the waiter at index i. Callers must
// hold l.mu. Order within the queue carries no meaning: every
// selection rescans by effective priority, so a swap-remove is fine.
func (l *Limiter) removeIndexLocked(i int) {
	last := len(l.queue) - 1
	l.queue[i] = l.queue[last]
	l.queue[last] = nil
	l.queue = l.queue[:last]
}

// effectivePriority applies the per-second aging decay: a waiter's
// priority number (lower = more urgent) drops by one for every
// agingSeconds it has spent in the queue, floored at zero.
func effectivePriority(w *waiter, now time.Time, agingSeconds int) int {
	elapsed := now.Sub(w.enqueueTime).Seconds()
	decay := int(elapsed) / agingSeconds
	eff := w.priority - decay
	if eff < 0 {
		eff = 0
	}
	return eff
}
