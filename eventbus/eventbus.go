// Package eventbus implements the event bus (C6): a simple pub/sub
// fan-out for policy decisions. Handlers may be registered as
// synchronous (run inline, on emit's goroutine) or asynchronous (run in
// their own goroutine, awaited as a group before emit returns so a slow
// handler cannot silently outlive the request it describes). A panicking
// or erroring handler is logged and never prevents its siblings from
// running, per spec.md §4.5.
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rivermint/policygate/logging"
)

// Type enumerates the event taxonomy from spec.md §4.4/§7.
type Type string

const (
	TypeAllowed            Type = "allowed"
	TypeBlocked            Type = "blocked"
	TypeRateExceeded       Type = "rate_exceeded"
	TypeCostExceeded       Type = "cost_exceeded"
	TypeTokenLimitExceeded Type = "token_limit_exceeded"
	TypeTokenUsageTracked  Type = "token_usage_tracked"
	TypeSlowdownApplied    Type = "slowdown_applied"
	TypeIPBlocked          Type = "ip_blocked"
)

// Event is the payload delivered to every handler, per spec.md §6.
type Event struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	User      string  `json:"user"`
	Plan      string  `json:"plan"`
	Endpoint  string  `json:"endpoint"`
	Type      Type    `json:"type"`
	Window    string  `json:"window,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Tokens    int64   `json:"tokens,omitempty"`
}

// NewEvent stamps e with a fresh uuid if it doesn't already have one.
// Timestamp is left to the caller (the core never calls time.Now()
// directly outside the leaf packages that already do, keeping this
// constructor pure and easy to unit test).
func NewEvent(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e
}

// Handler processes one Event. Sync handlers return only an error (or
// panic, which is recovered); async handlers are run on their own
// goroutine and their errors logged the same way.
type Handler func(Event) error

// registration pairs a handler with whether it runs async.
type registration struct {
	id      int
	handler Handler
	async   bool
}

// Bus is a process-local event fan-out. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.Mutex
	nextID int
	regs   []registration
	log    logging.Logger
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.log = logging.OrDefault(l) }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{log: logging.Default}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Token identifies a registered handler so it can later be removed with Off.
type Token int

// On registers a synchronous handler, run inline during Emit.
func (b *Bus) On(h Handler) Token {
	return b.register(h, false)
}

// OnAsync registers an asynchronous handler, run on its own goroutine.
// Emit waits for every async handler from the same call to finish (or
// fail) before returning, so failures are observable but a slow sink
// never blocks the next Emit from starting its own batch.
func (b *Bus) OnAsync(h Handler) Token {
	return b.register(h, true)
}

func (b *Bus) register(h Handler, async bool) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.regs = append(b.regs, registration{id: id, handler: h, async: async})
	return Token(id)
}

// Off unregisters a handler previously returned by On or OnAsync.
func (b *Bus) Off(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.regs {
		if r.id == int(t) {
			b.regs = append(b.regs[:i], b.regs[i+1:]...)
			return
		}
	}
}

// Clear removes every registered handler.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs = nil
}

// Emit delivers event to every registered handler, in registration
// order. Synchronous handlers run inline, each isolated by a recover so
// one panic cannot take down the others or the caller; asynchronous
// handlers are started on their own goroutines as they are reached and
// are awaited as a group before Emit returns.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	regs := make([]registration, len(b.regs))
	copy(regs, b.regs)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range regs {
		if !r.async {
			b.runSync(r, event)
			continue
		}
		wg.Add(1)
		go func(r registration) {
			defer wg.Done()
			b.runSync(r, event)
		}(r)
	}
	wg.Wait()
}

// runSync invokes one handler, recovering a panic and logging any
// failure (panic or returned error) without propagating it.
func (b *Bus) runSync(r registration, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Errorf("[eventbus] handler %d panicked on event %s (%s): %v", r.id, event.ID, event.Type, rec)
		}
	}()
	if err := r.handler(event); err != nil {
		b.log.Errorf("[eventbus] handler %d returned error on event %s (%s): %v", r.id, event.ID, event.Type, err)
	}
}

