// Package memstore implements an in-process, single-binary counter store
// with LRU-style eviction, generalized from two hard-coded algorithms
// (fixed window, token bucket) to the full rate/burst/cost/token/generic
// contract of counter.Store, plus global and per-identity eviction caps.
//
// Store is process-local: it does not share state across instances,
// so it is unsuitable for horizontally scaled deployments of the same
// service. A deployment-environment sanity check refuses construction in
// production-like environments unless explicitly opted into with
// WithAllowProduction.
package memstore

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rivermint/policygate/counter"
	"github.com/rivermint/policygate/logging"
)

// Option configures a Store at construction.
type Option func(*Store)

// WithPrefix overrides the default "limitrate:" key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithMaxKeys overrides the global entry cap (default 10000).
func WithMaxKeys(n int) Option {
	return func(s *Store) { s.maxKeys = n }
}

// WithMaxKeysPerUser overrides the per-identity entry cap (default 100).
func WithMaxKeysPerUser(n int) Option {
	return func(s *Store) { s.maxKeysPerUser = n }
}

// WithSweepInterval overrides the active-expiry sweep interval (default
// 60s). A zero interval disables the background sweep; entries are then
// only reaped lazily on access.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// WithLogger attaches a logging.Logger; defaults to logging.Noop.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = logging.OrDefault(l) }
}

// WithAllowProduction bypasses the production-like-environment sanity
// check. Set this only when a process-local store is a deliberate choice
// for a production deployment (e.g. a single-instance service).
func WithAllowProduction() Option {
	return func(s *Store) { s.allowProduction = true }
}

// EnvLookup abstracts environment lookups so the sanity check is testable
// without mutating process environment variables.
type EnvLookup func(key string) (string, bool)

// WithEnvLookup overrides the environment lookup used by the production
// sanity check. Defaults to os.LookupEnv.
func WithEnvLookup(fn EnvLookup) Option {
	return func(s *Store) { s.envLookup = fn }
}

type entry struct {
	// numeric holds the counter value for rate/cost/token namespaces.
	numeric float64
	// burstTokens holds remaining burst allowance; only meaningful when
	// hasBurst is true.
	burstTokens int64
	hasBurst    bool
	// bytesVal holds the value for the generic KV namespace.
	bytesVal  []byte
	isGeneric bool

	// scope is the identity-eviction scope this entry counts against.
	scope string

	expiresAt  time.Time
	lastAccess time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-process implementation of counter.Store.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	// perUser tracks live entry counts per identity scope (the caller key
	// up to its first ':'), so the per-identity cap can be enforced
	// without rescanning the whole map.
	perUser map[string]int

	prefix         string
	maxKeys        int
	maxKeysPerUser int
	sweepInterval  time.Duration
	log            logging.Logger
	allowProduction bool
	envLookup       EnvLookup

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs an in-process Store. ctx governs the lifetime of the
// background sweep goroutine; cancel it (or call Close) to stop the sweep.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	s := &Store{
		entries:        make(map[string]*entry),
		perUser:        make(map[string]int),
		prefix:         counter.DefaultPrefix,
		maxKeys:        10000,
		maxKeysPerUser: 100,
		sweepInterval:  60 * time.Second,
		log:            logging.Default,
		envLookup:      defaultEnvLookup,
		stopSweep:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.allowProduction {
		if env, ok := s.envLookup("ENVIRONMENT"); ok && isProductionLike(env) {
			return nil, counter.ErrConfigInvalid
		}
		if env, ok := s.envLookup("ENV"); ok && isProductionLike(env) {
			return nil, counter.ErrConfigInvalid
		}
	}

	if s.sweepInterval > 0 {
		go s.runSweep(ctx)
	}
	return s, nil
}

func isProductionLike(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "production" || v == "prod"
}

func defaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (s *Store) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(k, e)
		}
	}
}

// identityScope returns the per-identity eviction scope: the caller-key
// prefix up to (not including) its first ':'.
func identityScope(callerKey string) string {
	if i := strings.IndexByte(callerKey, ':'); i >= 0 {
		return callerKey[:i]
	}
	return callerKey
}

// removeLocked deletes an entry and decrements its identity-scope count.
// Caller must hold s.mu.
func (s *Store) removeLocked(storageKey string, e *entry) {
	delete(s.entries, storageKey)
	scope := e.scope
	if scope != "" {
		s.perUser[scope]--
		if s.perUser[scope] <= 0 {
			delete(s.perUser, scope)
		}
	}
}
