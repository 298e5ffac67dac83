package concurrency

import (
	"fmt"
	"sync"
)

// Registry hands out one Limiter per distinct (endpoint, Max,
// ActionOnExceed) triple so repeated policy resolutions against the same endpoint share the
// same running count and wait queue instead of each minting a fresh,
// always-empty limiter.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the Limiter for endpoint+cfg, creating it on first use.
// Subsequent calls with the same endpoint, Max and ActionOnExceed return
// the same instance; a different Max or ActionOnExceed mints a distinct
// limiter under a distinct key, so policy changes across a deploy pick up
// a fresh limiter rather than reusing one sized for the old config. The
// other Config fields are not part of the key: a call that differs only
// in them gets the existing limiter, configured as on its first use.
func (r *Registry) Get(endpoint string, cfg Config) *Limiter {
	key := registryKey(endpoint, cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := New(cfg)
	r.limiters[key] = l
	return l
}

// ClearAll drops every limiter the registry has created. Queued waiters
// on those limiters are not touched; callers that need a hard reset
// between test cases should call Limiter.Clear on each limiter they
// hold a reference to before calling ClearAll.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[string]*Limiter)
}

// Stats returns a snapshot of every limiter currently tracked, keyed by
// the same registry key as Get.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.limiters))
	for k, l := range r.limiters {
		out[k] = l.Stats()
	}
	return out
}

func registryKey(endpoint string, cfg Config) string {
	return fmt.Sprintf("%s|max=%d|onExceed=%d", endpoint, cfg.Max, cfg.ActionOnExceed)
}
