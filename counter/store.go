// Package counter defines the distributed counter backend contract (C1):
// atomic windowed increments for rate, cost, and token budgets, a peek-only
// rate read, and a generic namespaced KV bucket for auxiliary state such as
// penalty multipliers.
//
// Two implementations satisfy this contract: an in-process LRU store
// (counter/memstore) and a distributed store driven by server-side Redis
// scripts (counter/redisstore). Both can be wrapped in a breaker.Breaker for
// fail-open/fail-closed degradation.
package counter

import (
	"context"
	"time"
)

// RateResult is the outcome of a rate-window check.
type RateResult struct {
	Allowed        bool
	Current        int64
	Remaining      int64
	ResetInSeconds int64
	Limit          int64
	// BurstTokens is only populated when the rule configures a burst
	// allowance.
	BurstTokens *int64
}

// CostResult is the outcome of a cost-window increment.
type CostResult struct {
	Allowed        bool
	Current        float64
	Cap            float64
	ResetInSeconds int64
}

// TokenResult is the outcome of a token-window increment.
type TokenResult struct {
	Allowed        bool
	Current        int64
	Limit          int64
	ResetInSeconds int64
}

// Store is the C1 contract. Implementations must make each method
// individually atomic: a single server-side round trip (or, in-process, a
// single critical section) executing read -> decision -> write.
type Store interface {
	// CheckRate atomically increments the counter for key within a
	// windowSec-wide fixed window. If the pre-increment count is below
	// limit, the call admits and increments. Otherwise, if burst > 0 and
	// burst tokens remain, a burst token is consumed and the call admits
	// and increments. Otherwise the call rejects without incrementing.
	CheckRate(ctx context.Context, key string, limit int64, windowSec int64, burst int64) (RateResult, error)

	// PeekRate is the read-only variant of CheckRate: it never increments
	// and returns a zero-state result for keys that do not exist.
	PeekRate(ctx context.Context, key string, limit int64, windowSec int64) (RateResult, error)

	// IncrementCost increments a cost counter by cost, rejecting without
	// incrementing when current+cost would exceed cap. The window TTL is
	// set on creation and preserved (never reset) on later increments.
	IncrementCost(ctx context.Context, key string, cost float64, windowSec int64, cap float64) (CostResult, error)

	// IncrementTokens is the integer-arithmetic analogue of IncrementCost
	// for per-window token budgets.
	IncrementTokens(ctx context.Context, key string, tokens int64, windowSec int64, limit int64) (TokenResult, error)

	// Get reads a value from the generic namespaced bucket. ok is false
	// when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set writes a value to the generic namespaced bucket. A zero ttl
	// means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the generic namespaced bucket. It is a
	// no-op if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Ping reports backend health without mutating any counter state.
	Ping(ctx context.Context) bool

	// Close releases resources held by the store. The store must not be
	// used after Close returns.
	Close() error
}

// BuildKey constructs the "${prefix}${namespace}:${caller-key}" key format
// shared by every Store implementation, so namespacing stays consistent
// across memstore and redisstore.
func BuildKey(prefix, namespace, callerKey string) string {
	return prefix + namespace + ":" + callerKey
}

// Namespaces used to partition the key space. One counter entry lives per
// (namespace, key) pair.
const (
	NamespaceRate    = "rate"
	NamespaceBurst   = "burst"
	NamespaceCost    = "cost"
	NamespaceTokens  = "tokens"
	NamespaceGeneric = "generic"
)

// DefaultPrefix is the default key prefix applied by every Store
// implementation unless overridden at construction.
const DefaultPrefix = "limitrate:"
