// Package redisstore implements a distributed counter store driven by
// server-side Redis scripts, generalized from two hard-coded algorithms
// (fixed window, token bucket) to the full rate/burst/cost/token/generic
// counter.Store contract, with every operation remaining a single atomic
// round trip.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rivermint/policygate/counter"
)

// Store is a distributed implementation of counter.Store backed by Redis.
// client is a redis.UniversalClient so the same Store works against a
// single node, a sentinel-failover client, or a cluster client.
type Store struct {
	client redis.UniversalClient
	prefix string

	checkRateScript *redis.Script
	peekRateScript  *redis.Script
	incrCostScript  *redis.Script
	incrTokenScript *redis.Script
}

// Option configures a Store at construction.
type Option func(*Store)

// WithPrefix overrides the default "limitrate:" key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New constructs a Store over an already-configured Redis client. Connection
// and credential errors are the caller's responsibility to detect (e.g. via
// Ping) at construction time, since those are ConfigError-class failures
// that must be fatal rather than degrading through the circuit breaker.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", counter.ErrConfigInvalid)
	}
	s := &Store{
		client:          client,
		prefix:          counter.DefaultPrefix,
		checkRateScript: redis.NewScript(checkRateLua),
		peekRateScript:  redis.NewScript(peekRateLua),
		incrCostScript:  redis.NewScript(incrCostLua),
		incrTokenScript: redis.NewScript(incrTokenLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const checkRateLua = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
local limit = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

if ttl < 0 then
	redis.call("SET", KEYS[1], 0, "PX", windowMs)
	current = 0
	ttl = windowMs
	if burst > 0 then
		redis.call("SET", KEYS[2], burst, "PX", windowMs)
	end
end

local burstTokens = -1
if burst > 0 then
	burstTokens = tonumber(redis.call("GET", KEYS[2]) or tostring(burst))
end

local allowed = 0
if current < limit then
	current = redis.call("INCR", KEYS[1])
	allowed = 1
elseif burst > 0 and burstTokens > 0 then
	burstTokens = redis.call("DECR", KEYS[2])
	current = redis.call("INCR", KEYS[1])
	allowed = 1
end

return {allowed, current, ttl, burstTokens}
`

const peekRateLua = `
local v = redis.call("GET", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if v == false then
	return {0, -1}
end
return {tonumber(v), ttl}
`

const incrCostLua = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
local cost = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])

local creating = ttl < 0
if creating then
	current = 0
	ttl = windowMs
end

local allowed = 0
if current + cost <= cap then
	current = current + cost
	if creating then
		redis.call("SET", KEYS[1], current, "PX", windowMs)
	else
		redis.call("SET", KEYS[1], current, "KEEPTTL")
	end
	allowed = 1
end

return {allowed, tostring(current), ttl}
`

const incrTokenLua = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
local tokens = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local creating = ttl < 0
if creating then
	current = 0
	ttl = windowMs
end

local allowed = 0
if current + tokens <= limit then
	current = current + tokens
	if creating then
		redis.call("SET", KEYS[1], current, "PX", windowMs)
	else
		redis.call("SET", KEYS[1], current, "KEEPTTL")
	end
	allowed = 1
end

return {allowed, current, ttl}
`

// CheckRate implements counter.Store. The returned Allowed flag is exactly
// the atomic decision made by the Lua script: there is no separate Go-side
// recomputation that could disagree with it.
func (s *Store) CheckRate(ctx context.Context, key string, limit int64, windowSec int64, burst int64) (counter.RateResult, error) {
	rateKey := counter.BuildKey(s.prefix, counter.NamespaceRate, key)
	burstKey := counter.BuildKey(s.prefix, counter.NamespaceBurst, key)
	windowMs := windowSec * 1000

	res, err := s.checkRateScript.Run(ctx, s.client, []string{rateKey, burstKey}, limit, windowMs, burst).Result()
	if err != nil {
		return counter.RateResult{}, classifyErr(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 4 {
		return counter.RateResult{}, fmt.Errorf("%w: malformed checkRate response", counter.ErrStoreFatal)
	}

	allowed := toInt64(arr[0]) == 1
	current := toInt64(arr[1])
	ttlMs := toInt64(arr[2])
	burstTokens := toInt64(arr[3])

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	result := counter.RateResult{
		Allowed:        allowed,
		Current:        current,
		Remaining:      remaining,
		ResetInSeconds: msToSecondsCeil(ttlMs),
		Limit:          limit,
	}
	if burst > 0 {
		result.BurstTokens = &burstTokens
	}
	return result, nil
}

// PeekRate implements counter.Store.
func (s *Store) PeekRate(ctx context.Context, key string, limit int64, windowSec int64) (counter.RateResult, error) {
	rateKey := counter.BuildKey(s.prefix, counter.NamespaceRate, key)

	res, err := s.peekRateScript.Run(ctx, s.client, []string{rateKey}).Result()
	if err != nil {
		return counter.RateResult{}, classifyErr(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return counter.RateResult{}, fmt.Errorf("%w: malformed peekRate response", counter.ErrStoreFatal)
	}

	current := toInt64(arr[0])
	ttlMs := toInt64(arr[1])
	resetIn := windowSec
	if ttlMs >= 0 {
		resetIn = msToSecondsCeil(ttlMs)
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return counter.RateResult{
		Allowed:        current < limit,
		Current:        current,
		Remaining:      remaining,
		ResetInSeconds: resetIn,
		Limit:          limit,
	}, nil
}

// IncrementCost implements counter.Store.
func (s *Store) IncrementCost(ctx context.Context, key string, cost float64, windowSec int64, cap float64) (counter.CostResult, error) {
	costKey := counter.BuildKey(s.prefix, counter.NamespaceCost, key)
	windowMs := windowSec * 1000

	res, err := s.incrCostScript.Run(ctx, s.client, []string{costKey}, cost, windowMs, cap).Result()
	if err != nil {
		return counter.CostResult{}, classifyErr(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return counter.CostResult{}, fmt.Errorf("%w: malformed incrementCost response", counter.ErrStoreFatal)
	}

	allowed := toInt64(arr[0]) == 1
	currentStr, _ := arr[1].(string)
	current, _ := strconv.ParseFloat(currentStr, 64)
	ttlMs := toInt64(arr[2])

	return counter.CostResult{
		Allowed:        allowed,
		Current:        current,
		Cap:            cap,
		ResetInSeconds: msToSecondsCeil(ttlMs),
	}, nil
}

// IncrementTokens implements counter.Store.
func (s *Store) IncrementTokens(ctx context.Context, key string, tokens int64, windowSec int64, limit int64) (counter.TokenResult, error) {
	tokensKey := counter.BuildKey(s.prefix, counter.NamespaceTokens, key)
	windowMs := windowSec * 1000

	res, err := s.incrTokenScript.Run(ctx, s.client, []string{tokensKey}, tokens, windowMs, limit).Result()
	if err != nil {
		return counter.TokenResult{}, classifyErr(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return counter.TokenResult{}, fmt.Errorf("%w: malformed incrementTokens response", counter.ErrStoreFatal)
	}

	allowed := toInt64(arr[0]) == 1
	current := toInt64(arr[1])
	ttlMs := toInt64(arr[2])

	return counter.TokenResult{
		Allowed:        allowed,
		Current:        current,
		Limit:          limit,
		ResetInSeconds: msToSecondsCeil(ttlMs),
	}, nil
}

// Get implements counter.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	genKey := counter.BuildKey(s.prefix, counter.NamespaceGeneric, key)
	val, err := s.client.Get(ctx, genKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyErr(err)
	}
	return val, true, nil
}

// Set implements counter.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	genKey := counter.BuildKey(s.prefix, counter.NamespaceGeneric, key)
	if err := s.client.Set(ctx, genKey, value, ttl).Err(); err != nil {
		return classifyErr(err)
	}
	return nil
}

// Delete implements counter.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	genKey := counter.BuildKey(s.prefix, counter.NamespaceGeneric, key)
	if err := s.client.Del(ctx, genKey).Err(); err != nil {
		return classifyErr(err)
	}
	return nil
}

// Ping implements counter.Store.
func (s *Store) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close implements counter.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func msToSecondsCeil(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	secs := ms / 1000
	if ms%1000 != 0 {
		secs++
	}
	return secs
}

// classifyErr maps go-redis errors onto the StoreTransient/StoreFatal
// taxonomy from spec.md §7: redis.Nil and network/timeout errors are
// transient (the caller's onError policy or a breaker.Breaker decides what
// to do), anything else (auth errors, script compile errors) is fatal.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", counter.ErrStoreTransient, err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", counter.ErrStoreFatal, err)
	}
	// Error replies from the server (auth failures, script errors) are
	// fatal; redis.Nil is a reply too but only marks a missing key.
	var replyErr redis.Error
	if errors.As(err, &replyErr) && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", counter.ErrStoreFatal, err)
	}
	// go-redis wraps most connection-pool and I/O failures as generic
	// errors without a sentinel; without a network-level signal we treat
	// them as transient since they are by far the common case in
	// production (connection pool exhaustion, dial timeouts).
	return fmt.Errorf("%w: %v", counter.ErrStoreTransient, err)
}
