package memstore

import (
	"context"
	"math"
	"time"

	"github.com/rivermint/policygate/counter"
)

// insertLocked enforces the global and per-identity eviction caps before
// adding a brand-new entry. Caller must hold s.mu and must not have already
// inserted storageKey.
func (s *Store) insertLocked(storageKey string, e *entry) {
	if s.maxKeysPerUser > 0 && e.scope != "" && s.perUser[e.scope] >= s.maxKeysPerUser {
		s.evictSmallestInScopeLocked(e.scope)
	}
	if s.maxKeys > 0 && len(s.entries) >= s.maxKeys {
		s.evictSmallestGlobalLocked()
	}
	s.entries[storageKey] = e
	if e.scope != "" {
		s.perUser[e.scope]++
	}
}

func (s *Store) evictSmallestGlobalLocked() {
	var oldestKey string
	var oldest *entry
	for k, e := range s.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		s.removeLocked(oldestKey, oldest)
	}
}

func (s *Store) evictSmallestInScopeLocked(scope string) {
	var oldestKey string
	var oldest *entry
	for k, e := range s.entries {
		if e.scope != scope {
			continue
		}
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		s.removeLocked(oldestKey, oldest)
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// CheckRate implements counter.Store.
func (s *Store) CheckRate(ctx context.Context, key string, limit int64, windowSec int64, burst int64) (counter.RateResult, error) {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceRate, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, found := s.entries[storageKey]
	if found && e.expired(now) {
		s.removeLocked(storageKey, e)
		found = false
	}
	if !found {
		e = &entry{
			expiresAt: now.Add(time.Duration(windowSec) * time.Second),
			scope:     identityScope(key),
		}
		if burst > 0 {
			e.hasBurst = true
			e.burstTokens = burst
		}
		s.insertLocked(storageKey, e)
	}
	e.lastAccess = now

	current := int64(e.numeric)
	allowed := false
	if current < limit {
		e.numeric++
		current++
		allowed = true
	} else if e.hasBurst && e.burstTokens > 0 {
		e.burstTokens--
		e.numeric++
		current++
		allowed = true
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	result := counter.RateResult{
		Allowed:        allowed,
		Current:        current,
		Remaining:      remaining,
		ResetInSeconds: ceilSeconds(e.expiresAt.Sub(now)),
		Limit:          limit,
	}
	if e.hasBurst {
		bt := e.burstTokens
		result.BurstTokens = &bt
	}
	return result, nil
}

// PeekRate implements counter.Store.
func (s *Store) PeekRate(ctx context.Context, key string, limit int64, windowSec int64) (counter.RateResult, error) {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceRate, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, found := s.entries[storageKey]
	if found && e.expired(now) {
		found = false
	}
	if !found {
		return counter.RateResult{
			Allowed:        true,
			Current:        0,
			Remaining:      limit,
			ResetInSeconds: windowSec,
			Limit:          limit,
		}, nil
	}
	e.lastAccess = now

	current := int64(e.numeric)
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	result := counter.RateResult{
		Allowed:        current < limit,
		Current:        current,
		Remaining:      remaining,
		ResetInSeconds: ceilSeconds(e.expiresAt.Sub(now)),
		Limit:          limit,
	}
	if e.hasBurst {
		bt := e.burstTokens
		result.BurstTokens = &bt
	}
	return result, nil
}

// IncrementCost implements counter.Store.
func (s *Store) IncrementCost(ctx context.Context, key string, cost float64, windowSec int64, cap float64) (counter.CostResult, error) {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceCost, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, found := s.entries[storageKey]
	if found && e.expired(now) {
		s.removeLocked(storageKey, e)
		found = false
	}
	if !found {
		e = &entry{
			expiresAt: now.Add(time.Duration(windowSec) * time.Second),
			scope:     identityScope(key),
		}
		s.insertLocked(storageKey, e)
	}
	e.lastAccess = now

	allowed := e.numeric+cost <= cap
	if allowed {
		e.numeric += cost
	}

	return counter.CostResult{
		Allowed:        allowed,
		Current:        e.numeric,
		Cap:            cap,
		ResetInSeconds: ceilSeconds(e.expiresAt.Sub(now)),
	}, nil
}

// IncrementTokens implements counter.Store.
func (s *Store) IncrementTokens(ctx context.Context, key string, tokens int64, windowSec int64, limit int64) (counter.TokenResult, error) {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceTokens, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, found := s.entries[storageKey]
	if found && e.expired(now) {
		s.removeLocked(storageKey, e)
		found = false
	}
	if !found {
		e = &entry{
			expiresAt: now.Add(time.Duration(windowSec) * time.Second),
			scope:     identityScope(key),
		}
		s.insertLocked(storageKey, e)
	}
	e.lastAccess = now

	current := int64(e.numeric)
	allowed := current+tokens <= limit
	if allowed {
		e.numeric += float64(tokens)
		current += tokens
	}

	return counter.TokenResult{
		Allowed:        allowed,
		Current:        current,
		Limit:          limit,
		ResetInSeconds: ceilSeconds(e.expiresAt.Sub(now)),
	}, nil
}

// Get implements counter.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceGeneric, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, found := s.entries[storageKey]
	if !found {
		return nil, false, nil
	}
	if e.expired(now) {
		s.removeLocked(storageKey, e)
		return nil, false, nil
	}
	e.lastAccess = now
	val := make([]byte, len(e.bytesVal))
	copy(val, e.bytesVal)
	return val, true, nil
}

// Set implements counter.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceGeneric, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	val := make([]byte, len(value))
	copy(val, value)

	e, found := s.entries[storageKey]
	if found && e.expired(now) {
		s.removeLocked(storageKey, e)
		found = false
	}
	if !found {
		e = &entry{scope: identityScope(key), isGeneric: true}
		s.insertLocked(storageKey, e)
	}
	e.isGeneric = true
	e.bytesVal = val
	e.lastAccess = now
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

// Delete implements counter.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	storageKey := counter.BuildKey(s.prefix, counter.NamespaceGeneric, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, found := s.entries[storageKey]; found {
		s.removeLocked(storageKey, e)
	}
	return nil
}

// Ping implements counter.Store. The in-process store is always reachable.
func (s *Store) Ping(ctx context.Context) bool {
	return true
}

// Close implements counter.Store.
func (s *Store) Close() error {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.perUser = make(map[string]int)
	return nil
}
