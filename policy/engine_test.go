package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rivermint/policygate/counter"
	"github.com/rivermint/policygate/eventbus"
)

// memStore is a minimal, test-local fixed-window counter.Store so engine
// tests don't need the full memstore package.
type memStore struct {
	mu    sync.Mutex
	rates map[string]int64
	costs map[string]float64
}

func newMemStore() *memStore {
	return &memStore{rates: map[string]int64{}, costs: map[string]float64{}}
}

func (s *memStore) CheckRate(ctx context.Context, key string, limit, windowSec, burst int64) (counter.RateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rates[key]
	if cur >= limit {
		return counter.RateResult{Allowed: false, Current: cur, Remaining: 0, Limit: limit, ResetInSeconds: windowSec}, nil
	}
	cur++
	s.rates[key] = cur
	return counter.RateResult{Allowed: true, Current: cur, Remaining: limit - cur, Limit: limit, ResetInSeconds: windowSec}, nil
}

func (s *memStore) PeekRate(ctx context.Context, key string, limit, windowSec int64) (counter.RateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rates[key]
	return counter.RateResult{Allowed: cur < limit, Current: cur, Remaining: limit - cur, Limit: limit}, nil
}

func (s *memStore) IncrementCost(ctx context.Context, key string, cost float64, windowSec int64, cap float64) (counter.CostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.costs[key]
	if cur+cost > cap {
		return counter.CostResult{Allowed: false, Current: cur, Cap: cap}, nil
	}
	cur += cost
	s.costs[key] = cur
	return counter.CostResult{Allowed: true, Current: cur, Cap: cap}, nil
}

func (s *memStore) IncrementTokens(ctx context.Context, key string, tokens, windowSec, limit int64) (counter.TokenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rates["tok:"+key]
	if cur+tokens > limit {
		return counter.TokenResult{Allowed: false, Current: cur, Limit: limit}, nil
	}
	cur += tokens
	s.rates["tok:"+key] = cur
	return counter.TokenResult{Allowed: true, Current: cur, Limit: limit}, nil
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (s *memStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (s *memStore) Delete(ctx context.Context, key string) error { return nil }
func (s *memStore) Ping(ctx context.Context) bool                { return true }
func (s *memStore) Close() error                                 { return nil }

// Scenario 1: free user hits rate limit.
func TestEngineRateLimitScenario(t *testing.T) {
	store := newMemStore()
	cfg := PolicyConfig{
		"free": PlanConfig{Endpoints: map[string]EndpointPolicy{
			"POST|/api/ask": {Rate: &RateRule{MaxPerMinute: f(10), ActionOnExceed: ActionBlock}},
		}},
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	engine := NewEngine(store, resolver)
	ctx := context.Background()
	reqCtx := Context{User: "u1", Plan: "free", Endpoint: "POST|/api/ask"}

	for i := 1; i <= 10; i++ {
		d, err := engine.Check(ctx, reqCtx)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !d.Allowed || d.Details.Used != float64(i) {
			t.Fatalf("request %d: allowed=%v used=%v, want true/%d", i, d.Allowed, d.Details.Used, i)
		}
	}

	d, err := engine.Check(ctx, reqCtx)
	if err != nil {
		t.Fatalf("Check 11: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th request should be rejected")
	}
	if d.Reason != "rate_limited" {
		t.Fatalf("reason = %q, want rate_limited", d.Reason)
	}
	if d.RetryAfterSeconds < 1 || d.RetryAfterSeconds > 60 {
		t.Fatalf("retryAfterSeconds = %d, want in [1,60]", d.RetryAfterSeconds)
	}
}

// Scenario 2: cost cap half-increment refused.
func TestEngineCostCapScenario(t *testing.T) {
	store := newMemStore()
	cost := 0.06
	cfg := PolicyConfig{
		"free": PlanConfig{Endpoints: map[string]EndpointPolicy{
			"POST|/ask": {Cost: &CostRule{HourlyCap: f(0.10), ActionOnExceed: ActionBlock}},
		}},
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	engine := NewEngine(store, resolver)
	ctx := context.Background()
	reqCtx := Context{
		User: "u1", Plan: "free", Endpoint: "POST|/ask",
		EstimateCost: func() (float64, error) { return cost, nil },
	}

	d1, err := engine.Check(ctx, reqCtx)
	if err != nil {
		t.Fatalf("Check 1: %v", err)
	}
	if !d1.Allowed {
		t.Fatal("first increment should be allowed")
	}

	d2, err := engine.Check(ctx, reqCtx)
	if err != nil {
		t.Fatalf("Check 2: %v", err)
	}
	if d2.Allowed {
		t.Fatal("second increment should be rejected (0.06+0.06 > 0.10)")
	}
	if d2.Reason != "cost_exceeded" {
		t.Fatalf("reason = %q, want cost_exceeded", d2.Reason)
	}
	if d2.Details.Used != 0.06 {
		t.Fatalf("used = %v, want 0.06 (rejected increment must not advance the counter)", d2.Details.Used)
	}
}

func TestEngineNoPolicyAdmitsTrivially(t *testing.T) {
	store := newMemStore()
	resolver, err := NewResolver(PolicyConfig{})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	engine := NewEngine(store, resolver)
	d, err := engine.Check(context.Background(), Context{User: "u1", Plan: "free", Endpoint: "GET|/unconfigured"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Action != ActionAllow {
		t.Fatalf("decision = %+v, want trivial admit", d)
	}
}

func TestEngineSlowdownAction(t *testing.T) {
	store := newMemStore()
	cfg := PolicyConfig{
		"free": PlanConfig{Endpoints: map[string]EndpointPolicy{
			"POST|/ask": {Rate: &RateRule{MaxPerMinute: f(1), ActionOnExceed: ActionSlowdown, SlowdownMs: 250}},
		}},
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	engine := NewEngine(store, resolver)
	ctx := context.Background()
	reqCtx := Context{User: "u1", Plan: "free", Endpoint: "POST|/ask"}

	if _, err := engine.Check(ctx, reqCtx); err != nil {
		t.Fatalf("Check 1: %v", err)
	}
	d, err := engine.Check(ctx, reqCtx)
	if err != nil {
		t.Fatalf("Check 2: %v", err)
	}
	if !d.Allowed || d.Action != ActionSlowdown || d.SlowdownMs != 250 {
		t.Fatalf("decision = %+v, want allowed slowdown of 250ms", d)
	}
}

func TestEngineCostSlowdownDegradesToBlock(t *testing.T) {
	store := newMemStore()
	cfg := PolicyConfig{
		"free": PlanConfig{Endpoints: map[string]EndpointPolicy{
			"POST|/ask": {Cost: &CostRule{HourlyCap: f(0.05), ActionOnExceed: ActionSlowdown}},
		}},
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	engine := NewEngine(store, resolver)
	ctx := context.Background()
	reqCtx := Context{
		User: "u1", Plan: "free", Endpoint: "POST|/ask",
		EstimateCost: func() (float64, error) { return 0.10, nil },
	}
	d, err := engine.Check(ctx, reqCtx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Action != ActionBlock {
		t.Fatalf("decision = %+v, want cost violation degraded to block", d)
	}
}

func TestEngineEmitsEventsOnTerminalDecisions(t *testing.T) {
	store := newMemStore()
	cfg := PolicyConfig{
		"free": PlanConfig{Endpoints: map[string]EndpointPolicy{
			"POST|/ask": {Rate: &RateRule{MaxPerMinute: f(1), ActionOnExceed: ActionBlock}},
		}},
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	bus := eventbus.New()
	var types []eventbus.Type
	var mu sync.Mutex
	bus.On(func(e eventbus.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	engine := NewEngine(store, resolver, WithEventBus(bus))
	ctx := context.Background()
	reqCtx := Context{User: "u1", Plan: "free", Endpoint: "POST|/ask"}

	if _, err := engine.Check(ctx, reqCtx); err != nil {
		t.Fatalf("Check 1: %v", err)
	}
	if _, err := engine.Check(ctx, reqCtx); err != nil {
		t.Fatalf("Check 2: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 3 {
		t.Fatalf("events = %v, want 3 (allowed, rate_exceeded, blocked)", types)
	}
	if types[0] != eventbus.TypeAllowed {
		t.Fatalf("first event = %v, want allowed", types[0])
	}
	foundBlocked := false
	for _, ty := range types {
		if ty == eventbus.TypeBlocked {
			foundBlocked = true
		}
	}
	if !foundBlocked {
		t.Fatalf("events = %v, want a blocked event", types)
	}
}

var errFatal = errors.New("store fatal")

type fatalStore struct{ *memStore }

func (f *fatalStore) CheckRate(ctx context.Context, key string, limit, windowSec, burst int64) (counter.RateResult, error) {
	return counter.RateResult{}, errFatal
}

func TestEngineStoreErrorPropagates(t *testing.T) {
	cfg := PolicyConfig{
		"free": PlanConfig{Endpoints: map[string]EndpointPolicy{
			"POST|/ask": {Rate: &RateRule{MaxPerMinute: f(1), ActionOnExceed: ActionBlock}},
		}},
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	engine := NewEngine(&fatalStore{newMemStore()}, resolver)
	_, err = engine.Check(context.Background(), Context{User: "u1", Plan: "free", Endpoint: "POST|/ask"})
	if !errors.Is(err, errFatal) {
		t.Fatalf("err = %v, want errFatal propagated", err)
	}
}
