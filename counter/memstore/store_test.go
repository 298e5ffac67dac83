package memstore

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	all := append([]Option{WithSweepInterval(0)}, opts...)
	s, err := New(context.Background(), all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario 1: free user hits rate limit.
func TestCheckRateBlocksAfterLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		res, err := s.CheckRate(ctx, "u1:POST|/api/ask", 10, 60, 0)
		if err != nil {
			t.Fatalf("CheckRate: %v", err)
		}
		if !res.Allowed || res.Current != i {
			t.Fatalf("request %d: allowed=%v current=%d, want allowed=true current=%d", i, res.Allowed, res.Current, i)
		}
	}

	res, err := s.CheckRate(ctx, "u1:POST|/api/ask", 10, 60, 0)
	if err != nil {
		t.Fatalf("CheckRate: %v", err)
	}
	if res.Allowed {
		t.Fatalf("11th request should be rejected, got allowed")
	}
	if res.ResetInSeconds < 1 || res.ResetInSeconds > 60 {
		t.Errorf("resetInSeconds = %d, want in [1,60]", res.ResetInSeconds)
	}
}

// Scenario 4: burst exhaustion.
func TestCheckRateBurstExhaustion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		res, err := s.CheckRate(ctx, "u2:GET|/x", 10, 60, 5)
		if err != nil {
			t.Fatalf("CheckRate: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be admitted from steady limit", i)
		}
		if res.BurstTokens == nil || *res.BurstTokens != 5 {
			t.Fatalf("request %d: burst tokens should remain untouched at 5, got %v", i, res.BurstTokens)
		}
	}

	for i := int64(1); i <= 5; i++ {
		res, err := s.CheckRate(ctx, "u2:GET|/x", 10, 60, 5)
		if err != nil {
			t.Fatalf("CheckRate: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("burst request %d should be admitted", i)
		}
		wantBurst := int64(5 - i)
		if res.BurstTokens == nil || *res.BurstTokens != wantBurst {
			t.Fatalf("burst request %d: burstTokens = %v, want %d", i, res.BurstTokens, wantBurst)
		}
		if res.Remaining != 0 {
			t.Errorf("burst request %d: remaining = %d, want 0", i, res.Remaining)
		}
		if res.Current != 10+i {
			t.Errorf("burst request %d: current = %d, want %d", i, res.Current, 10+i)
		}
	}

	res, err := s.CheckRate(ctx, "u2:GET|/x", 10, 60, 5)
	if err != nil {
		t.Fatalf("CheckRate: %v", err)
	}
	if res.Allowed {
		t.Fatalf("16th request should be rejected once burst is exhausted")
	}
}

// Law: window reset.
func TestCheckRateWindowReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.CheckRate(ctx, "u3:GET|/y", 1, 1, 0)
	if err != nil || !res.Allowed {
		t.Fatalf("first call should admit: %v %v", res, err)
	}

	res, err = s.CheckRate(ctx, "u3:GET|/y", 1, 1, 0)
	if err != nil {
		t.Fatalf("CheckRate: %v", err)
	}
	if res.Allowed {
		t.Fatalf("second call within window should be rejected")
	}

	time.Sleep(1100 * time.Millisecond)

	res, err = s.CheckRate(ctx, "u3:GET|/y", 1, 1, 0)
	if err != nil {
		t.Fatalf("CheckRate: %v", err)
	}
	if !res.Allowed || res.Current != 1 || res.Remaining != 0 {
		t.Fatalf("post-reset call: allowed=%v current=%d remaining=%d, want allowed=true current=1 remaining=0",
			res.Allowed, res.Current, res.Remaining)
	}
}

// Law: peek idempotence.
func TestPeekRateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CheckRate(ctx, "u4:GET|/z", 5, 60, 0); err != nil {
		t.Fatalf("CheckRate: %v", err)
	}

	var last int64 = -1
	for i := 0; i < 3; i++ {
		res, err := s.PeekRate(ctx, "u4:GET|/z", 5, 60)
		if err != nil {
			t.Fatalf("PeekRate: %v", err)
		}
		if last != -1 && res.Current != last {
			t.Fatalf("peek %d: current changed from %d to %d", i, last, res.Current)
		}
		last = res.Current
	}
	if last != 1 {
		t.Errorf("peek current = %d, want 1", last)
	}
}

// Scenario 2: cost cap half-increment refused.
func TestIncrementCostRefusesOverCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.IncrementCost(ctx, "u5:POST|/ask", 0.06, 3600, 0.10)
	if err != nil {
		t.Fatalf("IncrementCost: %v", err)
	}
	if !res.Allowed || res.Current != 0.06 {
		t.Fatalf("first increment: allowed=%v current=%v, want true/0.06", res.Allowed, res.Current)
	}

	res, err = s.IncrementCost(ctx, "u5:POST|/ask", 0.06, 3600, 0.10)
	if err != nil {
		t.Fatalf("IncrementCost: %v", err)
	}
	if res.Allowed {
		t.Fatalf("second increment should be refused")
	}
	if res.Current != 0.06 {
		t.Fatalf("rejected increment must not advance the counter: current = %v, want 0.06", res.Current)
	}
}

func TestIncrementTokensIntegerArithmetic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.IncrementTokens(ctx, "u6:POST|/ask", 400, 60, 1000)
	if err != nil || !res.Allowed || res.Current != 400 {
		t.Fatalf("first increment: %+v err=%v", res, err)
	}

	res, err = s.IncrementTokens(ctx, "u6:POST|/ask", 700, 60, 1000)
	if err != nil {
		t.Fatalf("IncrementTokens: %v", err)
	}
	if res.Allowed {
		t.Fatalf("increment exceeding limit should be rejected")
	}
	if res.Current != 400 {
		t.Fatalf("rejected increment must not advance: current = %d, want 400", res.Current)
	}
}

func TestGenericKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "penalty:u7"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "penalty:u7", []byte("multiplier=2"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := s.Get(ctx, "penalty:u7")
	if err != nil || !ok || string(val) != "multiplier=2" {
		t.Fatalf("Get after Set: val=%q ok=%v err=%v", val, ok, err)
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok, err := s.Get(ctx, "penalty:u7"); err != nil || ok {
		t.Fatalf("expected expired key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "penalty:u8", []byte("x"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "penalty:u8"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "penalty:u8"); ok {
		t.Fatalf("expected deleted key to be gone")
	}
}

// Invariant: per-identity cap evicts the least-recently-used entry for
// that identity, never a different identity's entries.
func TestPerUserEvictionScope(t *testing.T) {
	s := newTestStore(t, WithMaxKeysPerUser(2), WithMaxKeys(1000))
	ctx := context.Background()

	for _, ep := range []string{"GET|/a", "GET|/b"} {
		if _, err := s.CheckRate(ctx, "u9:"+ep, 100, 60, 0); err != nil {
			t.Fatalf("CheckRate: %v", err)
		}
	}
	if _, err := s.CheckRate(ctx, "other:GET|/a", 100, 60, 0); err != nil {
		t.Fatalf("CheckRate: %v", err)
	}

	// Third key for u9 should evict u9's oldest entry (GET|/a), not the
	// unrelated "other" identity's entry.
	if _, err := s.CheckRate(ctx, "u9:GET|/c", 100, 60, 0); err != nil {
		t.Fatalf("CheckRate: %v", err)
	}

	res, err := s.PeekRate(ctx, "other:GET|/a", 100, 60)
	if err != nil {
		t.Fatalf("PeekRate: %v", err)
	}
	if res.Current != 1 {
		t.Fatalf("unrelated identity's entry must survive eviction scoped to u9, current = %d", res.Current)
	}
}

func TestProductionSanityCheck(t *testing.T) {
	_, err := New(context.Background(), WithEnvLookup(func(key string) (string, bool) {
		if key == "ENVIRONMENT" {
			return "production", true
		}
		return "", false
	}))
	if err == nil {
		t.Fatalf("expected construction to fail in a production-like environment")
	}

	s, err := New(context.Background(),
		WithSweepInterval(0),
		WithAllowProduction(),
		WithEnvLookup(func(key string) (string, bool) {
			if key == "ENVIRONMENT" {
				return "production", true
			}
			return "", false
		}),
	)
	if err != nil {
		t.Fatalf("expected construction to succeed with WithAllowProduction: %v", err)
	}
	s.Close()
}
