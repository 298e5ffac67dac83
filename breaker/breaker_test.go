package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rivermint/policygate/counter"
)

// fakeStore lets tests script a sequence of failures/successes.
type fakeStore struct {
	calls int
	fail  func(call int) error
}

func (f *fakeStore) CheckRate(ctx context.Context, key string, limit, windowSec, burst int64) (counter.RateResult, error) {
	f.calls++
	if err := f.fail(f.calls); err != nil {
		return counter.RateResult{}, err
	}
	return counter.RateResult{Allowed: true, Current: 1, Remaining: limit - 1, Limit: limit}, nil
}
func (f *fakeStore) PeekRate(ctx context.Context, key string, limit, windowSec int64) (counter.RateResult, error) {
	return counter.RateResult{}, nil
}
func (f *fakeStore) IncrementCost(ctx context.Context, key string, cost float64, windowSec int64, cap float64) (counter.CostResult, error) {
	return counter.CostResult{}, nil
}
func (f *fakeStore) IncrementTokens(ctx context.Context, key string, tokens, windowSec, limit int64) (counter.TokenResult, error) {
	return counter.TokenResult{}, nil
}
func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (f *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, key string) error { return nil }
func (f *fakeStore) Ping(ctx context.Context) bool                { return true }
func (f *fakeStore) Close() error                                 { return nil }

var errTransient = errors.New("boom")

// Scenario 5: circuit breaker open.
func TestBreakerOpensAndHeals(t *testing.T) {
	inner := &fakeStore{fail: func(call int) error {
		if call <= 3 {
			return errTransient
		}
		return nil
	}}
	b := New(inner, Config{Threshold: 3, Timeout: 50 * time.Millisecond, OnError: FailClosed})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := b.CheckRate(ctx, "u1", 10, 60, 0)
		if err == nil {
			t.Fatalf("call %d should propagate the transient error under fail-closed", i)
		}
	}

	res, err := b.CheckRate(ctx, "u1", 10, 60, 0)
	if err != nil {
		t.Fatalf("4th call should observe the open breaker, not an error: %v", err)
	}
	if !res.Allowed || res.Current != 0 || res.Remaining != 10 {
		t.Fatalf("open-breaker result = %+v, want fail-open with remaining=limit", res)
	}
	if inner.calls != 3 {
		t.Fatalf("open breaker must not invoke the store: calls = %d, want 3", inner.calls)
	}

	time.Sleep(60 * time.Millisecond)

	res, err = b.CheckRate(ctx, "u1", 10, 60, 0)
	if err != nil {
		t.Fatalf("call after timeout should retry the store: %v", err)
	}
	if inner.calls != 4 {
		t.Fatalf("call after timeout should have reached the store: calls = %d, want 4", inner.calls)
	}
	if !res.Allowed {
		t.Fatalf("store recovered, expected an allowed result")
	}
}

func TestBreakerFailOpenDefault(t *testing.T) {
	inner := &fakeStore{fail: func(call int) error { return errTransient }}
	b := New(inner, Config{Threshold: 100, Timeout: time.Minute})
	ctx := context.Background()

	res, err := b.CheckRate(ctx, "u1", 10, 60, 0)
	if err != nil {
		t.Fatalf("fail-open should swallow the transient error, got %v", err)
	}
	if !res.Allowed {
		t.Fatalf("fail-open result should be allowed")
	}
}
