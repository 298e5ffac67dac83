package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rivermint/policygate/counter"
)

// PenaltyState is an optional per-identity rate multiplier, stored in
// the counter store's generic KV bucket under the "penalty" namespace.
// An absent or expired state carries Multiplier 1.0 (no penalty).
type PenaltyState struct {
	Multiplier float64   `json:"multiplier"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Reason     string    `json:"reason,omitempty"`
}

const penaltyKeyPrefix = "penalty:"

// LoadPenalty reads the penalty state for userKey. A missing or expired
// entry returns the neutral {Multiplier: 1.0}, never an error for that
// case.
func LoadPenalty(ctx context.Context, store counter.Store, userKey string) (PenaltyState, error) {
	val, ok, err := store.Get(ctx, penaltyKeyPrefix+userKey)
	if err != nil {
		return PenaltyState{}, err
	}
	if !ok {
		return PenaltyState{Multiplier: 1.0}, nil
	}
	var state PenaltyState
	if err := json.Unmarshal(val, &state); err != nil {
		return PenaltyState{Multiplier: 1.0}, nil
	}
	if !state.ExpiresAt.IsZero() && time.Now().After(state.ExpiresAt) {
		return PenaltyState{Multiplier: 1.0}, nil
	}
	return state, nil
}

// SetPenalty writes a penalty state for userKey with a TTL matching its
// expiry, so the entry self-cleans from the store once it lapses.
func SetPenalty(ctx context.Context, store counter.Store, userKey string, state PenaltyState) error {
	val, err := json.Marshal(state)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !state.ExpiresAt.IsZero() {
		ttl = time.Until(state.ExpiresAt)
		if ttl <= 0 {
			return store.Delete(ctx, penaltyKeyPrefix+userKey)
		}
	}
	return store.Set(ctx, penaltyKeyPrefix+userKey, val, ttl)
}
