package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rivermint/policygate/counter"
	"github.com/rivermint/policygate/eventbus"
	"github.com/rivermint/policygate/identity"
	"github.com/rivermint/policygate/logging"
)

// Engine sequences rate -> token -> cost checks against a counter.Store
// using policy resolved by a Resolver, emitting events onto a bus as it
// goes. It is the C5 component; it never touches concurrency admission
// (that is the middleware's job, ahead of Engine.Check).
type Engine struct {
	store    counter.Store
	resolver *Resolver
	bus      *eventbus.Bus
	log      logging.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithEventBus attaches a bus that every terminal decision emits onto.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = logging.OrDefault(l) }
}

// NewEngine constructs an Engine over store and resolver.
func NewEngine(store counter.Store, resolver *Resolver, opts ...Option) *Engine {
	e := &Engine{store: store, resolver: resolver, log: logging.Default}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check evaluates reqCtx against the resolved policy and returns a
// Decision. The errors it returns are ErrConfigInvalid-class (policy
// validation) or an error propagated unchanged from the counter store;
// budget violations are always carried as Decision.Allowed=false, never
// as an error.
func (e *Engine) Check(ctx context.Context, reqCtx Context) (Decision, error) {
	userKey := identity.NormalizeUserKey(reqCtx.User)

	policyPtr, err := e.resolver.Resolve(reqCtx.Plan, reqCtx.Endpoint, reqCtx.UserOverride, reqCtx.RouteOverride)
	if err != nil {
		return Decision{}, err
	}
	if policyPtr == nil {
		d := admitted(Details{})
		e.emit(eventbus.TypeAllowed, reqCtx, d, 0, 0)
		return d, nil
	}

	var details Details

	if policyPtr.Rate != nil {
		d, stop, err := e.checkRate(ctx, userKey, reqCtx, policyPtr.Rate)
		if err != nil {
			return Decision{}, err
		}
		if stop {
			return d, nil
		}
		details = d.Details

		if reqCtx.Tokens > 0 {
			d, stop, err := e.checkTokens(ctx, userKey, reqCtx, policyPtr.Rate, details)
			if err != nil {
				return Decision{}, err
			}
			if stop {
				return d, nil
			}
		}
	}

	if policyPtr.Cost != nil {
		d, stop, err := e.checkCost(ctx, userKey, reqCtx, policyPtr.Cost, details)
		if err != nil {
			return Decision{}, err
		}
		if stop {
			return d, nil
		}
	}

	d := admitted(details)
	e.emit(eventbus.TypeAllowed, reqCtx, d, 0, 0)
	return d, nil
}

// checkRate runs the rate-window check. stop is true when the step
// produced a terminal Decision (a violation); on an admitted result stop
// is false and the returned Details flow downstream via the caller.
func (e *Engine) checkRate(ctx context.Context, userKey string, reqCtx Context, rule *RateRule) (Decision, bool, error) {
	limit, windowSec, ok := rule.window()
	if !ok {
		return Decision{}, false, fmt.Errorf("%w: rate rule has no active window", ErrConfigInvalid)
	}
	key := userKey + ":" + reqCtx.Endpoint
	res, err := e.store.CheckRate(ctx, key, int64(limit), windowSec, rule.burst())
	if err != nil {
		return Decision{}, false, err
	}
	details := detailsFromRate(res)
	if res.Allowed {
		return Decision{Details: details}, false, nil
	}

	switch rule.ActionOnExceed {
	case ActionSlowdown:
		d := Decision{Allowed: true, Action: ActionSlowdown, SlowdownMs: rule.SlowdownMs, Details: details}
		e.emit(eventbus.TypeSlowdownApplied, reqCtx, d, details.Used, details.Limit)
		return d, true, nil
	case ActionAllowAndLog:
		d := Decision{Allowed: true, Action: ActionAllowAndLog, Details: details}
		e.emit(eventbus.TypeRateExceeded, reqCtx, d, details.Used, details.Limit)
		return d, true, nil
	case ActionAllow:
		d := Decision{Allowed: true, Action: ActionAllow, Details: details}
		return d, true, nil
	default: // ActionBlock, or unset
		d := Decision{
			Allowed:           false,
			Action:            ActionBlock,
			Reason:            "rate_limited",
			RetryAfterSeconds: details.ResetInSeconds,
			Details:           details,
		}
		e.emit(eventbus.TypeRateExceeded, reqCtx, d, details.Used, details.Limit)
		e.emit(eventbus.TypeBlocked, reqCtx, d, details.Used, details.Limit)
		return d, true, nil
	}
}

// checkTokens runs every configured token window for rule.
func (e *Engine) checkTokens(ctx context.Context, userKey string, reqCtx Context, rule *RateRule, details Details) (Decision, bool, error) {
	windows := rule.tokenWindows()
	if len(windows) == 0 {
		return Decision{}, false, nil
	}
	key := userKey + ":" + reqCtx.Endpoint

	for _, w := range windows {
		res, err := e.store.IncrementTokens(ctx, key, reqCtx.Tokens, w.seconds, w.limit)
		if err != nil {
			return Decision{}, false, err
		}
		if res.Allowed {
			continue
		}
		tokenDetails := details
		tokenDetails.ResetInSeconds = res.ResetInSeconds

		switch rule.ActionOnExceed {
		case ActionSlowdown:
			d := Decision{Allowed: true, Action: ActionSlowdown, SlowdownMs: rule.SlowdownMs, Details: tokenDetails}
			e.emit(eventbus.TypeSlowdownApplied, reqCtx, d, float64(res.Current), float64(res.Limit))
			return d, true, nil
		case ActionAllowAndLog:
			d := Decision{Allowed: true, Action: ActionAllowAndLog, Details: tokenDetails}
			e.emit(eventbus.TypeTokenLimitExceeded, reqCtx, d, float64(res.Current), float64(res.Limit))
			return d, true, nil
		case ActionAllow:
			return Decision{Allowed: true, Action: ActionAllow, Details: tokenDetails}, true, nil
		default:
			d := Decision{
				Allowed:           false,
				Action:            ActionBlock,
				Reason:            "token_limit_exceeded",
				RetryAfterSeconds: res.ResetInSeconds,
				Details:           tokenDetails,
			}
			e.emit(eventbus.TypeTokenLimitExceeded, reqCtx, d, float64(res.Current), float64(res.Limit))
			e.emit(eventbus.TypeBlocked, reqCtx, d, float64(res.Current), float64(res.Limit))
			return d, true, nil
		}
	}

	e.emit(eventbus.TypeTokenUsageTracked, reqCtx, admitted(details), float64(reqCtx.Tokens), 0)
	return Decision{}, false, nil
}

// checkCost evaluates the cost estimator and runs the cost-window
// increment. Cost violations never slow down: a configured slowdown
// action degrades to block.
func (e *Engine) checkCost(ctx context.Context, userKey string, reqCtx Context, rule *CostRule, details Details) (Decision, bool, error) {
	capValue, windowSec, ok := rule.cap()
	if !ok {
		return Decision{}, false, fmt.Errorf("%w: cost rule has no active cap", ErrConfigInvalid)
	}

	var cost float64
	if reqCtx.EstimateCost != nil {
		v, err := reqCtx.EstimateCost()
		if err != nil {
			e.log.Warnf("[policy] estimateCost failed for user=%s endpoint=%s: %v", userKey, reqCtx.Endpoint, err)
		} else {
			cost = v
		}
	}

	key := userKey + ":" + reqCtx.Endpoint
	res, err := e.store.IncrementCost(ctx, key, cost, windowSec, capValue)
	if err != nil {
		return Decision{}, false, err
	}
	if res.Allowed {
		return Decision{}, false, nil
	}

	costDetails := details
	costDetails.Used = res.Current
	costDetails.Limit = res.Cap
	costDetails.ResetInSeconds = res.ResetInSeconds

	switch rule.effectiveAction() {
	case ActionAllowAndLog:
		d := Decision{Allowed: true, Action: ActionAllowAndLog, Details: costDetails}
		e.emit(eventbus.TypeCostExceeded, reqCtx, d, res.Current, res.Cap)
		return d, true, nil
	case ActionAllow:
		return Decision{Allowed: true, Action: ActionAllow, Details: costDetails}, true, nil
	default: // ActionBlock (and slowdown degraded to block)
		d := Decision{
			Allowed:           false,
			Action:            ActionBlock,
			Reason:            "cost_exceeded",
			RetryAfterSeconds: res.ResetInSeconds,
			Details:           costDetails,
		}
		e.emit(eventbus.TypeCostExceeded, reqCtx, d, res.Current, res.Cap)
		e.emit(eventbus.TypeBlocked, reqCtx, d, res.Current, res.Cap)
		return d, true, nil
	}
}

func (e *Engine) emit(t eventbus.Type, reqCtx Context, d Decision, value, threshold float64) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventbus.NewEvent(eventbus.Event{
		Timestamp: time.Now().Unix(),
		User:      reqCtx.User,
		Plan:      reqCtx.Plan,
		Endpoint:  reqCtx.Endpoint,
		Type:      t,
		Value:     value,
		Threshold: threshold,
		Tokens:    reqCtx.Tokens,
	}))
}
