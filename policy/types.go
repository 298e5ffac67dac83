// Package policy implements the policy resolver (C4) and policy engine
// (C5): given a plan and an endpoint it resolves the effective
// RateRule/CostRule/ConcurrencyConfig, applies user and route
// overrides, and sequences rate -> token -> cost checks against a
// counter.Store, emitting events as it goes.
package policy

// RateAction selects what happens to a request once a rate, token, or
// cost rule is exceeded.
type RateAction string

const (
	ActionBlock       RateAction = "block"
	ActionSlowdown    RateAction = "slowdown"
	ActionAllowAndLog RateAction = "allow-and-log"
	ActionAllow       RateAction = "allow"
)

// RateRule configures the rate (and optional token) budget for one
// endpoint. Exactly one of the four MaxPer* windows must be set.
type RateRule struct {
	MaxPerSecond *float64 `json:"maxPerSecond,omitempty" validate:"omitempty,gt=0"`
	MaxPerMinute *float64 `json:"maxPerMinute,omitempty" validate:"omitempty,gt=0"`
	MaxPerHour   *float64 `json:"maxPerHour,omitempty" validate:"omitempty,gt=0"`
	MaxPerDay    *float64 `json:"maxPerDay,omitempty" validate:"omitempty,gt=0"`

	Burst *int64 `json:"burst,omitempty" validate:"omitempty,gt=0"`

	MaxTokensPerMinute *int64 `json:"maxTokensPerMinute,omitempty" validate:"omitempty,gt=0"`
	MaxTokensPerHour   *int64 `json:"maxTokensPerHour,omitempty" validate:"omitempty,gt=0"`
	MaxTokensPerDay    *int64 `json:"maxTokensPerDay,omitempty" validate:"omitempty,gt=0"`

	ActionOnExceed RateAction `json:"actionOnExceed" validate:"required,oneof=block slowdown allow-and-log allow"`
	// SlowdownMs is required when ActionOnExceed is slowdown.
	SlowdownMs int64 `json:"slowdownMs,omitempty"`
}

// window returns the rule's single active window as (limit, seconds).
// ok is false if no window is configured.
func (r *RateRule) window() (limit float64, seconds int64, ok bool) {
	switch {
	case r.MaxPerSecond != nil:
		return *r.MaxPerSecond, 1, true
	case r.MaxPerMinute != nil:
		return *r.MaxPerMinute, 60, true
	case r.MaxPerHour != nil:
		return *r.MaxPerHour, 3600, true
	case r.MaxPerDay != nil:
		return *r.MaxPerDay, 86400, true
	default:
		return 0, 0, false
	}
}

func (r *RateRule) burst() int64 {
	if r.Burst == nil {
		return 0
	}
	return *r.Burst
}

// tokenWindow is one configured token-budget window.
type tokenWindow struct {
	name    string
	limit   int64
	seconds int64
}

func (r *RateRule) tokenWindows() []tokenWindow {
	var windows []tokenWindow
	if r.MaxTokensPerMinute != nil {
		windows = append(windows, tokenWindow{"minute", *r.MaxTokensPerMinute, 60})
	}
	if r.MaxTokensPerHour != nil {
		windows = append(windows, tokenWindow{"hour", *r.MaxTokensPerHour, 3600})
	}
	if r.MaxTokensPerDay != nil {
		windows = append(windows, tokenWindow{"day", *r.MaxTokensPerDay, 86400})
	}
	return windows
}

// CostRule configures the cost budget for one endpoint. Exactly one of
// HourlyCap/DailyCap must be set. Cost checks never apply slowdown: a
// configured slowdown action degrades to block on violation.
type CostRule struct {
	HourlyCap *float64 `json:"hourlyCap,omitempty" validate:"omitempty,gt=0"`
	DailyCap  *float64 `json:"dailyCap,omitempty" validate:"omitempty,gt=0"`

	ActionOnExceed RateAction `json:"actionOnExceed" validate:"required,oneof=block slowdown allow-and-log allow"`
}

// cap returns the rule's single active cap, preferring DailyCap over
// HourlyCap when both are present, and its window in seconds.
func (c *CostRule) cap() (cap float64, seconds int64, ok bool) {
	switch {
	case c.DailyCap != nil:
		return *c.DailyCap, 86400, true
	case c.HourlyCap != nil:
		return *c.HourlyCap, 3600, true
	default:
		return 0, 0, false
	}
}

// effectiveAction degrades a configured slowdown to block, per spec:
// cost violations never slow down.
func (c *CostRule) effectiveAction() RateAction {
	if c.ActionOnExceed == ActionSlowdown {
		return ActionBlock
	}
	return c.ActionOnExceed
}

// ConcurrencyAction selects queue-or-block behavior for a
// ConcurrencyConfig, mirroring concurrency.Action without importing the
// concurrency package's own type into the config surface.
type ConcurrencyAction string

const (
	ConcurrencyQueue ConcurrencyAction = "queue"
	ConcurrencyBlock ConcurrencyAction = "block"
)

// ConcurrencyConfig configures the concurrency limiter for one endpoint.
type ConcurrencyConfig struct {
	Max                  int               `json:"max" validate:"required,gt=0"`
	QueueTimeoutMs       int64             `json:"queueTimeoutMs,omitempty"`
	MaxQueueSize         int               `json:"maxQueueSize,omitempty"`
	ActionOnExceed       ConcurrencyAction `json:"actionOnExceed,omitempty" validate:"omitempty,oneof=queue block"`
	PriorityAgingSeconds int               `json:"priorityAgingSeconds,omitempty"`
}

func (c ConcurrencyConfig) withDefaults() ConcurrencyConfig {
	if c.QueueTimeoutMs <= 0 {
		c.QueueTimeoutMs = 30_000
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.PriorityAgingSeconds <= 0 {
		c.PriorityAgingSeconds = 5
	}
	if c.ActionOnExceed == "" {
		c.ActionOnExceed = ConcurrencyQueue
	}
	return c
}

// EndpointPolicy bundles the three budgets that can apply to one
// endpoint. At least one of Rate/Cost/Concurrency must be set.
type EndpointPolicy struct {
	Rate        *RateRule          `json:"rate,omitempty" validate:"omitempty"`
	Cost        *CostRule          `json:"cost,omitempty" validate:"omitempty"`
	Concurrency *ConcurrencyConfig `json:"concurrency,omitempty" validate:"omitempty"`
}

// empty reports whether none of the three budgets is configured.
func (p *EndpointPolicy) empty() bool {
	return p == nil || (p.Rate == nil && p.Cost == nil && p.Concurrency == nil)
}

// clone makes a shallow-independent copy so resolver merges never
// mutate the caller's stored PolicyConfig.
func (p *EndpointPolicy) clone() *EndpointPolicy {
	if p == nil {
		return nil
	}
	out := &EndpointPolicy{Cost: p.Cost, Concurrency: p.Concurrency}
	if p.Rate != nil {
		r := *p.Rate
		out.Rate = &r
	}
	return out
}

// PlanConfig is the per-plan section of a PolicyConfig.
type PlanConfig struct {
	Endpoints map[string]EndpointPolicy `json:"endpoints"`
	Defaults  *EndpointPolicy           `json:"defaults,omitempty"`
}

// PolicyConfig is the full plan -> endpoint policy mapping.
type PolicyConfig map[string]PlanConfig

// RateOverride carries the subset of RateRule fields a user override may
// replace. Nil fields mean "don't override this one"; any present value
// that is <= 0, NaN, or Inf is silently discarded during merge.
type RateOverride struct {
	MaxPerSecond *float64
	MaxPerMinute *float64
	MaxPerHour   *float64
	MaxPerDay    *float64
	Burst        *int64
}

// UserOverride is a per-identity customization of rate limits. Global
// applies to every endpoint; PerEndpoint entries win over Global for
// the endpoints they name.
type UserOverride struct {
	Global      *RateOverride
	PerEndpoint map[string]RateOverride
}
