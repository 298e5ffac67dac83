package policy

import (
	"fmt"
	"math"

	"golang.org/x/sync/singleflight"
)

// Resolver maps (plan, endpoint) to an effective EndpointPolicy,
// applying route and user overrides. It is safe for concurrent use.
type Resolver struct {
	cfg   PolicyConfig
	group singleflight.Group
}

// NewResolver validates every EndpointPolicy in cfg and returns a
// Resolver over it.
func NewResolver(cfg PolicyConfig) (*Resolver, error) {
	for plan, planCfg := range cfg {
		if planCfg.Defaults != nil {
			if err := Validate(*planCfg.Defaults); err != nil {
				return nil, fmt.Errorf("policy: plan %q defaults: %w", plan, err)
			}
		}
		for endpoint, ep := range planCfg.Endpoints {
			if err := Validate(ep); err != nil {
				return nil, fmt.Errorf("policy: plan %q endpoint %q: %w", plan, endpoint, err)
			}
		}
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve returns the effective policy for (plan, endpoint), or nil if
// none applies. Precedence, highest first: routeOverride >
// plan-endpoint-specific > plan defaults > none. userOverride then
// replaces individual RateRule fields in place, field-by-field; invalid
// override values are silently discarded.
//
// Concurrent Resolve calls for the same (plan, endpoint) collapse onto a
// single PolicyConfig lookup via singleflight, the same stampede guard
// O-tero-Distributed-Caching-System's cache manager uses for concurrent
// misses against its backing store.
func (r *Resolver) Resolve(plan, endpoint string, userOverride *UserOverride, routeOverride *EndpointPolicy) (*EndpointPolicy, error) {
	if routeOverride != nil {
		if err := Validate(*routeOverride); err != nil {
			return nil, err
		}
		base := routeOverride.clone()
		applyUserOverride(base, endpoint, userOverride)
		return base, nil
	}

	key := plan + "|" + endpoint
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.lookupBase(plan, endpoint), nil
	})
	if err != nil {
		return nil, err
	}
	base := v.(*EndpointPolicy).clone()
	applyUserOverride(base, endpoint, userOverride)
	return base, nil
}

// lookupBase resolves the plan-endpoint-specific or plan-defaults
// policy, with no overrides applied, or nil if neither is configured.
func (r *Resolver) lookupBase(plan, endpoint string) *EndpointPolicy {
	planCfg, ok := r.cfg[plan]
	if !ok {
		return nil
	}
	if ep, ok := planCfg.Endpoints[endpoint]; ok {
		return &ep
	}
	if planCfg.Defaults != nil {
		return planCfg.Defaults
	}
	return nil
}

// applyUserOverride mutates base.Rate in place, replacing whichever
// window/burst field the rule actually uses with the override's value
// for that same field, when the override's value is valid and
// per-endpoint overrides win over the global override.
func applyUserOverride(base *EndpointPolicy, endpoint string, override *UserOverride) {
	if base == nil || base.Rate == nil || override == nil {
		return
	}
	merged := RateOverride{}
	if override.Global != nil {
		merged = *override.Global
	}
	if perEndpoint, ok := override.PerEndpoint[endpoint]; ok {
		mergeField(&merged.MaxPerSecond, perEndpoint.MaxPerSecond)
		mergeField(&merged.MaxPerMinute, perEndpoint.MaxPerMinute)
		mergeField(&merged.MaxPerHour, perEndpoint.MaxPerHour)
		mergeField(&merged.MaxPerDay, perEndpoint.MaxPerDay)
		mergeIntField(&merged.Burst, perEndpoint.Burst)
	}

	rule := base.Rate
	applyValidFloat(&rule.MaxPerSecond, merged.MaxPerSecond)
	applyValidFloat(&rule.MaxPerMinute, merged.MaxPerMinute)
	applyValidFloat(&rule.MaxPerHour, merged.MaxPerHour)
	applyValidFloat(&rule.MaxPerDay, merged.MaxPerDay)
	applyValidBurst(&rule.Burst, merged.Burst)
}

// mergeField overwrites *dst with src when src is non-nil, so a
// per-endpoint value wins over whatever the global override set.
func mergeField(dst **float64, src *float64) {
	if src != nil {
		*dst = src
	}
}

func mergeIntField(dst **int64, src *int64) {
	if src != nil {
		*dst = src
	}
}

// applyValidFloat replaces *dst with override only if dst was already
// configured (this field is the rule's active window) and override is a
// valid positive finite number; otherwise dst is left untouched.
func applyValidFloat(dst **float64, override *float64) {
	if dst == nil || *dst == nil || override == nil {
		return
	}
	if !validPositive(*override) {
		return
	}
	v := *override
	*dst = &v
}

func applyValidBurst(dst **int64, override *int64) {
	if dst == nil || *dst == nil || override == nil {
		return
	}
	if *override <= 0 {
		return
	}
	v := *override
	*dst = &v
}

func validPositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
