package policy

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level validator.Validate instance (safe for
// concurrent use, per the library's own docs) with the cross-field
// "exactly one window" rules registered as struct-level validations,
// the same pattern tbourn-chatbot's request-binding layer uses for its
// DTOs rather than hand-rolling field-by-field checks.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(rateRuleStructLevel, RateRule{})
	v.RegisterStructValidation(costRuleStructLevel, CostRule{})
	v.RegisterStructValidation(endpointPolicyStructLevel, EndpointPolicy{})
	return v
}

func rateRuleStructLevel(sl validator.StructLevel) {
	r := sl.Current().Interface().(RateRule)
	windows := 0
	for _, v := range []*float64{r.MaxPerSecond, r.MaxPerMinute, r.MaxPerHour, r.MaxPerDay} {
		if v != nil {
			windows++
			if math.IsNaN(*v) || math.IsInf(*v, 0) {
				sl.ReportError(v, "Window", "Window", "finite", "")
			}
		}
	}
	if windows != 1 {
		sl.ReportError(r.MaxPerMinute, "Windows", "Windows", "exactly_one_window", "")
	}
	if r.ActionOnExceed == ActionSlowdown && r.SlowdownMs <= 0 {
		sl.ReportError(r.SlowdownMs, "SlowdownMs", "SlowdownMs", "required_for_slowdown", "")
	}
}

func costRuleStructLevel(sl validator.StructLevel) {
	c := sl.Current().Interface().(CostRule)
	caps := 0
	for _, v := range []*float64{c.HourlyCap, c.DailyCap} {
		if v != nil {
			caps++
			if math.IsNaN(*v) || math.IsInf(*v, 0) {
				sl.ReportError(v, "Cap", "Cap", "finite", "")
			}
		}
	}
	if caps != 1 {
		sl.ReportError(c.HourlyCap, "Caps", "Caps", "exactly_one_cap", "")
	}
}

func endpointPolicyStructLevel(sl validator.StructLevel) {
	p := sl.Current().Interface().(EndpointPolicy)
	if p.Rate == nil && p.Cost == nil && p.Concurrency == nil {
		sl.ReportError(p.Rate, "Rate", "Rate", "at_least_one_budget", "")
	}
}

// Validate checks p (and any nested RateRule/CostRule/ConcurrencyConfig)
// against the struct-level rules above, wrapping any failure as
// ErrConfigInvalid so callers can use errors.Is uniformly regardless of
// which field tripped.
func Validate(p EndpointPolicy) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if p.Rate != nil {
		if err := validate.Struct(*p.Rate); err != nil {
			return fmt.Errorf("%w: rate rule: %v", ErrConfigInvalid, err)
		}
	}
	if p.Cost != nil {
		if err := validate.Struct(*p.Cost); err != nil {
			return fmt.Errorf("%w: cost rule: %v", ErrConfigInvalid, err)
		}
	}
	if p.Concurrency != nil {
		if err := validate.Struct(*p.Concurrency); err != nil {
			return fmt.Errorf("%w: concurrency config: %v", ErrConfigInvalid, err)
		}
	}
	return nil
}
