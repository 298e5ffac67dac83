package policy

import "errors"

// ErrConfigInvalid marks a policy that fails validation: an
// EndpointPolicy with none of rate/cost/concurrency set, a RateRule
// with zero or more than one window, a slowdown action missing
// SlowdownMs, or a struct tag violation reported by the validator.
var ErrConfigInvalid = errors.New("policy: invalid configuration")

// ErrValidation names the per-request adapter callback failure class
// (e.g. a cost estimator that returned an error). The engine does not
// return it: it logs the estimator's error and treats the request as
// having zero cost for that check.
var ErrValidation = errors.New("policy: validation failed")
