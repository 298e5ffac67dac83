package counter

import "errors"

// ErrStoreTransient classifies network/protocol/timeout failures that a
// caller's onError policy (fail-open vs fail-closed) or circuit breaker is
// meant to absorb.
var ErrStoreTransient = errors.New("counter: transient store failure")

// ErrStoreFatal classifies configuration and protocol errors (bad
// credentials, malformed responses) that must always surface to the
// caller regardless of onError policy.
var ErrStoreFatal = errors.New("counter: fatal store failure")

// ErrConfigInvalid is returned by store constructors when given an
// out-of-range or unsafe configuration.
var ErrConfigInvalid = errors.New("counter: invalid configuration")
