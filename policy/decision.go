package policy

import "github.com/rivermint/policygate/counter"

// Context is everything the Engine needs to evaluate one request,
// assembled by the middleware from the adapter's callbacks.
type Context struct {
	User     string
	Plan     string
	Endpoint string

	RouteOverride *EndpointPolicy
	UserOverride  *UserOverride

	// Tokens is the token count for this request, already estimated by
	// the caller (e.g. via the adapter's estimateTokens callback).
	Tokens int64

	// EstimateCost is consulted only if the resolved policy has a cost
	// rule. A nil EstimateCost is treated as a constant zero cost.
	EstimateCost func() (float64, error)
}

// Details carries the canonical per-request numbers surfaced as rate
// headers, per spec.md §6.
type Details struct {
	Used           float64
	Limit          float64
	Remaining      float64
	ResetInSeconds int64
	BurstTokens    *int64
}

// Decision is the Engine's verdict for one request.
type Decision struct {
	Allowed           bool
	Action            RateAction
	Reason            string
	RetryAfterSeconds int64
	SlowdownMs        int64
	Details           Details
}

func detailsFromRate(res counter.RateResult) Details {
	return Details{
		Used:           float64(res.Current),
		Limit:          float64(res.Limit),
		Remaining:      float64(res.Remaining),
		ResetInSeconds: res.ResetInSeconds,
		BurstTokens:    res.BurstTokens,
	}
}

// admitted builds the trivial "no policy" / full-pass Decision.
func admitted(details Details) Decision {
	return Decision{Allowed: true, Action: ActionAllow, Details: details}
}
