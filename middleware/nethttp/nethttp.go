// Package nethttp wires the admission middleware (C7) into the standard
// library's http.Handler chain: IP filtering, concurrency acquisition,
// user/plan resolution, and the policy engine's check, writing the
// Decision back onto the http.ResponseWriter.
package nethttp

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rivermint/policygate/concurrency"
	"github.com/rivermint/policygate/identity"
	"github.com/rivermint/policygate/logging"
	"github.com/rivermint/policygate/policy"
)

// Adapter is the framework-glue contract the embedding application
// supplies.
type Adapter struct {
	// IdentifyUser and IdentifyPlan are required.
	IdentifyUser func(*http.Request) (string, error)
	IdentifyPlan func(*http.Request) (string, error)

	// Skip, when non-nil and returning true, bypasses the middleware
	// entirely for this request.
	Skip func(*http.Request) bool

	// EstimateCost and EstimateTokens are optional per-request
	// estimators consulted only when the resolved policy has a
	// corresponding rule.
	EstimateCost   func(*http.Request) (float64, error)
	EstimateTokens func(*http.Request) int64

	// GetUserOverride is a static, synchronous lookup consulted first;
	// if it returns non-nil, ResolveUserOverride is never called.
	GetUserOverride func(*http.Request) *policy.UserOverride
	// ResolveUserOverride is a dynamic (possibly slow) fallback.
	ResolveUserOverride func(*http.Request) (*policy.UserOverride, error)

	// GetPolicyOverride supplies a per-route EndpointPolicy override.
	GetPolicyOverride func(*http.Request) *policy.EndpointPolicy

	// Priority returns the concurrency priority for this request.
	// Defaults to 5; values <= 0 also default to 5.
	Priority func(*http.Request) int
}

// Admission is the net/http binding of the admission middleware.
type Admission struct {
	Engine              *policy.Engine
	ConcurrencyRegistry *concurrency.Registry
	Adapter             Adapter

	// TrustProxy and TrustedProxyCount control X-Forwarded-For parsing.
	TrustProxy        bool
	TrustedProxyCount int

	IPAllowlist map[string]bool
	IPBlocklist map[string]bool

	// DryRun logs block/slowdown actions instead of applying them.
	DryRun       bool
	DryRunLogger logging.Logger

	Logger logging.Logger
}

func (a *Admission) logger() logging.Logger {
	return logging.OrDefault(a.Logger)
}

// Wrap returns an http.Handler implementing the C7 pipeline in front of
// next.
func (a *Admission) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Adapter.Skip != nil && a.Adapter.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		ip := extractClientIP(r, a.TrustProxy, a.TrustedProxyCount)
		if a.IPAllowlist[ip] {
			next.ServeHTTP(w, r)
			return
		}
		if a.IPBlocklist[ip] {
			writeReject(w, http.StatusForbidden, rejectBody{
				OK:      false,
				Reason:  "ip_blocked",
				Message: "client IP is blocked",
			}, 0)
			return
		}

		user, plan := a.resolveIdentity(r, ip)
		endpoint := identity.NormalizeEndpoint(r.Method, r.URL.Path)

		routeOverride := a.policyOverride(r)
		userOverride := a.userOverride(r)

		// Step 6: concurrency admission, only if a concurrency config
		// applies to this route. The slot is held for the entire
		// downstream handler chain and released exactly once, via a
		// once-guard, regardless of how the request terminates.
		release, err := a.acquireConcurrency(r, endpoint, routeOverride)
		if err != nil {
			a.handleConcurrencyError(w, err)
			return
		}
		if release != nil {
			var once sync.Once
			guarded := func() { once.Do(release) }
			defer guarded()
		}

		reqCtx := policy.Context{
			User:          user,
			Plan:          plan,
			Endpoint:      endpoint,
			RouteOverride: routeOverride,
			UserOverride:  userOverride,
		}
		if a.Adapter.EstimateTokens != nil {
			reqCtx.Tokens = a.Adapter.EstimateTokens(r)
		}
		if a.Adapter.EstimateCost != nil {
			reqCtx.EstimateCost = func() (float64, error) { return a.Adapter.EstimateCost(r) }
		}

		decision, err := a.Engine.Check(r.Context(), reqCtx)
		if err != nil {
			a.logger().Errorf("[middleware] engine check failed user=%s endpoint=%s: %v", user, endpoint, err)
			next.ServeHTTP(w, r) // fail open on unexpected engine errors
			return
		}

		setRateHeaders(w, decision)
		a.applyDecision(w, r, next, decision, user, plan, endpoint)
	})
}

func (a *Admission) resolveIdentity(r *http.Request, ip string) (user, plan string) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger().Warnf("[middleware] identify callback panicked, falling back to ip=%s plan=free: %v", ip, rec)
			user, plan = ip, "free"
		}
	}()

	if a.Adapter.IdentifyUser != nil {
		u, err := a.Adapter.IdentifyUser(r)
		if err != nil {
			a.logger().Warnf("[middleware] identifyUser failed, falling back to client IP: %v", err)
			user = ip
		} else {
			user = u
		}
	} else {
		user = ip
	}

	if a.Adapter.IdentifyPlan != nil {
		p, err := a.Adapter.IdentifyPlan(r)
		if err != nil {
			a.logger().Warnf("[middleware] identifyPlan failed, falling back to plan=free: %v", err)
			plan = "free"
		} else {
			plan = p
		}
	} else {
		plan = "free"
	}
	return user, plan
}

func (a *Admission) policyOverride(r *http.Request) *policy.EndpointPolicy {
	if a.Adapter.GetPolicyOverride == nil {
		return nil
	}
	return a.Adapter.GetPolicyOverride(r)
}

// userOverride loads the static override first; the dynamic resolver is
// never consulted if the static one matches.
func (a *Admission) userOverride(r *http.Request) *policy.UserOverride {
	if a.Adapter.GetUserOverride != nil {
		if ov := a.Adapter.GetUserOverride(r); ov != nil {
			return ov
		}
	}
	if a.Adapter.ResolveUserOverride != nil {
		ov, err := a.Adapter.ResolveUserOverride(r)
		if err != nil {
			a.logger().Warnf("[middleware] dynamic user override resolution failed: %v", err)
			return nil
		}
		return ov
	}
	return nil
}

func (a *Admission) priority(r *http.Request) int {
	if a.Adapter.Priority == nil {
		return 5
	}
	p := a.Adapter.Priority(r)
	if p <= 0 {
		return 5
	}
	return p
}

// acquireConcurrency acquires a slot when the route override declares a
// concurrency budget. Only routeOverride.Concurrency is consulted; a
// concurrency config in the plan's own policy is not applied here. It
// returns a nil release with a nil error when no concurrency config
// applies.
func (a *Admission) acquireConcurrency(r *http.Request, endpoint string, routeOverride *policy.EndpointPolicy) (func(), error) {
	var cc *policy.ConcurrencyConfig
	if routeOverride != nil {
		cc = routeOverride.Concurrency
	}
	if cc == nil || a.ConcurrencyRegistry == nil {
		return nil, nil
	}

	limiterCfg := concurrency.Config{
		Max:                  cc.Max,
		QueueTimeout:         time.Duration(cc.QueueTimeoutMs) * time.Millisecond,
		MaxQueueSize:         cc.MaxQueueSize,
		PriorityAgingSeconds: cc.PriorityAgingSeconds,
	}
	if cc.ActionOnExceed == policy.ConcurrencyBlock {
		limiterCfg.ActionOnExceed = concurrency.ActionBlock
	}
	limiter := a.ConcurrencyRegistry.Get(endpoint, limiterCfg)
	return limiter.Acquire(r.Context(), a.priority(r))
}

func (a *Admission) handleConcurrencyError(w http.ResponseWriter, err error) {
	writeReject(w, http.StatusTooManyRequests, rejectBody{
		OK:      false,
		Reason:  "rate_limited",
		Message: err.Error(),
	}, 1)
}

func (a *Admission) applyDecision(w http.ResponseWriter, r *http.Request, next http.Handler, d policy.Decision, user, plan, endpoint string) {
	if d.Allowed {
		if d.Action == policy.ActionSlowdown && d.SlowdownMs > 0 {
			if a.DryRun {
				a.logDryRun(d, user, plan, endpoint)
			} else {
				time.Sleep(time.Duration(d.SlowdownMs) * time.Millisecond)
			}
		}
		next.ServeHTTP(w, r)
		return
	}

	if a.DryRun {
		a.logDryRun(d, user, plan, endpoint)
		next.ServeHTTP(w, r)
		return
	}

	writeReject(w, http.StatusTooManyRequests, rejectBody{
		OK:                false,
		Reason:            decisionReasonTag(d.Reason),
		Message:           "rate limit exceeded",
		RetryAfterSeconds: d.RetryAfterSeconds,
		Used:              d.Details.Used,
		Allowed:           d.Details.Limit,
		Plan:              plan,
		Endpoint:          endpoint,
	}, d.RetryAfterSeconds)
}

func (a *Admission) logDryRun(d policy.Decision, user, plan, endpoint string) {
	logger := logging.OrDefault(a.DryRunLogger)
	logger.Warnf("[dry-run] action=%s current=%.2f limit=%.2f user=%s plan=%s endpoint=%s",
		d.Action, d.Details.Used, d.Details.Limit, user, plan, endpoint)
}

func decisionReasonTag(reason string) string {
	if reason == "" {
		return "rate_limited"
	}
	return reason
}

type rejectBody struct {
	OK                bool    `json:"ok"`
	Reason            string  `json:"reason"`
	Message           string  `json:"message"`
	RetryAfterSeconds int64   `json:"retry_after_seconds,omitempty"`
	Used              float64 `json:"used,omitempty"`
	Allowed           float64 `json:"allowed,omitempty"`
	Plan              string  `json:"plan,omitempty"`
	Endpoint          string  `json:"endpoint,omitempty"`
	UpgradeHint       string  `json:"upgrade_hint,omitempty"`
}

func writeReject(w http.ResponseWriter, status int, body rejectBody, retryAfterSeconds int64) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func setRateHeaders(w http.ResponseWriter, d policy.Decision) {
	h := w.Header()
	h.Set("RateLimit-Limit", formatFloat(d.Details.Limit))
	h.Set("RateLimit-Remaining", formatFloat(d.Details.Remaining))
	h.Set("RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(d.Details.ResetInSeconds)*time.Second).Unix(), 10))
	if d.Details.BurstTokens != nil {
		h.Set("RateLimit-Burst-Remaining", strconv.FormatInt(*d.Details.BurstTokens, 10))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// extractClientIP prefers the socket address; when trustProxy is set and
// an X-Forwarded-For header is present, it takes the leftmost entry
// after skipping trustedProxyCount entries from the right, so a client
// cannot spoof its way past trusted proxies it doesn't control.
func extractClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			idx := len(parts) - 1 - trustedProxyCount
			if idx >= 0 && idx < len(parts) {
				return parts[idx]
			}
			if len(parts) > 0 {
				return parts[0]
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
