// Package gin wires the admission middleware (C7) into a gin.Engine:
// IP filtering, concurrency acquisition, user/plan resolution, and the
// policy engine's check, writing the Decision back onto the gin
// response per spec.md §4.6 and §6.
package gin

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rivermint/policygate/concurrency"
	"github.com/rivermint/policygate/identity"
	"github.com/rivermint/policygate/logging"
	"github.com/rivermint/policygate/policy"
)

// Adapter is the framework-glue contract the embedding application
// supplies, mirroring spec.md §6's Adapter contract.
type Adapter struct {
	// IdentifyUser and IdentifyPlan are required.
	IdentifyUser func(*gin.Context) (string, error)
	IdentifyPlan func(*gin.Context) (string, error)

	// Skip, when non-nil and returning true, bypasses the middleware
	// entirely for this request.
	Skip func(*gin.Context) bool

	// EstimateCost and EstimateTokens are optional per-request
	// estimators consulted only when the resolved policy has a
	// corresponding rule.
	EstimateCost   func(*gin.Context) (float64, error)
	EstimateTokens func(*gin.Context) int64

	// GetUserOverride is a static, synchronous lookup consulted first;
	// if it returns non-nil, ResolveUserOverride is never called.
	GetUserOverride func(*gin.Context) *policy.UserOverride
	// ResolveUserOverride is a dynamic (possibly slow) fallback.
	ResolveUserOverride func(*gin.Context) (*policy.UserOverride, error)

	// GetPolicyOverride supplies a per-route EndpointPolicy override.
	GetPolicyOverride func(*gin.Context) *policy.EndpointPolicy

	// Priority returns the concurrency priority for this request.
	// Defaults to 5; values <= 0 also default to 5.
	Priority func(*gin.Context) int
}

// Admission is the gin binding of the admission middleware.
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

// Handler returns the gin.HandlerFunc implementing the C7 pipeline.
func (a *Admission) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Adapter.Skip != nil && a.Adapter.Skip(c) {
			c.Next()
			return
		}

		ip := extractClientIP(c.Request, a.TrustProxy, a.TrustedProxyCount)
		if a.IPAllowlist[ip] {
			c.Next()
			return
		}
		if a.IPBlocklist[ip] {
			writeReject(c, http.StatusForbidden, rejectBody{
				OK:      false,
				Reason:  "ip_blocked",
				Message: "client IP is blocked",
			}, 0)
			c.Abort()
			return
		}

		user, plan := a.resolveIdentity(c, ip)
		endpoint := identity.NormalizeEndpoint(c.Request.Method, c.Request.URL.Path)

		routeOverride := a.policyOverride(c)
		userOverride := a.userOverride(c)

		// Step 6: concurrency admission, only if a concurrency config
		// applies to this route. The slot is held for the entire
		// downstream handler chain and released exactly once, via a
		// once-guard, regardless of how the request terminates.
		release, err := a.acquireConcurrency(c, endpoint, routeOverride)
		if err != nil {
			a.handleConcurrencyError(c, err)
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
			reqCtx.Tokens = a.Adapter.EstimateTokens(c)
		}
		if a.Adapter.EstimateCost != nil {
			reqCtx.EstimateCost = func() (float64, error) { return a.Adapter.EstimateCost(c) }
		}

		decision, err := a.Engine.Check(c.Request.Context(), reqCtx)
		if err != nil {
			a.logger().Errorf("[middleware] engine check failed user=%s endpoint=%s: %v", user, endpoint, err)
			c.Next() // fail open on unexpected engine errors
			return
		}

		setRateHeaders(c, decision)
		a.applyDecision(c, decision, user, plan, endpoint)
	}
}

func (a *Admission) resolveIdentity(c *gin.Context, ip string) (user, plan string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger().Warnf("[middleware] identify callback panicked, falling back to ip=%s plan=free: %v", ip, r)
			user, plan = ip, "free"
		}
	}()

	if a.Adapter.IdentifyUser != nil {
		u, err := a.Adapter.IdentifyUser(c)
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
		p, err := a.Adapter.IdentifyPlan(c)
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

func (a *Admission) policyOverride(c *gin.Context) *policy.EndpointPolicy {
	if a.Adapter.GetPolicyOverride == nil {
		return nil
	}
	return a.Adapter.GetPolicyOverride(c)
}

// userOverride loads the static override first; the dynamic resolver is
// never consulted if the static one matches.
func (a *Admission) userOverride(c *gin.Context) *policy.UserOverride {
	if a.Adapter.GetUserOverride != nil {
		if ov := a.Adapter.GetUserOverride(c); ov != nil {
			return ov
		}
	}
	if a.Adapter.ResolveUserOverride != nil {
		ov, err := a.Adapter.ResolveUserOverride(c)
		if err != nil {
			a.logger().Warnf("[middleware] dynamic user override resolution failed: %v", err)
			return nil
		}
		return ov
	}
	return nil
}

func (a *Admission) priority(c *gin.Context) int {
	if a.Adapter.Priority == nil {
		return 5
	}
	p := a.Adapter.Priority(c)
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
func (a *Admission) acquireConcurrency(c *gin.Context, endpoint string, routeOverride *policy.EndpointPolicy) (func(), error) {
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
	return limiter.Acquire(c.Request.Context(), a.priority(c))
}

func (a *Admission) handleConcurrencyError(c *gin.Context, err error) {
	writeReject(c, http.StatusTooManyRequests, rejectBody{
		OK:      false,
		Reason:  "rate_limited",
		Message: err.Error(),
	}, 1)
	c.Abort()
}

func (a *Admission) applyDecision(c *gin.Context, d policy.Decision, user, plan, endpoint string) {
	if d.Allowed {
		if d.Action == policy.ActionSlowdown && d.SlowdownMs > 0 {
			if a.DryRun {
				a.logDryRun(d, user, plan, endpoint)
			} else {
				time.Sleep(time.Duration(d.SlowdownMs) * time.Millisecond)
			}
		}
		c.Next()
		return
	}

	if a.DryRun {
		a.logDryRun(d, user, plan, endpoint)
		c.Next()
		return
	}

	writeReject(c, http.StatusTooManyRequests, rejectBody{
		OK:                false,
		Reason:            decisionReasonTag(d.Reason),
		Message:           "rate limit exceeded",
		RetryAfterSeconds: d.RetryAfterSeconds,
		Used:              d.Details.Used,
		Allowed:           d.Details.Limit,
		Plan:              plan,
		Endpoint:          endpoint,
	}, d.RetryAfterSeconds)
	c.Abort()
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

func writeReject(c *gin.Context, status int, body rejectBody, retryAfterSeconds int64) {
	if retryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	c.JSON(status, body)
}

func setRateHeaders(c *gin.Context, d policy.Decision) {
	c.Header("RateLimit-Limit", formatFloat(d.Details.Limit))
	c.Header("RateLimit-Remaining", formatFloat(d.Details.Remaining))
	c.Header("RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(d.Details.ResetInSeconds)*time.Second).Unix(), 10))
	if d.Details.BurstTokens != nil {
		c.Header("RateLimit-Burst-Remaining", strconv.FormatInt(*d.Details.BurstTokens, 10))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// extractClientIP prefers the socket address; when trustProxy is set and
// an X-Forwarded-For header is present, it takes the leftmost entry
// after skipping trustedProxyCount entries from the right, so a client
// cannot spoof its way past trusted proxies it doesn't control.
func extractClientIP(req *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
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
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
