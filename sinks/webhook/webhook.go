// Package webhook implements the optional webhook egress sink: it posts
// every terminal eventbus.Event as JSON to a configured URL, retrying
// network errors and 5xx responses with progressive delays and tripping
// a per-URL circuit breaker after repeated failure, per spec.md's
// Webhook egress contract in §6.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rivermint/policygate/breaker"
	"github.com/rivermint/policygate/eventbus"
	"github.com/rivermint/policygate/logging"
)

const userAgent = "policygate-webhook/1.0"

// progressiveDelays is the fixed backoff schedule: 1s, 4s, 16s between
// the first, second, and third retry attempts.
var progressiveDelays = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// Config configures a Sink.
type Config struct {
	// URL is the destination endpoint. Validated at construction time
	// against the SSRF guard in ssrf.go.
	URL string
	// Logger receives retry/trip notifications. Defaults to a no-op logger.
	Logger logging.Logger
}

// Sink posts Events to a single webhook URL.
type Sink struct {
	url    string
	client *retryablehttp.Client
	cb     *breaker.CircuitBreaker
	log    logging.Logger
}

// New validates cfg.URL against the SSRF guard and constructs a Sink.
// It returns an error (wrapping ErrUnsafeURL) if the URL is not an
// acceptable outbound egress target.
func New(cfg Config) (*Sink, error) {
	if err := validateOutboundURL(cfg.URL); err != nil {
		return nil, err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = len(progressiveDelays)
	client.Logger = nil
	client.CheckRetry = checkRetry
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if attemptNum < len(progressiveDelays) {
			return progressiveDelays[attemptNum]
		}
		return progressiveDelays[len(progressiveDelays)-1]
	}
	client.HTTPClient.Timeout = 5 * time.Second

	return &Sink{
		url:    cfg.URL,
		client: client,
		cb:     breaker.NewCircuitBreaker(breaker.Config{Threshold: 5, Timeout: 60 * time.Second}),
		log:    logging.OrDefault(cfg.Logger),
	}, nil
}

// checkRetry retries on network errors and 5xx; 4xx is terminal.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Post delivers event to the webhook URL. If the circuit breaker is open
// it drops the post immediately and returns ErrBreakerOpen.
func (s *Sink) Post(ctx context.Context, event eventbus.Event) error {
	if s.cb.Open() {
		return ErrBreakerOpen
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		s.trip()
		return fmt.Errorf("webhook: post to %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.trip()
		return fmt.Errorf("%w: %s returned %d", ErrTerminalStatus, s.url, resp.StatusCode)
	}

	s.cb.RecordSuccess()
	return nil
}

func (s *Sink) trip() {
	if s.cb.RecordFailure() {
		s.log.Warnf("[webhook] circuit open for %s after repeated failures", s.url)
	}
}

// Handler returns an eventbus.Handler posting events to this sink,
// suitable for registration with Bus.OnAsync so a slow or down webhook
// never blocks the request path.
func (s *Sink) Handler() eventbus.Handler {
	return func(e eventbus.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return s.Post(ctx, e)
	}
}
