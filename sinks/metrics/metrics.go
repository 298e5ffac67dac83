// Package metrics implements the optional Prometheus sink: an eventbus
// handler that records admission decisions as counters and a slowdown
// histogram, with labels kept to plan/endpoint/type so cardinality
// stays bounded (never the raw user key), per spec.md's observability
// sink note in §1 and §6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rivermint/policygate/eventbus"
)

// Sink holds the Prometheus collectors backing the metrics handler.
type Sink struct {
	decisions *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	slowdown  *prometheus.HistogramVec
}

// New registers the sink's collectors against reg and returns the Sink.
// A nil reg registers against prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Sink{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_decisions_total",
				Help: "Total number of policy engine admission decisions.",
			},
			[]string{"plan", "endpoint", "type"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_tokens_tracked_total",
				Help: "Total tokens tracked through token_usage_tracked events.",
			},
			[]string{"plan", "endpoint"},
		),
		slowdown: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policygate_slowdown_ms",
				Help:    "Applied slowdown delay in milliseconds, by plan and endpoint.",
				Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"plan", "endpoint"},
		),
	}

	for _, c := range []prometheus.Collector{s.decisions, s.tokens, s.slowdown} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns an eventbus.Handler recording every event against this
// sink's collectors. Intended for registration via Bus.On (cheap,
// in-process counter increments; no need to run async).
func (s *Sink) Handler() eventbus.Handler {
	return func(e eventbus.Event) error {
		s.decisions.WithLabelValues(e.Plan, e.Endpoint, string(e.Type)).Inc()

		switch e.Type {
		case eventbus.TypeTokenUsageTracked:
			s.tokens.WithLabelValues(e.Plan, e.Endpoint).Add(float64(e.Tokens))
		case eventbus.TypeSlowdownApplied:
			s.slowdown.WithLabelValues(e.Plan, e.Endpoint).Observe(e.Value)
		}
		return nil
	}
}
