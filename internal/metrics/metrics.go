// Package metrics exposes Prometheus collectors for completion dispatch.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

const namespace = "evaluator"

// Metrics records dispatch activity. It implements retry.Observer.
type Metrics struct {
	retries          *prometheus.CounterVec
	retryDelay       *prometheus.HistogramVec
	dispatchDuration *prometheus.HistogramVec
	lowQuota         *prometheus.CounterVec
	remaining        *prometheus.GaugeVec
	evaluations      *prometheus.CounterVec

	reg prometheus.Registerer
}

var _ retry.Observer = (*Metrics)(nil)

// MustNew creates the collectors and registers them with reg. A nil reg uses
// the default registerer. Registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "retries_total",
				Help:      "Failed provider calls that were retried, by provider and error kind.",
			},
			[]string{"provider", "kind"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay chosen before a retry.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"provider", "kind"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Wall time of a dispatch including retries and backoff.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "outcome"},
		),
		lowQuota: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "low_quota_warnings_total",
				Help:      "Responses whose rate-limit headers were close to exhaustion.",
			},
			[]string{"provider"},
		),
		remaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "quota_remaining",
				Help:      "Last reported remaining quota, by provider and resource.",
			},
			[]string{"provider", "resource"},
		),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Applicant evaluations, by provider and result.",
			},
			[]string{"provider", "result"},
		),
		reg: reg,
	}

	reg.MustRegister(m.retries, m.retryDelay, m.dispatchDuration, m.lowQuota, m.remaining, m.evaluations)
	return m
}

// TrackGovernor exposes the governor's limit and in-flight count as gauges.
func (m *Metrics) TrackGovernor(g *ratelimit.Governor) {
	if m == nil || g == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "in_flight",
			Help:      "Provider calls currently holding an admission ticket.",
		}, func() float64 { return float64(g.InFlight()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "limit",
			Help:      "Current admission limit.",
		}, func() float64 { return float64(g.Limit()) }),
	)
}

// AttemptFailed records a retried provider call.
func (m *Metrics) AttemptFailed(provider string, a retry.Attempt) {
	if m == nil {
		return
	}
	kind := a.Kind.String()
	m.retries.WithLabelValues(provider, kind).Inc()
	if a.Delay > 0 {
		m.retryDelay.WithLabelValues(provider, kind).Observe(a.Delay.Seconds())
	}
}

// DispatchFinished records the end of a dispatch.
func (m *Metrics) DispatchFinished(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// LowQuota has the signature of ai.QuotaHook. Negative values mean the
// provider did not report that counter.
func (m *Metrics) LowQuota(provider string, remainingRequests, remainingTokens int) {
	if m == nil {
		return
	}
	m.lowQuota.WithLabelValues(provider).Inc()
	if remainingRequests >= 0 {
		m.remaining.WithLabelValues(provider, "requests").Set(float64(remainingRequests))
	}
	if remainingTokens >= 0 {
		m.remaining.WithLabelValues(provider, "tokens").Set(float64(remainingTokens))
	}
}

// EvaluationFinished counts an evaluation outcome: "scored", "format_error" or
// "failed".
func (m *Metrics) EvaluationFinished(provider, result string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(provider, result).Inc()
}

// ResultFor maps an evaluation error to the result label used by
// EvaluationFinished.
func ResultFor(err error) string {
	var fe *model.FormatError
	switch {
	case err == nil:
		return "scored"
	case errors.As(err, &fe):
		return "format_error"
	default:
		return "failed"
	}
}
