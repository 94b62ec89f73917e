// Package metrics holds the gateway's prometheus instruments. Everything
// registers on a dedicated registry so tests can create isolated sets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the gateway's instruments.
type Set struct {
	registry *prometheus.Registry

	AuditDropped      prometheus.Counter
	AuditEmitted      *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	ToolCalls         *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	LLMCalls          *prometheus.CounterVec
	LLMCallDuration   *prometheus.HistogramVec
	HTTPRequests      *prometheus.CounterVec
}

// New creates a Set registered on its own registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medintel_audit_records_dropped_total",
			Help: "Audit records downgraded to audit-dropped because the queue was full.",
		}),
		AuditEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medintel_audit_records_emitted_total",
			Help: "Audit records written, by kind and severity.",
		}, []string{"kind", "severity"}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medintel_rate_limit_rejected_total",
			Help: "Requests rejected by the sliding-window limiter, by class.",
		}, []string{"class"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medintel_sessions_active",
			Help: "Sessions currently active in the store.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medintel_tool_calls_total",
			Help: "Tool-provider calls, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medintel_tool_call_duration_seconds",
			Help:    "Tool-provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medintel_llm_calls_total",
			Help: "LLM provider calls, by provider role and outcome.",
		}, []string{"provider", "outcome"}),
		LLMCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medintel_llm_call_duration_seconds",
			Help:    "LLM call latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45},
		}, []string{"provider"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medintel_http_requests_total",
			Help: "HTTP requests, by route and status class.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		s.AuditDropped, s.AuditEmitted, s.RateLimitRejected, s.SessionsActive,
		s.ToolCalls, s.ToolCallDuration, s.LLMCalls, s.LLMCallDuration,
		s.HTTPRequests,
	)
	return s
}

// Handler serves the registry in prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
