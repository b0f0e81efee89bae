// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway's
// hook pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Connection metrics
	ActiveConnections *prometheus.GaugeVec
	ConnectionsTotal   *prometheus.CounterVec

	// Hook metrics
	HookRequestsTotal *prometheus.CounterVec
	HookDuration      *prometheus.HistogramVec
	HookDenialsTotal  *prometheus.CounterVec

	// Auth metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec

	// ACL metrics
	ACLDenialsTotal *prometheus.CounterVec

	// Dynamic-subscription metrics
	DynsubOperationsTotal *prometheus.CounterVec
	DynsubBrokerErrors    *prometheus.CounterVec

	// Audience lifecycle events
	AudienceEventsTotal *prometheus.CounterVec

	// Circuit breaker metrics (wraps calls into the broker interface)
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedConnections *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections, by connection mode",
			},
			[]string{"mode"},
		),
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connect attempts, by mode and outcome",
			},
			[]string{"mode", "status"},
		),
		HookRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_requests_total",
				Help:      "Total number of hook invocations, by hook and outcome",
			},
			[]string{"hook", "status"},
		),
		HookDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_duration_seconds",
				Help:      "Hook invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"hook"},
		),
		HookDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_denials_total",
				Help:      "Total number of hook denials, by hook and error kind",
			},
			[]string{"hook", "kind"},
		),
		AuthAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of JWT authentication attempts",
			},
			[]string{},
		),
		AuthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of JWT authentication failures",
			},
			[]string{},
		),
		ACLDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acl_denials_total",
				Help:      "Total number of ACL denials, by hook (connect/publish/subscribe)",
			},
			[]string{"hook"},
		),
		DynsubOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dynsub_operations_total",
				Help:      "Total number of dynamic-subscription operations, by method and outcome",
			},
			[]string{"method", "status"},
		),
		DynsubBrokerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dynsub_broker_errors_total",
				Help:      "Total number of broker interface errors encountered by the dynsub engine",
			},
			[]string{"op"},
		),
		AudienceEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audience_events_total",
				Help:      "Total number of audience lifecycle events published, by label",
			},
			[]string{"label"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state around the broker interface (0=closed, 1=half_open, 2=open)",
			},
			[]string{"component"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"component"},
		),
		RateLimitedConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connect attempts rejected by rate limiting",
			},
			[]string{"scope"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
	}
}

// ObserveHook tracks one hook invocation: duration, request count by
// outcome, and (on denial) the denial count by error kind.
func (m *Metrics) ObserveHook(hook string, f func() error) error {
	start := time.Now()
	err := f()
	m.HookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())

	status := "accepted"
	if err != nil {
		status = "denied"
		m.HookDenialsTotal.WithLabelValues(hook, string(gwerrors.KindOf(err))).Inc()
	}
	m.HookRequestsTotal.WithLabelValues(hook, status).Inc()
	return err
}
