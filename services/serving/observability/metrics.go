// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the serving core.
//
// # Description
//
// Metrics cover the request pipeline (queue depth, request outcomes, token
// throughput, stream latency) and the VRAM orchestrator (usage, evictions,
// crashes, breaker trips). Exposed via /metrics; all operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const servingSubsystem = "serving"

// ServingMetrics holds all Prometheus metrics for the serving core.
// Initialize once at startup via NewServingMetrics().
type ServingMetrics struct {
	// RequestsTotal counts requests by route and terminal status.
	// Labels: route, status (success, error, cancelled)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first visible token.
	// Labels: model
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures full generation duration.
	// Labels: model, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams gauges in-flight generations.
	ActiveStreams prometheus.Gauge

	// QueueDepth gauges pending requests.
	QueueDepth prometheus.Gauge

	// VRAMUsageGB gauges reserved VRAM by class.
	// Labels: class (manageable, total)
	VRAMUsageGB *prometheus.GaugeVec

	// EvictionsTotal counts evictions by kind.
	// Labels: kind (capacity, emergency, breaker)
	EvictionsTotal *prometheus.CounterVec

	// CrashesTotal counts model crash reports.
	// Labels: model
	CrashesTotal *prometheus.CounterVec

	// BreakerTripsTotal counts circuit breaker rejections.
	// Labels: model
	BreakerTripsTotal *prometheus.CounterVec
}

// NewServingMetrics creates and registers the metric set on the default
// registry. Call once per process.
func NewServingMetrics() *ServingMetrics {
	return newServingMetrics(prometheus.DefaultRegisterer)
}

// NewServingMetricsWithRegistry registers on a caller-owned registry, for
// tests that need isolation.
func NewServingMetricsWithRegistry(reg prometheus.Registerer) *ServingMetrics {
	return newServingMetrics(reg)
}

func newServingMetrics(reg prometheus.Registerer) *ServingMetrics {
	factory := promauto.With(reg)
	return &ServingMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "requests_total",
			Help:      "Requests by route and terminal status.",
		}, []string{"route", "status"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "tokens_total",
			Help:      "Tokens processed by direction and model.",
		}, []string{"direction", "model"}),
		TimeToFirstTokenSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from dispatch to first visible token.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		StreamDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Full generation duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"model", "status"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "active_streams",
			Help:      "In-flight generations.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "queue_depth",
			Help:      "Pending requests in the admission queue.",
		}),
		VRAMUsageGB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "vram_usage_gb",
			Help:      "Reserved VRAM in gigabytes.",
		}, []string{"class"}),
		EvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "evictions_total",
			Help:      "Model evictions by kind.",
		}, []string{"kind"}),
		CrashesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "crashes_total",
			Help:      "Model crash reports.",
		}, []string{"model"}),
		BreakerTripsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "breaker_trips_total",
			Help:      "Requests rejected by the circuit breaker.",
		}, []string{"model"}),
	}
}

// ObserveRequest records a terminal request outcome.
func (m *ServingMetrics) ObserveRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// ObserveTokens records token throughput for a model.
func (m *ServingMetrics) ObserveTokens(model string, input, output int) {
	if input > 0 {
		m.TokensTotal.WithLabelValues("input", model).Add(float64(input))
	}
	if output > 0 {
		m.TokensTotal.WithLabelValues("output", model).Add(float64(output))
	}
}

// ObserveGeneration records latency for one generation.
func (m *ServingMetrics) ObserveGeneration(model, status string, firstToken, total time.Duration) {
	if firstToken > 0 {
		m.TimeToFirstTokenSeconds.WithLabelValues(model).Observe(firstToken.Seconds())
	}
	m.StreamDurationSeconds.WithLabelValues(model, status).Observe(total.Seconds())
}

// ObserveEviction counts one model eviction. Implements vram.MetricsSink.
func (m *ServingMetrics) ObserveEviction(kind string) {
	m.EvictionsTotal.WithLabelValues(kind).Inc()
}

// ObserveCrash counts one model crash report.
func (m *ServingMetrics) ObserveCrash(model string) {
	m.CrashesTotal.WithLabelValues(model).Inc()
}

// ObserveBreakerTrip counts one circuit-breaker rejection.
func (m *ServingMetrics) ObserveBreakerTrip(model string) {
	m.BreakerTripsTotal.WithLabelValues(model).Inc()
}

// SetVRAMUsage records the orchestrator's current reservation totals.
func (m *ServingMetrics) SetVRAMUsage(manageableGB, totalGB float64) {
	m.VRAMUsageGB.WithLabelValues("manageable").Set(manageableGB)
	m.VRAMUsageGB.WithLabelValues("total").Set(totalGB)
}
