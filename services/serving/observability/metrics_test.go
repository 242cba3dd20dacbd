// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*ServingMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewServingMetricsWithRegistry(reg), reg
}

func TestObserveRequest(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.ObserveRequest("RESEARCH", "success")
	m.ObserveRequest("RESEARCH", "success")
	m.ObserveRequest("MATH", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("RESEARCH", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("MATH", "error")))
}

func TestObserveTokens_SkipsZeroCounts(t *testing.T) {
	t.Parallel()
	m, reg := newTestMetrics(t)

	m.ObserveTokens("big-model", 120, 0)

	assert.Equal(t, 120.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "big-model")))
	// The output series must not even exist; a zero-valued child would
	// pollute rate() queries.
	count, err := testutil.GatherAndCount(reg, "aleutian_serving_tokens_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestObserveGeneration(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.ObserveGeneration("big-model", "success", 300*time.Millisecond, 4*time.Second)
	m.ObserveGeneration("big-model", "error", 0, 2*time.Second)

	assert.Equal(t, 1, testutil.CollectAndCount(m.TimeToFirstTokenSeconds),
		"zero first-token latency must not be observed")
	assert.Equal(t, 2, testutil.CollectAndCount(m.StreamDurationSeconds))
}

func TestSetVRAMUsage(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.SetVRAMUsage(42.5, 58)
	m.SetVRAMUsage(30, 45)

	assert.Equal(t, 30.0, testutil.ToFloat64(m.VRAMUsageGB.WithLabelValues("manageable")))
	assert.Equal(t, 45.0, testutil.ToFloat64(m.VRAMUsageGB.WithLabelValues("total")))
}

func TestOrchestratorLifecycleCounters(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.ObserveEviction("capacity")
	m.ObserveEviction("capacity")
	m.ObserveEviction("emergency")
	m.ObserveCrash("big-model")
	m.ObserveBreakerTrip("big-model")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvictionsTotal.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvictionsTotal.WithLabelValues("emergency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrashesTotal.WithLabelValues("big-model")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTripsTotal.WithLabelValues("big-model")))
}

func TestGaugesMoveBothWays(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.ActiveStreams.Inc()
	m.ActiveStreams.Inc()
	m.ActiveStreams.Dec()
	m.QueueDepth.Set(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
}

func TestIsolatedRegistriesDoNotCollide(t *testing.T) {
	t.Parallel()
	first, _ := newTestMetrics(t)
	second, _ := newTestMetrics(t)

	first.ObserveRequest("MATH", "success")
	assert.Zero(t, testutil.ToFloat64(second.RequestsTotal.WithLabelValues("MATH", "success")))
}
