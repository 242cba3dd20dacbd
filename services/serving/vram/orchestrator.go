// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vram implements the orchestrator that governs which models occupy
// GPU memory. All load, unload and registry mutation is serialized by a
// single orchestrator mutex so that the budget invariant holds at every
// instant: the manageable (non-external) loaded set never exceeds the
// active profile's hard limit.
//
// Registration is a reservation, not a backend load: the orchestrator
// reserves the budget slot and the backend driver performs the actual load
// on the next generation. Reconciliation exists to re-align this optimistic
// model with reality (a model killed by the OOM killer, say).
package vram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.serving.vram")

// BackendDriver is the slice of the backend manager the orchestrator needs:
// unloading victims and listing what is actually resident.
type BackendDriver interface {
	Unload(ctx context.Context, kind capabilities.BackendKind, modelID string) error
	ListLoaded(ctx context.Context) ([]string, error)
}

// LoadOptions carry per-load generation hints through to the backend
// driver. The orchestrator itself only reserves the slot.
type LoadOptions struct {
	Temperature    *float32
	AdditionalArgs map[string]any
}

// MetricsSink receives orchestrator lifecycle counts. Implemented by the
// observability metric set; nil disables reporting.
type MetricsSink interface {
	ObserveEviction(kind string)
	ObserveCrash(model string)
	ObserveBreakerTrip(model string)
}

// CrashAuditor persists crash reports for post-hoc inspection. Implemented
// by the badger-backed store; nil disables the audit trail.
type CrashAuditor interface {
	RecordCrash(ctx context.Context, modelID, reason string) error
}

// Eviction kinds as reported to the metrics sink.
const (
	EvictionCapacity  = "capacity"
	EvictionBreaker   = "breaker"
	EvictionEmergency = "emergency"
)

// Config holds the orchestrator tunables taken from the active profile and
// the circuit-breaker section of the configuration document.
type Config struct {
	SoftLimitGB          float64
	HardLimitGB          float64
	BufferGB             float64
	BreakerEnabled       bool
	FlushThresholdGB     float64
	PressureThresholdPct float64
}

// StatusSnapshot is a deep copy of orchestrator state for the admin
// surface.
type StatusSnapshot struct {
	SoftLimitGB       float64        `json:"soft_limit_gb"`
	HardLimitGB       float64        `json:"hard_limit_gb"`
	ManageableUsageGB float64        `json:"manageable_usage_gb"`
	TotalUsageGB      float64        `json:"total_usage_gb"`
	UsagePercent      float64        `json:"usage_percent"`
	Models            []LoadedModel  `json:"models"`
	RecentCrashes     map[string]int `json:"recent_crashes"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	RegistryCount int      `json:"registry_count"`
	BackendCount  int      `json:"backend_count"`
	CleanedCount  int      `json:"cleaned_count"`
	CleanedModels []string `json:"cleaned_models"`
}

// EvictionResult reports the outcome of an emergency eviction.
type EvictionResult struct {
	Evicted bool    `json:"evicted"`
	ModelID string  `json:"model_id,omitempty"`
	FreedGB float64 `json:"freed_gb"`
	Reason  string  `json:"reason,omitempty"`
}

// Orchestrator is the single authority over model residency.
type Orchestrator struct {
	mu sync.Mutex

	caps     *capabilities.Registry
	registry *modelRegistry
	strategy EvictionStrategy
	backends BackendDriver
	crashes  *CrashTracker
	memory   MemoryMonitor
	metrics  MetricsSink
	audit    CrashAuditor

	// pressureStreak counts consecutive high-pressure samples seen by
	// CheckMemoryPressure.
	pressureStreak int

	cfg Config
	now func() time.Time
}

// NewOrchestrator wires the orchestrator from its collaborators.
func NewOrchestrator(
	caps *capabilities.Registry,
	backends BackendDriver,
	crashes *CrashTracker,
	memory MemoryMonitor,
	cfg Config,
) *Orchestrator {
	if cfg.FlushThresholdGB <= 0 {
		cfg.FlushThresholdGB = 70
	}
	if cfg.PressureThresholdPct <= 0 {
		cfg.PressureThresholdPct = 25
	}
	return &Orchestrator{
		caps:     caps,
		registry: newModelRegistry(),
		strategy: NewPriorityLRUStrategy(),
		backends: backends,
		crashes:  crashes,
		memory:   memory,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetMetrics installs the lifecycle metrics sink.
func (o *Orchestrator) SetMetrics(metrics MetricsSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = metrics
}

// SetCrashAuditor installs the persistent crash audit trail.
func (o *Orchestrator) SetCrashAuditor(audit CrashAuditor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audit = audit
}

// RequestModelLoad admits a model into the VRAM budget, evicting under the
// priority-LRU discipline when necessary. On return the model holds a
// registry slot; the backend driver performs the real load on the next
// generation.
func (o *Orchestrator) RequestModelLoad(ctx context.Context, modelID string, opts LoadOptions) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.RequestModelLoad")
	defer span.End()
	span.SetAttributes(attribute.String("model", modelID))

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()

	// Fast path: cache hit just refreshes the LRU stamp. Externals take the
	// same short-circuit; we never drive their lifecycle.
	if o.registry.touch(modelID, now) {
		slog.Debug("Model load cache hit", "model", modelID)
		return nil
	}

	cap, err := o.caps.Get(modelID)
	if err != nil {
		return err
	}

	if o.cfg.BreakerEnabled && !cap.IsExternal {
		if err := o.breakerCheckLocked(ctx, modelID, cap.VRAMSizeGB); err != nil {
			return err
		}
	}

	// Very large loads are sensitive to filesystem cache pressure; ask the
	// kernel to drop caches before we touch the backend.
	if cap.VRAMSizeGB > o.cfg.FlushThresholdGB && !cap.IsExternal {
		if err := o.memory.FlushBufferCache(ctx); err != nil {
			slog.Warn("Buffer cache flush failed, continuing", "error", err)
		}
	}

	if !cap.IsExternal {
		usage := o.registry.manageableUsageGB()
		if usage+cap.VRAMSizeGB > o.cfg.HardLimitGB {
			victims, err := o.strategy.SelectVictims(o.registry.list(), cap.VRAMSizeGB, usage, o.cfg.HardLimitGB)
			if err != nil {
				var memErr *serveerr.MemoryError
				if errors.As(err, &memErr) {
					memErr.Model = modelID
				}
				return err
			}
			o.evictLocked(ctx, victims, EvictionCapacity)
			if o.registry.manageableUsageGB()+cap.VRAMSizeGB > o.cfg.HardLimitGB {
				return &serveerr.MemoryError{
					Model:       modelID,
					RequiredGB:  cap.VRAMSizeGB,
					AvailableGB: o.cfg.HardLimitGB - o.registry.manageableUsageGB(),
				}
			}
		}
	}

	o.registry.register(&LoadedModel{
		ModelID:      modelID,
		Backend:      cap.Backend,
		SizeGB:       cap.VRAMSizeGB,
		Priority:     cap.Priority,
		LoadedAt:     now,
		LastAccessed: now,
		IsExternal:   cap.IsExternal,
	})
	slog.Info("Reserved VRAM slot for model",
		"model", modelID,
		"size_gb", cap.VRAMSizeGB,
		"manageable_usage_gb", o.registry.manageableUsageGB(),
		"hard_limit_gb", o.cfg.HardLimitGB)
	return nil
}

// breakerCheckLocked applies the circuit-breaker policy for a tripped
// model: proactively clear NORMAL-and-below LRU candidates until there is
// headroom plus buffer, or reject with a suggested wait.
func (o *Orchestrator) breakerCheckLocked(ctx context.Context, modelID string, sizeGB float64) error {
	tripped, retryAfter, count := o.crashes.ShouldTrip(modelID)
	if !tripped {
		return nil
	}
	slog.Warn("Circuit breaker open for model, attempting proactive eviction",
		"model", modelID, "recent_crashes", count)

	wantFreeGB := sizeGB + o.cfg.BufferGB
	for o.cfg.HardLimitGB-o.registry.manageableUsageGB() < wantFreeGB {
		victim := selectEmergencyVictim(o.registry.list(), capabilities.PriorityNormal)
		if victim == nil {
			if o.metrics != nil {
				o.metrics.ObserveBreakerTrip(modelID)
			}
			return &serveerr.CircuitBreakerError{
				Model:      modelID,
				Crashes:    count,
				RetryAfter: retryAfter,
			}
		}
		o.evictLocked(ctx, []string{victim.ModelID}, EvictionBreaker)
	}
	return nil
}

// evictLocked unloads each victim via the backend driver and unregisters
// it. A single unload failure is logged and the loop continues; the caller
// re-checks the budget afterwards.
func (o *Orchestrator) evictLocked(ctx context.Context, victims []string, kind string) {
	for _, id := range victims {
		m, ok := o.registry.get(id)
		if !ok {
			continue
		}
		if err := o.backends.Unload(ctx, m.Backend, id); err != nil {
			slog.Error("Failed to unload eviction victim, continuing",
				"model", id, "error", err)
		}
		o.registry.unregister(id)
		if o.metrics != nil {
			o.metrics.ObserveEviction(kind)
		}
		slog.Info("Evicted model", "model", id, "freed_gb", m.SizeGB,
			"kind", kind, "priority", m.Priority.String())
	}
}

// MarkModelAccessed refreshes a model's LRU stamp. Called by the agent
// runner at the start of each generation.
func (o *Orchestrator) MarkModelAccessed(modelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registry.touch(modelID, o.now())
}

// MarkModelUnloaded removes a model from the tracked set. When crashed is
// set and the breaker is enabled, the crash is recorded regardless of
// whether the model was tracked, so repeated connection failures on
// untracked externals still arm the breaker. Calling it twice is a no-op
// the second time.
func (o *Orchestrator) MarkModelUnloaded(ctx context.Context, modelID string, crashed bool, crashReason string) {
	o.mu.Lock()
	if m, ok := o.registry.get(modelID); ok {
		if !m.IsExternal {
			if err := o.backends.Unload(ctx, m.Backend, modelID); err != nil {
				slog.Warn("Backend unload failed during mark-unloaded",
					"model", modelID, "error", err)
			}
		}
		o.registry.unregister(modelID)
	}
	metrics, audit := o.metrics, o.audit
	o.mu.Unlock()

	if crashed && o.cfg.BreakerEnabled {
		o.crashes.Record(modelID, crashReason)
		if metrics != nil {
			metrics.ObserveCrash(modelID)
		}
		if audit != nil {
			if err := audit.RecordCrash(ctx, modelID, crashReason); err != nil {
				slog.Warn("Crash audit write failed", "model", modelID, "error", err)
			}
		}
	}
}

// GetStatus returns a deep copy of the orchestrator state. Usage percent is
// computed against manageable bytes only.
func (o *Orchestrator) GetStatus() StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	manageable := o.registry.manageableUsageGB()
	snap := StatusSnapshot{
		SoftLimitGB:       o.cfg.SoftLimitGB,
		HardLimitGB:       o.cfg.HardLimitGB,
		ManageableUsageGB: manageable,
		TotalUsageGB:      o.registry.totalUsageGB(),
		Models:            o.registry.list(),
		RecentCrashes:     o.crashes.Stats(),
	}
	if o.cfg.HardLimitGB > 0 {
		snap.UsagePercent = manageable / o.cfg.HardLimitGB * 100
	}
	return snap
}

// ReconcileRegistry cross-checks the tracked set against what the backends
// actually have resident. Registry entries missing from the backend were
// killed externally and are silently unregistered. Backend entries we do
// not track are logged but left alone: the backend may be managing
// pre-loaded auxiliary models.
func (o *Orchestrator) ReconcileRegistry(ctx context.Context) ReconcileResult {
	ctx, span := tracer.Start(ctx, "Orchestrator.ReconcileRegistry")
	defer span.End()

	actual, err := o.backends.ListLoaded(ctx)
	if err != nil {
		slog.Warn("Reconciliation skipped, backend listing failed", "error", err)
		o.mu.Lock()
		defer o.mu.Unlock()
		return ReconcileResult{RegistryCount: o.registry.len()}
	}
	actualSet := make(map[string]bool, len(actual))
	for _, id := range actual {
		actualSet[id] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	result := ReconcileResult{
		RegistryCount: o.registry.len(),
		BackendCount:  len(actual),
	}
	for _, m := range o.registry.list() {
		if m.IsExternal {
			continue
		}
		if !actualSet[m.ModelID] {
			o.registry.unregister(m.ModelID)
			result.CleanedCount++
			result.CleanedModels = append(result.CleanedModels, m.ModelID)
			slog.Info("Reconciliation removed stale registry entry", "model", m.ModelID)
		}
	}
	tracked := make(map[string]bool, o.registry.len())
	for _, m := range o.registry.list() {
		tracked[m.ModelID] = true
	}
	for _, id := range actual {
		if !tracked[id] {
			slog.Debug("Backend holds model we do not track, leaving alone", "model", id)
		}
	}
	return result
}

// EmergencyEvictLRU evicts exactly one victim: the globally least-recently
// used model with priority at or below maxPriority. Triggered by sustained
// memory pressure. CRITICAL and external models are never eligible.
func (o *Orchestrator) EmergencyEvictLRU(ctx context.Context, maxPriority capabilities.Priority) EvictionResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	victim := selectEmergencyVictim(o.registry.list(), maxPriority)
	if victim == nil {
		return EvictionResult{
			Evicted: false,
			Reason:  "no eligible model at or below priority " + maxPriority.String(),
		}
	}
	o.evictLocked(ctx, []string{victim.ModelID}, EvictionEmergency)
	return EvictionResult{Evicted: true, ModelID: victim.ModelID, FreedGB: victim.SizeGB}
}

// FlushBufferCache exposes the monitor's flush for the admin surface.
func (o *Orchestrator) FlushBufferCache(ctx context.Context) error {
	return o.memory.FlushBufferCache(ctx)
}

// pressureSampleCount is how many consecutive high-pressure samples must
// accumulate before CheckMemoryPressure acts. One sample is noise; two at
// the reconcile cadence means the kernel has been stalling allocations for
// over a minute.
const pressureSampleCount = 2

// CheckMemoryPressure samples host memory and relieves sustained pressure:
// once the PSI some avg10 reading stays above the configured threshold for
// pressureSampleCount consecutive samples, the buffer cache is flushed and
// the least-recently-used model at or below NORMAL priority is evicted.
// Called from the reconcile loop.
func (o *Orchestrator) CheckMemoryPressure(ctx context.Context) EvictionResult {
	status, err := o.memory.Status(ctx)
	if err != nil {
		slog.Warn("Memory pressure sample failed", "error", err)
		return EvictionResult{Evicted: false, Reason: "memory sample failed"}
	}

	o.mu.Lock()
	threshold := o.cfg.PressureThresholdPct
	if status.PressureSome10 < threshold {
		o.pressureStreak = 0
		o.mu.Unlock()
		return EvictionResult{Evicted: false}
	}
	o.pressureStreak++
	if o.pressureStreak < pressureSampleCount {
		o.mu.Unlock()
		slog.Warn("Memory pressure above threshold, watching",
			"pressure_some_avg10", status.PressureSome10, "threshold_pct", threshold)
		return EvictionResult{Evicted: false, Reason: "pressure rising, watching"}
	}
	o.pressureStreak = 0
	o.mu.Unlock()

	slog.Warn("Sustained memory pressure, relieving",
		"pressure_some_avg10", status.PressureSome10, "threshold_pct", threshold)
	if err := o.memory.FlushBufferCache(ctx); err != nil {
		slog.Warn("Buffer cache flush failed, continuing", "error", err)
	}
	return o.EmergencyEvictLRU(ctx, capabilities.PriorityNormal)
}

// UpdateLimits installs new soft and hard limits. Called by the profile
// manager on profile switch; already-resident models above the new limit
// stay until the next admission forces eviction.
func (o *Orchestrator) UpdateLimits(softGB, hardGB float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.SoftLimitGB = softGB
	o.cfg.HardLimitGB = hardGB
	slog.Info("Updated VRAM limits", "soft_limit_gb", softGB, "hard_limit_gb", hardGB)
}

// MemoryStatus samples host memory through the monitor, annotated with the
// tracked model usage.
func (o *Orchestrator) MemoryStatus(ctx context.Context) (MemoryStatus, error) {
	status, err := o.memory.Status(ctx)
	if err != nil {
		return MemoryStatus{}, err
	}
	o.mu.Lock()
	status.ModelUsageGB = o.registry.totalUsageGB()
	o.mu.Unlock()
	return status, nil
}
