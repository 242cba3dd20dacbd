// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile owns the active serving profile: VRAM limits and the
// role-to-model map. Exactly one profile is active at a time. Mutation goes
// through the manager mutex; readers get copy-on-read snapshots.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/vram"
)

// Role names a slot in the profile's role map.
type Role string

const (
	RoleRouter             Role = "router"
	RoleCoder              Role = "coder"
	RoleReasoning          Role = "reasoning"
	RoleResearch           Role = "research"
	RoleMath               Role = "math"
	RoleArtifactExtraction Role = "artifact_extraction"
)

// Profile is a named bundle of VRAM limits and role-to-model mappings.
type Profile struct {
	Name            string
	SoftLimitGB     float64
	HardLimitGB     float64
	Roles           map[Role]string
	FetchLimits     map[string]int
	FallbackProfile string
	Conservative    bool
}

// clone returns a deep copy so callers can hold a stable snapshot.
func (p Profile) clone() Profile {
	out := p
	out.Roles = make(map[Role]string, len(p.Roles))
	for k, v := range p.Roles {
		out.Roles[k] = v
	}
	out.FetchLimits = make(map[string]int, len(p.FetchLimits))
	for k, v := range p.FetchLimits {
		out.FetchLimits[k] = v
	}
	return out
}

// ModelForRole returns the model id mapped to a role, empty when unmapped.
func (p Profile) ModelForRole(role Role) string {
	return p.Roles[role]
}

// LimitUpdater is the slice of the VRAM orchestrator the manager drives on
// a profile switch.
type LimitUpdater interface {
	UpdateLimits(softGB, hardGB float64)
}

// CrashStats is the slice of the crash tracker used for recovery checks.
type CrashStats interface {
	Count(modelID string) int
	Window() time.Duration
}

// Manager holds the profile set and the active selection, and reacts to
// circuit-breaker notifications by switching to the fallback profile.
type Manager struct {
	mu sync.Mutex

	profiles     map[string]Profile
	active       string
	fallbackFrom string
	trippedModel string
	fellBackAt   time.Time

	limits  LimitUpdater
	crashes CrashStats
	now     func() time.Time
}

// NewManager validates the profile set against the capability registry and
// returns a manager with the named profile active.
func NewManager(
	profiles map[string]Profile,
	activeName string,
	caps *capabilities.Registry,
	limits LimitUpdater,
	crashes CrashStats,
) (*Manager, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles configured")
	}
	for name, p := range profiles {
		if p.HardLimitGB < p.SoftLimitGB || p.SoftLimitGB <= 0 {
			return nil, fmt.Errorf("profile %s: limits must satisfy hard >= soft > 0 (soft=%.1f hard=%.1f)",
				name, p.SoftLimitGB, p.HardLimitGB)
		}
		for role, model := range p.Roles {
			if !caps.Has(model) {
				return nil, fmt.Errorf("profile %s: role %s references unknown model %q", name, role, model)
			}
		}
		if p.FallbackProfile != "" {
			if _, ok := profiles[p.FallbackProfile]; !ok {
				return nil, fmt.Errorf("profile %s: fallback profile %q not defined", name, p.FallbackProfile)
			}
		}
	}
	if _, ok := profiles[activeName]; !ok {
		return nil, fmt.Errorf("active profile %q not defined", activeName)
	}
	return &Manager{
		profiles: profiles,
		active:   activeName,
		limits:   limits,
		crashes:  crashes,
		now:      time.Now,
	}, nil
}

// ActiveProfile returns a stable snapshot of the active profile.
func (m *Manager) ActiveProfile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[m.active].clone()
}

// SwitchProfile activates the named profile and pushes its limits into the
// VRAM orchestrator atomically with the role-map change.
func (m *Manager) SwitchProfile(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switchLocked(name, reason)
}

func (m *Manager) switchLocked(name, reason string) error {
	next, ok := m.profiles[name]
	if !ok {
		return fmt.Errorf("profile %q not defined", name)
	}
	prev := m.active
	m.active = name
	m.limits.UpdateLimits(next.SoftLimitGB, next.HardLimitGB)
	slog.Info("Switched serving profile",
		"from", prev, "to", name, "reason", reason,
		"soft_limit_gb", next.SoftLimitGB, "hard_limit_gb", next.HardLimitGB)
	return nil
}

// IsInFallback reports whether the manager has fallen back and not yet
// recovered.
func (m *Manager) IsInFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackFrom != ""
}

// CheckAndRecover is called at the start of each request. It is cheap: when
// in fallback, it switches back once the tripped model's crash window has
// drained and at least one full window has elapsed since the fallback.
func (m *Manager) CheckAndRecover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallbackFrom == "" {
		return
	}
	if m.now().Sub(m.fellBackAt) < m.crashes.Window() {
		return
	}
	if m.crashes.Count(m.trippedModel) > 0 {
		return
	}
	original := m.fallbackFrom
	m.fallbackFrom = ""
	m.trippedModel = ""
	if err := m.switchLocked(original, "crash window drained, recovering from fallback"); err != nil {
		slog.Error("Failed to recover original profile", "profile", original, "error", err)
	}
}

// ModelBlocked reports whether a model is the one that tripped the breaker
// while the manager is still in fallback. The preference resolver consults
// this so an explicit user choice of the crashing model is overridden by
// the fallback default instead of re-tripping the breaker.
func (m *Manager) ModelBlocked(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackFrom != "" && m.trippedModel == modelID
}

// handleTrip performs the fallback switch for a tripped model if that model
// participates in the active role map.
func (m *Manager) handleTrip(modelID string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.profiles[m.active]
	inRoleMap := false
	for _, model := range active.Roles {
		if model == modelID {
			inRoleMap = true
			break
		}
	}
	if !inRoleMap {
		slog.Debug("Crash threshold on model outside active role map, ignoring",
			"model", modelID)
		return
	}
	if m.fallbackFrom != "" {
		return
	}
	if active.FallbackProfile == "" {
		slog.Warn("Crash threshold reached but active profile has no fallback",
			"model", modelID, "profile", m.active)
		return
	}
	m.fallbackFrom = m.active
	m.trippedModel = modelID
	m.fellBackAt = m.now()
	reason := fmt.Sprintf("model %s crashed %d times within window", modelID, count)
	if err := m.switchLocked(active.FallbackProfile, reason); err != nil {
		slog.Error("Fallback switch failed", "error", err)
		m.fallbackFrom = ""
		m.trippedModel = ""
	}
}

// RunBreakerSupervisor consumes crash notifications until ctx is done. It
// is the only goroutine that initiates fallback switches, so the profile
// mutex is held only briefly per event.
func (m *Manager) RunBreakerSupervisor(ctx context.Context, notifications <-chan vram.CrashNotification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			m.handleTrip(n.ModelID, n.Count)
		}
	}
}
