// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"log/slog"
	"sync"
	"time"
)

// CrashRecord is one backend failure observation.
type CrashRecord struct {
	ModelID   string    `json:"model_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// CrashNotification is pushed to the profile manager when a model crosses
// the crash threshold within the window.
type CrashNotification struct {
	ModelID string
	Count   int
	Window  time.Duration
}

// CrashTracker is the time-windowed crash counter behind the circuit
// breaker. Records are appended under the tracker's own mutex and trimmed
// lazily on every read, so the count invariant holds: Count(model) equals
// the number of events with timestamps in [now-window, now].
type CrashTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	events    []CrashRecord
	notify    chan CrashNotification
	now       func() time.Time
}

// NewCrashTracker creates a tracker with the given window and trip
// threshold. The notification channel is buffered so Record never blocks on
// a slow supervisor.
func NewCrashTracker(window time.Duration, threshold int) *CrashTracker {
	return &CrashTracker{
		window:    window,
		threshold: threshold,
		notify:    make(chan CrashNotification, 16),
		now:       time.Now,
	}
}

// Notifications is the push channel consumed by the profile manager's
// breaker supervisor.
func (t *CrashTracker) Notifications() <-chan CrashNotification {
	return t.notify
}

// Window returns the crash window.
func (t *CrashTracker) Window() time.Duration { return t.window }

// Record appends a crash event. When the model's in-window count reaches
// the threshold a notification is pushed; an already-full channel drops the
// notification rather than blocking the orchestrator mutex holder.
func (t *CrashTracker) Record(modelID, reason string) {
	t.mu.Lock()
	now := t.now()
	t.events = append(t.events, CrashRecord{ModelID: modelID, Timestamp: now, Reason: reason})
	t.trimLocked(now)
	count := t.countLocked(modelID)
	t.mu.Unlock()

	slog.Warn("Recorded model crash",
		"model", modelID, "reason", reason, "recent_crashes", count)

	if count >= t.threshold {
		select {
		case t.notify <- CrashNotification{ModelID: modelID, Count: count, Window: t.window}:
		default:
			slog.Warn("Crash notification channel full, dropping", "model", modelID)
		}
	}
}

// Count returns the number of crashes for a model within the window.
func (t *CrashTracker) Count(modelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimLocked(t.now())
	return t.countLocked(modelID)
}

// ShouldTrip reports whether the breaker is open for a model, along with
// the suggested wait until the oldest in-window crash ages out.
func (t *CrashTracker) ShouldTrip(modelID string) (bool, time.Duration, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.trimLocked(now)
	count := t.countLocked(modelID)
	if count < t.threshold {
		return false, 0, count
	}
	retryAfter := t.window
	for _, e := range t.events {
		if e.ModelID == modelID {
			retryAfter = t.window - now.Sub(e.Timestamp)
			break
		}
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return true, retryAfter, count
}

// Stats returns in-window crash counts per model.
func (t *CrashTracker) Stats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimLocked(t.now())
	stats := make(map[string]int)
	for _, e := range t.events {
		stats[e.ModelID]++
	}
	return stats
}

func (t *CrashTracker) countLocked(modelID string) int {
	n := 0
	for _, e := range t.events {
		if e.ModelID == modelID {
			n++
		}
	}
	return n
}

// trimLocked evicts events older than the window. Events arrive in time
// order, so a single cut point suffices.
func (t *CrashTracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	idx := 0
	for idx < len(t.events) && t.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		t.events = append(t.events[:0], t.events[idx:]...)
	}
}
