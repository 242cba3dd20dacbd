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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
)

// LoadedModel tracks one model the orchestrator considers resident in VRAM.
//
// External models are tracked for visibility but do not count against the
// manageable budget and are never unloaded by us.
type LoadedModel struct {
	ModelID      string                   `json:"model_id"`
	Backend      capabilities.BackendKind `json:"backend"`
	SizeGB       float64                  `json:"size_gb"`
	Priority     capabilities.Priority    `json:"priority"`
	LoadedAt     time.Time                `json:"loaded_at"`
	LastAccessed time.Time                `json:"last_accessed"`
	IsExternal   bool                     `json:"is_external"`
}

// modelRegistry is the tracked loaded set. It carries no lock of its own:
// every access happens under the orchestrator mutex.
type modelRegistry struct {
	models map[string]*LoadedModel
}

func newModelRegistry() *modelRegistry {
	return &modelRegistry{models: make(map[string]*LoadedModel)}
}

func (r *modelRegistry) get(modelID string) (*LoadedModel, bool) {
	m, ok := r.models[modelID]
	return m, ok
}

func (r *modelRegistry) register(m *LoadedModel) {
	r.models[m.ModelID] = m
}

func (r *modelRegistry) unregister(modelID string) bool {
	if _, ok := r.models[modelID]; !ok {
		return false
	}
	delete(r.models, modelID)
	return true
}

func (r *modelRegistry) touch(modelID string, now time.Time) bool {
	m, ok := r.models[modelID]
	if !ok {
		return false
	}
	m.LastAccessed = now
	return true
}

// manageableUsageGB sums the sizes of loaded models we are permitted to
// unload. Excludes externals by definition.
func (r *modelRegistry) manageableUsageGB() float64 {
	var total float64
	for _, m := range r.models {
		if !m.IsExternal {
			total += m.SizeGB
		}
	}
	return total
}

func (r *modelRegistry) totalUsageGB() float64 {
	var total float64
	for _, m := range r.models {
		total += m.SizeGB
	}
	return total
}

// list returns copies of all records, oldest last_accessed first, so the
// result is directly usable as an LRU candidate order.
func (r *modelRegistry) list() []LoadedModel {
	out := make([]LoadedModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.Before(out[j].LastAccessed)
	})
	return out
}

func (r *modelRegistry) len() int { return len(r.models) }
