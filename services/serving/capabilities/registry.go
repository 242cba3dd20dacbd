// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capabilities holds the static, read-mostly registry of model
// capabilities: which backend serves a model, how much VRAM it needs, its
// eviction priority class, and what generation features it supports.
//
// The registry is loaded from configuration at startup. Hot reload swaps
// the whole table atomically via Replace; readers always see a consistent
// snapshot.
package capabilities

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
)

// Priority is the eviction priority class of a model. Lower values are more
// important: CRITICAL models are never evicted.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the configuration spelling of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority converts a configuration string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// BackendKind identifies the serving engine behind a model.
type BackendKind string

const (
	// BackendOllama is a local Ollama server driven over its native API.
	BackendOllama BackendKind = "ollama"
	// BackendOpenAICompat covers vLLM, SGLang, TRT-LLM and other servers
	// that speak the OpenAI chat completion API.
	BackendOpenAICompat BackendKind = "openai"
	// BackendExternal is a long-lived server outside our lifecycle control.
	// Tracked for visibility, never loaded or unloaded by us.
	BackendExternal BackendKind = "external"
)

// ThinkingFormat describes how a model's reasoning mode is toggled.
type ThinkingFormat string

const (
	// ThinkingBool means the backend takes think=true/false.
	ThinkingBool ThinkingFormat = "bool"
	// ThinkingLevel means the backend takes think="high"|"medium"|"low".
	ThinkingLevel ThinkingFormat = "level"
)

// ModelCapability is the read-only record for a single model.
type ModelCapability struct {
	ModelID              string
	Backend              BackendKind
	Endpoint             string
	VRAMSizeGB           float64
	Priority             Priority
	SupportsTools        bool
	SupportsThinking     bool
	SupportsVision       bool
	ThinkingFormat       ThinkingFormat
	DefaultThinkingLevel string
	KeepAliveSeconds     int
	IsExternal           bool
}

// Registry is the concurrency-safe capability table.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelCapability
}

// NewRegistry builds a registry from the given capability records. Duplicate
// model ids are rejected.
func NewRegistry(caps []ModelCapability) (*Registry, error) {
	models := make(map[string]ModelCapability, len(caps))
	for _, c := range caps {
		if c.ModelID == "" {
			return nil, fmt.Errorf("model capability with empty model id")
		}
		if _, dup := models[c.ModelID]; dup {
			return nil, fmt.Errorf("duplicate model capability %q", c.ModelID)
		}
		models[c.ModelID] = c
	}
	return &Registry{models: models}, nil
}

// Get returns the capability record for a model id. A missing model is a
// ConfigError so callers can surface it without retrying.
func (r *Registry) Get(modelID string) (ModelCapability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.models[modelID]
	if !ok {
		return ModelCapability{}, &serveerr.ConfigError{
			Model:  modelID,
			Reason: "model not present in capability registry",
		}
	}
	return cap, nil
}

// Has reports whether a model id is registered.
func (r *Registry) Has(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[modelID]
	return ok
}

// List returns all capability records sorted by model id.
func (r *Registry) List() []ModelCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelCapability, 0, len(r.models))
	for _, c := range r.models {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Replace swaps the whole capability table. Used by the configuration hot
// reload path; in-flight readers keep the snapshot they already obtained.
func (r *Registry) Replace(caps []ModelCapability) error {
	fresh, err := NewRegistry(caps)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.models = fresh.models
	r.mu.Unlock()
	return nil
}
