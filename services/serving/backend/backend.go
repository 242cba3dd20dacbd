// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend is the backend-agnostic facade over concrete serving
// engines. Each engine implements the Backend capability set {Load, Unload,
// ListLoaded, Chat, StreamChat}; the Manager is a registry keyed by backend
// kind, replacing polymorphic-inheritance dispatch with a sum type.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
)

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCallID links a tool-result message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls replays an assistant turn that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one tool offered to the model, in the JSON-schema
// function style every supported engine understands.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// GenerationParams carry sampling settings through to the engine. Thinking
// is either a bool or a level string depending on the model's capability
// record; nil disables the parameter entirely.
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
	Thinking    any
}

// ChatRequest is a backend-neutral chat completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Params   GenerationParams
	Tools    []ToolSpec
	// KeepAliveSeconds is honored by engines that support residency hints.
	KeepAliveSeconds int
}

// StreamChunk is one unit of streamed output. Event-only frames carry no
// content and no tool calls.
type StreamChunk struct {
	Content   string
	ToolCalls []ToolCall
	Done      bool
}

// Usage is the token accounting reported by the engine, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResult is the terminal result of a chat call.
type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// StreamFunc receives chunks as they arrive. Returning an error aborts the
// stream and propagates out of StreamChat.
type StreamFunc func(chunk StreamChunk) error

// Backend is the capability set common to all serving engines.
type Backend interface {
	Kind() capabilities.BackendKind
	Load(ctx context.Context, modelID string, keepAliveSeconds int) error
	Unload(ctx context.Context, modelID string) error
	ListLoaded(ctx context.Context) ([]string, error)
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
	StreamChat(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResult, error)
}

// Manager dispatches to the registered backends by kind. It satisfies
// vram.BackendDriver.
type Manager struct {
	mu       sync.RWMutex
	backends map[capabilities.BackendKind]Backend
}

// NewManager creates an empty backend registry.
func NewManager() *Manager {
	return &Manager{backends: make(map[capabilities.BackendKind]Backend)}
}

// Register installs a backend for its kind, replacing any previous one.
func (m *Manager) Register(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Kind()] = b
}

// Get returns the backend for a kind.
func (m *Manager) Get(kind capabilities.BackendKind) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", kind)
	}
	return b, nil
}

// Unload forwards an unload to the owning backend. External backends
// receive no lifecycle calls.
func (m *Manager) Unload(ctx context.Context, kind capabilities.BackendKind, modelID string) error {
	if kind == capabilities.BackendExternal {
		return nil
	}
	b, err := m.Get(kind)
	if err != nil {
		return err
	}
	return b.Unload(ctx, modelID)
}

// ListLoaded unions the resident sets across every registered backend.
func (m *Manager) ListLoaded(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	backends := make([]Backend, 0, len(m.backends))
	for _, b := range m.backends {
		backends = append(backends, b)
	}
	m.mu.RUnlock()

	var all []string
	for _, b := range backends {
		loaded, err := b.ListLoaded(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s backend: %w", b.Kind(), err)
		}
		all = append(all, loaded...)
	}
	return all, nil
}
