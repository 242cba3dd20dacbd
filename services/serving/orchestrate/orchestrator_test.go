// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/agent"
	"github.com/AleutianAI/AleutianServe/services/serving/backend"
	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/profile"
	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/AleutianAI/AleutianServe/services/serving/router"
	"github.com/AleutianAI/AleutianServe/services/serving/vram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullDriver struct{}

func (nullDriver) Unload(context.Context, capabilities.BackendKind, string) error { return nil }
func (nullDriver) ListLoaded(context.Context) ([]string, error)                   { return nil, nil }

type nullMonitor struct{}

func (nullMonitor) Status(context.Context) (vram.MemoryStatus, error) {
	return vram.MemoryStatus{}, nil
}
func (nullMonitor) FlushBufferCache(context.Context) error { return nil }

// countingPrefs records how often the pipeline asks for stored preferences.
type countingPrefs struct {
	calls int
}

func (p *countingPrefs) PreferencesFor(context.Context, string) router.UserPreferences {
	p.calls++
	return router.UserPreferences{}
}

// pipelineServer answers the router model's YES-or-NO artifact probe plus
// the real generation, keyed on the system prompt.
func pipelineServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)

		content := answer
		if strings.Contains(req.Messages[0].Content, "YES or NO") {
			content = "NO"
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": content},
			"done":    true,
		}))
	}))
}

func newPipeline(t *testing.T, srv *httptest.Server, prefs PreferenceProvider) *Orchestrator {
	t.Helper()
	records := []capabilities.ModelCapability{
		{ModelID: "router-model", Backend: capabilities.BackendOllama, VRAMSizeGB: 4,
			Priority: capabilities.PriorityCritical},
		{ModelID: "reasoning-model", Backend: capabilities.BackendOllama, VRAMSizeGB: 8},
	}
	caps, err := capabilities.NewRegistry(records)
	require.NoError(t, err)

	backends := backend.NewManager()
	backends.Register(backend.NewOllamaBackend(srv.URL))

	orch := vram.NewOrchestrator(caps, nullDriver{}, vram.NewCrashTracker(10*time.Minute, 3),
		nullMonitor{}, vram.Config{HardLimitGB: 60})

	profiles, err := profile.NewManager(map[string]profile.Profile{
		"default": {
			Name:        "default",
			SoftLimitGB: 40,
			HardLimitGB: 60,
			Roles: map[profile.Role]string{
				profile.RoleRouter:    "router-model",
				profile.RoleReasoning: "reasoning-model",
			},
		},
	}, "default", caps, orch, nil)
	require.NoError(t, err)

	classifier := router.NewClassifier(backends, caps, profiles)
	resolver := router.NewResolver(caps, profiles)
	runner := agent.NewRunner(backends, caps, orch)
	return New(classifier, resolver, profiles, orch, runner, nil, prefs, nil, nil)
}

func TestProcess_ResolvesPreferencesOnce(t *testing.T) {
	t.Parallel()
	srv := pipelineServer(t, "here is the answer")
	defer srv.Close()
	prefs := &countingPrefs{}
	pipeline := newPipeline(t, srv, prefs)

	res, err := pipeline.Process(context.Background(), &queue.Request{
		ID:      "req-1",
		UserID:  "u1",
		Message: "explain this",
		Overrides: router.RequestOverrides{
			ModelID: "reasoning-model",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "here is the answer", res.Content)
	assert.Equal(t, 1, prefs.calls)
}

func TestProcess_CachedRouteSkipsClassification(t *testing.T) {
	t.Parallel()
	srv := pipelineServer(t, "retry answer")
	defer srv.Close()
	prefs := &countingPrefs{}
	pipeline := newPipeline(t, srv, prefs)

	res, err := pipeline.Process(context.Background(), &queue.Request{
		ID:      "req-2",
		UserID:  "u1",
		Message: "explain this",
		Route:   &router.RouteConfig{Route: router.RouteReasoning, ModelID: "reasoning-model"},
	})
	require.NoError(t, err)
	assert.Equal(t, "retry answer", res.Content)
	assert.Equal(t, 1, prefs.calls)
}

func TestExtractArtifacts_FilenameFromUserMessage(t *testing.T) {
	t.Parallel()
	content := "Here you go.\n===FILE===\n# Design\nBody text.\n===END===\nDone."
	text, artifacts := extractArtifacts(content, "summarize the design and save it to notes.md")

	require.Len(t, artifacts, 1)
	assert.Equal(t, "notes.md", artifacts[0].Filename)
	assert.Equal(t, "# Design\nBody text.", artifacts[0].Content)
	assert.Equal(t, "Here you go.\n\nDone.", text)
}

func TestExtractArtifacts_NumberedDefaults(t *testing.T) {
	t.Parallel()
	content := "===FILE===\nfirst\n===END===\n===FILE===\nsecond\n===END==="
	_, artifacts := extractArtifacts(content, "give me both files")

	require.Len(t, artifacts, 2)
	assert.Equal(t, "output-1.md", artifacts[0].Filename)
	assert.Equal(t, "output-2.md", artifacts[1].Filename)
	assert.Equal(t, "first", artifacts[0].Content)
	assert.Equal(t, "second", artifacts[1].Content)
}

func TestExtractArtifacts_MixedNames(t *testing.T) {
	t.Parallel()
	content := "===FILE===\npackage main\n===END===\n===FILE===\nextra\n===END==="
	_, artifacts := extractArtifacts(content, "write main.go for me")

	require.Len(t, artifacts, 2)
	assert.Equal(t, "main.go", artifacts[0].Filename)
	assert.Equal(t, "output-2.md", artifacts[1].Filename)
}

func TestExtractArtifacts_NoBlocks(t *testing.T) {
	t.Parallel()
	content := "Just a plain answer."
	text, artifacts := extractArtifacts(content, "save it to out.md")
	assert.Equal(t, content, text)
	assert.Nil(t, artifacts)
}

func TestBuildMetrics(t *testing.T) {
	t.Parallel()
	output := &agent.Output{
		ThinkingChars: 120,
		Usage:         backend.Usage{PromptTokens: 50, CompletionTokens: 200},
		Duration:      4 * time.Second,
	}
	m := buildMetrics(output)
	assert.Equal(t, 50, m.InputTokens)
	assert.Equal(t, 200, m.OutputTokens)
	assert.Equal(t, 120, m.ThinkingChars)
	assert.InDelta(t, 50.0, m.TokensPerSecond, 1e-9)
}

func TestBuildMetrics_ZeroDuration(t *testing.T) {
	t.Parallel()
	m := buildMetrics(&agent.Output{Usage: backend.Usage{CompletionTokens: 10}})
	assert.Zero(t, m.TokensPerSecond)
}

func TestRoleInstructions(t *testing.T) {
	t.Parallel()
	assert.Contains(t, roleInstructions(router.RouteSimpleCode), "code")
	assert.Contains(t, roleInstructions(router.RouteMath), "step")
	assert.Contains(t, roleInstructions(router.RouteResearch), "sources")
	assert.NotEmpty(t, roleInstructions(router.RouteSelfHandle))
	assert.Empty(t, roleInstructions(router.RouteReasoning))
}
