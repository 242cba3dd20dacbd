// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ndjsonServer(t *testing.T, capture *ollamaChatRequest, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			_, err := w.Write([]byte(line + "\n"))
			require.NoError(t, err)
		}
	}))
}

func TestOllamaStreamChat_AccumulatesContent(t *testing.T) {
	t.Parallel()
	srv := ndjsonServer(t, nil,
		`{"message":{"role":"assistant","content":"Hello"},"done":false}`,
		`{"message":{"role":"assistant","content":" world"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":7}`,
	)
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	var chunks []string
	result, err := b.StreamChat(context.Background(), ChatRequest{Model: "m"}, func(chunk StreamChunk) error {
		chunks = append(chunks, chunk.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, []string{"Hello", " world", ""}, chunks)
	assert.Equal(t, 12, result.Usage.PromptTokens)
	assert.Equal(t, 7, result.Usage.CompletionTokens)
}

func TestOllamaStreamChat_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()
	srv := ndjsonServer(t, nil,
		`{"message":{"role":"assistant","content":"ok"},"done":false}`,
		`{not json`,
		`{"message":{"role":"assistant","content":"!"},"done":true}`,
	)
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	result, err := b.StreamChat(context.Background(), ChatRequest{Model: "m"}, func(StreamChunk) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok!", result.Content)
}

func TestOllamaStreamChat_CollectsToolCalls(t *testing.T) {
	t.Parallel()
	srv := ndjsonServer(t, nil,
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"fetch_web_content","arguments":{"url":"https://go.dev"}}}]},"done":true}`,
	)
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	result, err := b.StreamChat(context.Background(), ChatRequest{Model: "m"}, func(StreamChunk) error {
		return nil
	})
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "fetch_web_content", result.ToolCalls[0].Name)
	assert.JSONEq(t, `{"url":"https://go.dev"}`, result.ToolCalls[0].Arguments)
}

func TestOllamaStreamChat_CallbackErrorAborts(t *testing.T) {
	t.Parallel()
	srv := ndjsonServer(t, nil,
		`{"message":{"role":"assistant","content":"a"},"done":false}`,
		`{"message":{"role":"assistant","content":"b"},"done":true}`,
	)
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	_, err := b.StreamChat(context.Background(), ChatRequest{Model: "m"}, func(StreamChunk) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOllamaChat_NonStreaming(t *testing.T) {
	t.Parallel()
	var captured ollamaChatRequest
	srv := ndjsonServer(t, &captured,
		`{"message":{"role":"assistant","content":"answer"},"done":true,"prompt_eval_count":3,"eval_count":2}`,
	)
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	temp := float32(0.4)
	result, err := b.Chat(context.Background(), ChatRequest{
		Model: "m",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Params:           GenerationParams{Temperature: &temp, Thinking: true},
		KeepAliveSeconds: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Content)
	assert.Equal(t, 3, result.Usage.PromptTokens)

	assert.False(t, captured.Stream)
	assert.Equal(t, "300s", captured.KeepAlive)
	assert.Equal(t, true, captured.Think)
	assert.InDelta(t, 0.4, captured.Options["temperature"], 1e-6)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
}

func TestOllamaChat_ToolRoundTripMessages(t *testing.T) {
	t.Parallel()
	var captured ollamaChatRequest
	srv := ndjsonServer(t, &captured,
		`{"message":{"role":"assistant","content":"done"},"done":true}`,
	)
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	_, err := b.Chat(context.Background(), ChatRequest{
		Model: "m",
		Messages: []Message{
			{Role: "user", Content: "look this up"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "call_0", Name: "fetch_web_content", Arguments: `{"url":"https://go.dev"}`},
			}},
			{Role: "tool", ToolCallID: "call_0", Content: "page body"},
		},
	})
	require.NoError(t, err)
	require.Len(t, captured.Messages, 3)
	require.Len(t, captured.Messages[1].ToolCalls, 1)
	assert.Equal(t, "fetch_web_content", captured.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", captured.Messages[2].Role)
}

func TestOllamaChat_ErrorStatusIsGenerationError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	_, err := b.Chat(context.Background(), ChatRequest{Model: "m"})
	var genErr *serveerr.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "m", genErr.Model)
}

func TestOllamaChat_ConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	b := NewOllamaBackend(srv.URL)

	_, err := b.Chat(context.Background(), ChatRequest{Model: "m"})
	var connErr *serveerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ollama", connErr.Backend)
}

func TestOllamaListLoaded(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/ps", r.URL.Path)
		_, err := w.Write([]byte(`{"models":[{"name":"a:latest","model":"a:8b"},{"name":"b:latest","model":""}]}`))
		require.NoError(t, err)
	}))
	defer srv.Close()
	b := NewOllamaBackend(srv.URL)

	loaded, err := b.ListLoaded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:8b", "b:latest"}, loaded)
}

func TestKeepAliveString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", keepAliveString(0))
	assert.Equal(t, "-1", keepAliveString(-1))
	assert.Equal(t, "600s", keepAliveString(600))
}

func TestManagerUnload_ExternalIsNoOp(t *testing.T) {
	t.Parallel()
	m := NewManager()
	// No backend registered: an external unload must still succeed.
	assert.NoError(t, m.Unload(context.Background(), capabilities.BackendExternal, "hosted"))
	assert.Error(t, m.Unload(context.Background(), capabilities.BackendOllama, "local"))
}
