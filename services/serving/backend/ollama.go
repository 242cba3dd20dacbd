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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ollamaTracer = otel.Tracer("aleutian.serving.backend.ollama")

// OllamaBackend drives a local Ollama server over its native API.
//
// Residency is controlled through keep_alive: loading sends a minimal chat
// request with the model's keep-alive hint, unloading sends keep_alive=0.
// Ollama otherwise evicts on its own schedule, which is exactly the
// thrashing the VRAM orchestrator exists to prevent, so every request pins
// keep_alive explicitly.
type OllamaBackend struct {
	baseURL    string
	httpClient *http.Client
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Options   map[string]any  `json:"options,omitempty"`
	Tools     []ollamaTool    `json:"tools,omitempty"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Think     any             `json:"think,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaPSResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// NewOllamaBackend creates a driver for the Ollama server at baseURL.
func NewOllamaBackend(baseURL string) *OllamaBackend {
	return &OllamaBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Long timeout: the first request after a load pays the full model
		// transfer to VRAM.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *OllamaBackend) Kind() capabilities.BackendKind { return capabilities.BackendOllama }

// Load warms the model with a minimal request carrying the keep-alive
// hint, so the first real generation does not pay cold-start latency.
func (o *OllamaBackend) Load(ctx context.Context, modelID string, keepAliveSeconds int) error {
	ctx, span := ollamaTracer.Start(ctx, "OllamaBackend.Load")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", modelID))

	start := time.Now()
	req := ollamaChatRequest{
		Model:     modelID,
		Messages:  []ollamaMessage{{Role: "user", Content: "ping"}},
		Stream:    false,
		Options:   map[string]any{"num_predict": 1},
		KeepAlive: keepAliveString(keepAliveSeconds),
	}
	if _, err := o.doChat(ctx, req); err != nil {
		return fmt.Errorf("warming model %s: %w", modelID, err)
	}
	slog.Info("Warmed Ollama model", "model", modelID,
		"load_duration", time.Since(start), "keep_alive", req.KeepAlive)
	return nil
}

// Unload asks Ollama to drop the model immediately via keep_alive=0.
func (o *OllamaBackend) Unload(ctx context.Context, modelID string) error {
	slog.Info("Unloading Ollama model", "model", modelID)
	req := ollamaChatRequest{
		Model:     modelID,
		Messages:  []ollamaMessage{{Role: "user", Content: "bye"}},
		Stream:    false,
		Options:   map[string]any{"num_predict": 1},
		KeepAlive: "0",
	}
	if _, err := o.doChat(ctx, req); err != nil {
		return fmt.Errorf("unloading model %s: %w", modelID, err)
	}
	return nil
}

// ListLoaded queries /api/ps for the models Ollama actually has resident.
func (o *OllamaBackend) ListLoaded(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/ps", nil)
	if err != nil {
		return nil, fmt.Errorf("creating ps request: %w", err)
	}
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, &serveerr.ConnectionError{Backend: "ollama", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading ps response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ps failed with status %d: %s", resp.StatusCode, string(body))
	}
	var ps ollamaPSResponse
	if err := json.Unmarshal(body, &ps); err != nil {
		return nil, fmt.Errorf("parsing ps response: %w", err)
	}
	loaded := make([]string, 0, len(ps.Models))
	for _, m := range ps.Models {
		name := m.Model
		if name == "" {
			name = m.Name
		}
		loaded = append(loaded, name)
	}
	return loaded, nil
}

// Chat performs a non-streaming completion.
func (o *OllamaBackend) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaBackend.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	resp, err := o.doChat(ctx, o.buildRequest(req, false))
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		Content:   resp.Message.Content,
		ToolCalls: convertToolCalls(resp.Message.ToolCalls),
		Usage: Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		},
	}, nil
}

// StreamChat performs a streaming completion over NDJSON, invoking fn for
// every frame that carries content or tool calls.
func (o *OllamaBackend) StreamChat(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResult, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaBackend.StreamChat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	body, err := json.Marshal(o.buildRequest(req, true))
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshaling chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return ChatResult{}, &serveerr.ConnectionError{Backend: "ollama", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return ChatResult{}, &serveerr.GenerationError{
			Model: req.Model,
			Err:   fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, string(msg)),
		}
	}

	var result ChatResult
	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame ollamaChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("Skipping malformed stream frame", "error", err)
			continue
		}
		chunk := StreamChunk{
			Content:   frame.Message.Content,
			ToolCalls: convertToolCalls(frame.Message.ToolCalls),
			Done:      frame.Done,
		}
		content.WriteString(chunk.Content)
		result.ToolCalls = append(result.ToolCalls, chunk.ToolCalls...)
		if frame.Done {
			result.Usage.PromptTokens = frame.PromptEvalCount
			result.Usage.CompletionTokens = frame.EvalCount
		}
		if err := fn(chunk); err != nil {
			return ChatResult{}, err
		}
		if frame.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResult{}, &serveerr.ConnectionError{Backend: "ollama", Err: err}
	}
	result.Content = content.String()
	return result, nil
}

func (o *OllamaBackend) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if m.ToolCallID != "" {
			role = "tool"
		}
		om := ollamaMessage{Role: role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = json.RawMessage(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		messages = append(messages, om)
	}
	out := ollamaChatRequest{
		Model:     req.Model,
		Messages:  messages,
		Stream:    stream,
		Options:   buildOllamaOptions(req.Params),
		KeepAlive: keepAliveString(req.KeepAliveSeconds),
		Think:     req.Params.Thinking,
	}
	for _, t := range req.Tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	return out
}

func (o *OllamaBackend) doChat(ctx context.Context, req ollamaChatRequest) (*ollamaChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, &serveerr.ConnectionError{Backend: "ollama", Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &serveerr.GenerationError{
			Model: req.Model,
			Err:   fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, string(respBody)),
		}
	}
	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing chat response: %w", err)
	}
	return &chatResp, nil
}

func buildOllamaOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func convertToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for i, c := range calls {
		out = append(out, ToolCall{
			ID:        "call_" + strconv.Itoa(i),
			Name:      c.Function.Name,
			Arguments: string(c.Function.Arguments),
		})
	}
	return out
}

// keepAliveString converts seconds to Ollama's keep_alive syntax; negative
// means pin forever.
func keepAliveString(seconds int) string {
	if seconds == 0 {
		return ""
	}
	if seconds < 0 {
		return "-1"
	}
	return strconv.Itoa(seconds) + "s"
}
