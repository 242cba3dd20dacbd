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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var oaiTracer = otel.Tracer("aleutian.serving.backend.openai")

// OpenAICompatBackend drives any server speaking the OpenAI chat completion
// API: vLLM, SGLang, TRT-LLM's OpenAI frontend, llama.cpp's server. These
// engines load a model when it is first requested; Load therefore warms
// with a one-token completion and Unload is a no-op unless the server
// exposes the de-facto /v1/models unload extension (vLLM's sleep mode and
// friends are not portable, so we do not attempt them).
type OpenAICompatBackend struct {
	kind   capabilities.BackendKind
	client *openai.Client
}

// NewOpenAICompatBackend creates a driver for the OpenAI-compatible server
// at baseURL. The API key may be empty for local servers.
func NewOpenAICompatBackend(baseURL, apiKey string) *OpenAICompatBackend {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	return &OpenAICompatBackend{
		kind:   capabilities.BackendOpenAICompat,
		client: openai.NewClientWithConfig(cfg),
	}
}

// NewExternalBackend wraps an OpenAI-compatible server whose lifecycle we
// do not control. Load and Unload become no-ops; chat traffic still flows.
func NewExternalBackend(baseURL, apiKey string) *OpenAICompatBackend {
	b := NewOpenAICompatBackend(baseURL, apiKey)
	b.kind = capabilities.BackendExternal
	return b
}

func (b *OpenAICompatBackend) Kind() capabilities.BackendKind { return b.kind }

// Load warms the model with a single-token completion. External servers
// are left alone.
func (b *OpenAICompatBackend) Load(ctx context.Context, modelID string, _ int) error {
	if b.kind == capabilities.BackendExternal {
		return nil
	}
	ctx, span := oaiTracer.Start(ctx, "OpenAICompatBackend.Load")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", modelID))

	_, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return wrapOpenAIErr("openai", modelID, err)
	}
	slog.Info("Warmed OpenAI-compatible model", "model", modelID)
	return nil
}

// Unload is a no-op: OpenAI-style servers own their residency. The VRAM
// orchestrator still unregisters the slot, and reconciliation keeps the
// registry honest.
func (b *OpenAICompatBackend) Unload(_ context.Context, modelID string) error {
	slog.Debug("Unload requested on OpenAI-compatible backend, no-op", "model", modelID)
	return nil
}

// ListLoaded returns the server's served model list.
func (b *OpenAICompatBackend) ListLoaded(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, &serveerr.ConnectionError{Backend: string(b.kind), Err: err}
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, m.ID)
	}
	return out, nil
}

// Chat performs a non-streaming completion.
func (b *OpenAICompatBackend) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	ctx, span := oaiTracer.Start(ctx, "OpenAICompatBackend.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	if err != nil {
		return ChatResult{}, wrapOpenAIErr(string(b.kind), req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, &serveerr.GenerationError{
			Model: req.Model,
			Err:   errors.New("completion returned no choices"),
		}
	}
	choice := resp.Choices[0]
	return ChatResult{
		Content:   choice.Message.Content,
		ToolCalls: convertOpenAIToolCalls(choice.Message.ToolCalls),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// StreamChat performs a streaming completion. Tool-call deltas are
// accumulated by index and emitted once complete on the final frame.
func (b *OpenAICompatBackend) StreamChat(ctx context.Context, req ChatRequest, fn StreamFunc) (ChatResult, error) {
	ctx, span := oaiTracer.Start(ctx, "OpenAICompatBackend.StreamChat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	oaiReq := b.buildRequest(req, true)
	stream, err := b.client.CreateChatCompletionStream(ctx, oaiReq)
	if err != nil {
		return ChatResult{}, wrapOpenAIErr(string(b.kind), req.Model, err)
	}
	defer stream.Close()

	var result ChatResult
	var content strings.Builder
	pendingCalls := make(map[int]*ToolCall)

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ChatResult{}, wrapOpenAIErr(string(b.kind), req.Model, err)
		}
		if frame.Usage != nil {
			result.Usage.PromptTokens = frame.Usage.PromptTokens
			result.Usage.CompletionTokens = frame.Usage.CompletionTokens
		}
		if len(frame.Choices) == 0 {
			continue
		}
		delta := frame.Choices[0].Delta
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := pendingCalls[idx]
			if !ok {
				call = &ToolCall{ID: tc.ID}
				pendingCalls[idx] = call
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
		if delta.Content == "" {
			continue
		}
		content.WriteString(delta.Content)
		if err := fn(StreamChunk{Content: delta.Content}); err != nil {
			return ChatResult{}, err
		}
	}

	for idx := 0; idx < len(pendingCalls); idx++ {
		if call, ok := pendingCalls[idx]; ok {
			result.ToolCalls = append(result.ToolCalls, *call)
		}
	}
	result.Content = content.String()
	if err := fn(StreamChunk{Done: true, ToolCalls: result.ToolCalls}); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

func (b *OpenAICompatBackend) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.ToolCallID != "" {
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Params.Temperature != nil {
		out.Temperature = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		out.TopP = *req.Params.TopP
	}
	if req.Params.MaxTokens != nil {
		out.MaxTokens = *req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		out.Stop = req.Params.Stop
	}
	for _, t := range req.Tools {
		params, _ := json.Marshal(t.Parameters)
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}

func convertOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}

// wrapOpenAIErr distinguishes transport failures from structured API
// failures so the circuit breaker sees the right class.
func wrapOpenAIErr(backendName, model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &serveerr.GenerationError{
			Model: model,
			Err:   fmt.Errorf("API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message),
		}
	}
	return &serveerr.ConnectionError{Backend: backendName, Err: err}
}
