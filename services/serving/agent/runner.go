// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/backend"
	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"github.com/AleutianAI/AleutianServe/services/serving/vram"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.serving.agent")

// maxToolIterations bounds the generate/tool-call loop per turn.
const maxToolIterations = 8

// Plan is everything one generation needs, resolved upstream.
type Plan struct {
	ModelID         string
	SystemPrompt    string
	History         []backend.Message
	UserMessage     string
	Temperature     *float32
	ThinkingEnabled *bool
	// Tools is nil when the route offers no tools.
	Tools *ToolSession
	// SuppressStatusLines arms the output filter that drops model-imitated
	// status indicators; set when a real status line already went out.
	SuppressStatusLines bool
}

// Output is the filtered result of one generation.
type Output struct {
	Content       string
	ThinkingChars int
	References    []Reference
	Usage         backend.Usage
	Duration      time.Duration
	// FirstToken is the latency to the first visible delta; zero for
	// non-streaming runs.
	FirstToken time.Duration
}

// Runner executes a plan against a backend, owning residency bookkeeping
// for the model it drives: it touches the slot on every engine call and
// reports a crash when any call fails.
type Runner struct {
	backends *backend.Manager
	caps     *capabilities.Registry
	vram     *vram.Orchestrator
	now      func() time.Time
}

// NewRunner wires the runner.
func NewRunner(backends *backend.Manager, caps *capabilities.Registry, orch *vram.Orchestrator) *Runner {
	return &Runner{backends: backends, caps: caps, vram: orch, now: time.Now}
}

// Stream runs the plan with streaming output. Visible deltas (after
// thinking-strip, spacing repair and status suppression) go to onDelta as
// they arrive. A stream that ends with no visible content returns
// EmptyStreamError so the caller can retry non-streaming.
//
// Any engine failure marks the model crashed with the orchestrator before
// returning; a caller-initiated cancellation does not.
func (r *Runner) Stream(ctx context.Context, plan Plan, onDelta func(delta string) error) (out *Output, err error) {
	ctx, span := tracer.Start(ctx, "Runner.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", plan.ModelID))
	defer func() { r.reportCrash(ctx, plan.ModelID, err) }()

	start := r.now()
	_, b, req, err := r.prepare(plan)
	if err != nil {
		return nil, err
	}

	stripper := NewThinkingStripper()
	suppressor := NewStatusLineSuppressor()
	if plan.SuppressStatusLines {
		suppressor.MarkStatusSent()
	}
	pipeline := NewFilterPipeline(stripper, NewSpacingFixer(), suppressor)

	var visible strings.Builder
	var usage backend.Usage
	var firstToken time.Duration
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		if visible.Len() == 0 {
			firstToken = r.now().Sub(start)
		}
		visible.WriteString(text)
		return onDelta(text)
	}

	for iter := 0; iter < maxToolIterations; iter++ {
		r.vram.MarkModelAccessed(plan.ModelID)
		result, callErr := b.StreamChat(ctx, req, func(chunk backend.StreamChunk) error {
			if chunk.Content == "" {
				return nil
			}
			return emit(pipeline.Process(chunk.Content))
		})
		if callErr != nil {
			return nil, callErr
		}
		usage.PromptTokens += result.Usage.PromptTokens
		usage.CompletionTokens += result.Usage.CompletionTokens

		if len(result.ToolCalls) == 0 || plan.Tools == nil {
			break
		}
		req.Messages = r.appendToolRound(ctx, req.Messages, result, plan.Tools)
	}

	if flushErr := emit(pipeline.Flush()); flushErr != nil {
		return nil, flushErr
	}
	if strings.TrimSpace(visible.String()) == "" {
		return nil, &serveerr.EmptyStreamError{Model: plan.ModelID}
	}
	out = r.output(plan, visible.String(), stripper.StrippedChars(), usage, start)
	out.FirstToken = firstToken
	return out, nil
}

// Generate runs the plan without streaming. Thinking spans are stripped
// from the complete text; an empty visible result is still reported as
// EmptyStreamError so retry accounting stays uniform.
func (r *Runner) Generate(ctx context.Context, plan Plan) (out *Output, err error) {
	ctx, span := tracer.Start(ctx, "Runner.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", plan.ModelID))
	defer func() { r.reportCrash(ctx, plan.ModelID, err) }()

	start := r.now()
	_, b, req, err := r.prepare(plan)
	if err != nil {
		return nil, err
	}

	stripper := NewThinkingStripper()
	var visible strings.Builder
	var usage backend.Usage

	for iter := 0; iter < maxToolIterations; iter++ {
		r.vram.MarkModelAccessed(plan.ModelID)
		result, callErr := b.Chat(ctx, req)
		if callErr != nil {
			return nil, callErr
		}
		usage.PromptTokens += result.Usage.PromptTokens
		usage.CompletionTokens += result.Usage.CompletionTokens
		visible.WriteString(stripper.Process(result.Content))

		if len(result.ToolCalls) == 0 || plan.Tools == nil {
			break
		}
		req.Messages = r.appendToolRound(ctx, req.Messages, result, plan.Tools)
	}
	visible.WriteString(stripper.Flush())

	if strings.TrimSpace(visible.String()) == "" {
		return nil, &serveerr.EmptyStreamError{Model: plan.ModelID}
	}
	return r.output(plan, visible.String(), stripper.StrippedChars(), usage, start), nil
}

// prepare resolves the capability record and builds the initial request.
func (r *Runner) prepare(plan Plan) (capabilities.ModelCapability, backend.Backend, backend.ChatRequest, error) {
	cap, err := r.caps.Get(plan.ModelID)
	if err != nil {
		return capabilities.ModelCapability{}, nil, backend.ChatRequest{}, err
	}
	b, err := r.backends.Get(cap.Backend)
	if err != nil {
		return capabilities.ModelCapability{}, nil, backend.ChatRequest{}, err
	}

	messages := make([]backend.Message, 0, len(plan.History)+2)
	if plan.SystemPrompt != "" {
		messages = append(messages, backend.Message{Role: "system", Content: plan.SystemPrompt})
	}
	messages = append(messages, plan.History...)
	messages = append(messages, backend.Message{Role: "user", Content: plan.UserMessage})

	req := backend.ChatRequest{
		Model:    plan.ModelID,
		Messages: messages,
		Params: backend.GenerationParams{
			Temperature: plan.Temperature,
			Thinking:    thinkingParam(cap, plan.ThinkingEnabled),
		},
		KeepAliveSeconds: cap.KeepAliveSeconds,
	}
	if plan.Tools != nil && cap.SupportsTools {
		req.Tools = plan.Tools.Specs()
	}
	return cap, b, req, nil
}

// appendToolRound replays the assistant's tool request and appends one tool
// result message per call.
func (r *Runner) appendToolRound(ctx context.Context, messages []backend.Message, result backend.ChatResult, tools *ToolSession) []backend.Message {
	messages = append(messages, backend.Message{
		Role:      "assistant",
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
	})
	for _, call := range result.ToolCalls {
		messages = append(messages, backend.Message{
			Role:       "tool",
			Content:    tools.Execute(ctx, call),
			ToolCallID: call.ID,
		})
	}
	return messages
}

func (r *Runner) output(plan Plan, content string, thinkingChars int, usage backend.Usage, start time.Time) *Output {
	out := &Output{
		Content:       content,
		ThinkingChars: thinkingChars,
		Usage:         usage,
		Duration:      r.now().Sub(start),
	}
	if plan.Tools != nil {
		out.References = plan.Tools.References()
	}
	return out
}

// reportCrash marks the model crashed for any failure except cancellation,
// which is the caller's doing and says nothing about engine health.
func (r *Runner) reportCrash(ctx context.Context, modelID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, serveerr.ErrCancelled) {
		return
	}
	r.vram.MarkModelUnloaded(context.WithoutCancel(ctx), modelID, true, err.Error())
}

// thinkingParam maps the resolved preference onto the model's reasoning
// toggle shape. Models without a reasoning mode get no parameter at all.
func thinkingParam(cap capabilities.ModelCapability, enabled *bool) any {
	if !cap.SupportsThinking {
		return nil
	}
	on := true
	if enabled != nil {
		on = *enabled
	}
	switch cap.ThinkingFormat {
	case capabilities.ThinkingLevel:
		if !on {
			return nil
		}
		level := cap.DefaultThinkingLevel
		if level == "" {
			level = "medium"
		}
		return level
	default:
		return on
	}
}
