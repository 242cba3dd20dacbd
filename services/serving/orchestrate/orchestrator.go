// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrate conducts one request end to end: preference
// resolution, routing, VRAM admission, generation, artifact extraction,
// reference injection and persistence. It implements queue.Processor.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/agent"
	"github.com/AleutianAI/AleutianServe/services/serving/backend"
	"github.com/AleutianAI/AleutianServe/services/serving/observability"
	"github.com/AleutianAI/AleutianServe/services/serving/profile"
	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/AleutianAI/AleutianServe/services/serving/router"
	"github.com/AleutianAI/AleutianServe/services/serving/store"
	"github.com/AleutianAI/AleutianServe/services/serving/vram"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.serving.orchestrate")

// historyLimit bounds how many persisted turns feed back into context.
const historyLimit = 20

// PreferenceProvider looks up stored user preferences. Implemented by the
// user store; the zero-value NoPreferences works for anonymous traffic.
type PreferenceProvider interface {
	PreferencesFor(ctx context.Context, userID string) router.UserPreferences
}

// NoPreferences returns empty preferences for every user.
type NoPreferences struct{}

func (NoPreferences) PreferencesFor(context.Context, string) router.UserPreferences {
	return router.UserPreferences{}
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	classifier *router.Classifier
	resolver   *router.Resolver
	profiles   *profile.Manager
	vram       *vram.Orchestrator
	runner     *agent.Runner
	prompts    *agent.PromptBuilder
	fetcher    agent.Fetcher
	prefs      PreferenceProvider
	history    store.ConversationStore
	metrics    *observability.ServingMetrics
}

// New creates the orchestrator. fetcher, prefs, history and metrics may be
// nil; the corresponding stage is skipped.
func New(
	classifier *router.Classifier,
	resolver *router.Resolver,
	profiles *profile.Manager,
	vramOrch *vram.Orchestrator,
	runner *agent.Runner,
	fetcher agent.Fetcher,
	prefs PreferenceProvider,
	history store.ConversationStore,
	metrics *observability.ServingMetrics,
) *Orchestrator {
	if prefs == nil {
		prefs = NoPreferences{}
	}
	return &Orchestrator{
		classifier: classifier,
		resolver:   resolver,
		profiles:   profiles,
		vram:       vramOrch,
		runner:     runner,
		prompts:    agent.NewPromptBuilder(),
		fetcher:    fetcher,
		prefs:      prefs,
		history:    history,
		metrics:    metrics,
	}
}

// Process handles one request without streaming.
func (o *Orchestrator) Process(ctx context.Context, req *queue.Request) (*queue.Result, error) {
	return o.run(ctx, req, nil)
}

// ProcessStream handles one request, forwarding visible deltas to onDelta.
func (o *Orchestrator) ProcessStream(ctx context.Context, req *queue.Request, onDelta func(delta string) error) (*queue.Result, error) {
	return o.run(ctx, req, onDelta)
}

func (o *Orchestrator) run(ctx context.Context, req *queue.Request, onDelta func(delta string) error) (*queue.Result, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.Bool("streaming", onDelta != nil),
	)

	// Preferences resolve once per request; routing, admission and the plan
	// all read the same snapshot.
	resolved := o.resolver.Resolve(req.Overrides, o.prefs.PreferencesFor(ctx, req.UserID))

	route, err := o.resolveRoute(ctx, req, resolved)
	if err != nil {
		o.observe(req, "error")
		return nil, err
	}
	span.SetAttributes(attribute.String("route", string(route.Route)),
		attribute.String("llm.model", route.ModelID))

	if err := o.vram.RequestModelLoad(ctx, route.ModelID, vram.LoadOptions{
		Temperature: resolved.Temperature,
	}); err != nil {
		o.observe(req, "error")
		return nil, err
	}

	plan := o.buildPlan(ctx, req, route, resolved)

	var output *agent.Output
	if onDelta != nil {
		if o.metrics != nil {
			o.metrics.ActiveStreams.Inc()
			defer o.metrics.ActiveStreams.Dec()
		}
		output, err = o.runner.Stream(ctx, plan, onDelta)
	} else {
		output, err = o.runner.Generate(ctx, plan)
	}
	if err != nil {
		o.observe(req, "error")
		return nil, err
	}

	content := agent.InjectReferences(output.Content, output.References)

	var artifacts []queue.Artifact
	if route.HasStep(router.StepOutputArtifact) {
		content, artifacts = extractArtifacts(content, req.Message)
	}

	o.persistTurns(ctx, req, route.ModelID, content)
	o.recordMetrics(req, route, output)

	return &queue.Result{
		Content:   content,
		Artifacts: artifacts,
		Metrics:   buildMetrics(output),
	}, nil
}

// resolveRoute returns the cached RouteConfig when a retry carries one,
// otherwise classifies or bypasses per the resolved preferences.
func (o *Orchestrator) resolveRoute(ctx context.Context, req *queue.Request, resolved router.ResolvedPreferences) (*router.RouteConfig, error) {
	if req.Route != nil {
		slog.Debug("Reusing cached route", "request_id", req.ID, "route", req.Route.Route)
		return req.Route, nil
	}

	fileRefs := make([]string, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		fileRefs = append(fileRefs, a.ID)
	}

	var cfg router.RouteConfig
	if resolved.BypassRouting {
		cfg = router.RouteConfig{
			Route:        router.RouteReasoning,
			ModelID:      resolved.ModelID,
			UserSelected: true,
			Source:       req.ClientKind,
		}
		o.classifier.DetectArtifacts(ctx, req.Message, fileRefs, resolved.ArtifactDetectionModel, &cfg)
	} else {
		var err error
		cfg, err = o.classifier.ClassifyRequest(ctx, req.Message, fileRefs, resolved.ArtifactDetectionModel)
		if err != nil {
			return nil, fmt.Errorf("routing request %s: %w", req.ID, err)
		}
		cfg.Source = req.ClientKind
	}
	req.Route = &cfg
	return req.Route, nil
}

func (o *Orchestrator) buildPlan(ctx context.Context, req *queue.Request, route *router.RouteConfig, resolved router.ResolvedPreferences) agent.Plan {
	userMessage := req.Message
	if route.FilteredPrompt != "" {
		userMessage = route.FilteredPrompt
	}

	var tools *agent.ToolSession
	research := route.Route == router.RouteResearch
	if research && o.fetcher != nil {
		budget := router.FetchLimitForRoute(o.profiles.ActiveProfile(), route.Route)
		tools = agent.NewToolSession(o.fetcher, budget)
	}

	plan := agent.Plan{
		ModelID:         route.ModelID,
		UserMessage:     userMessage,
		Temperature:     resolved.Temperature,
		ThinkingEnabled: resolved.ThinkingEnabled,
		Tools:           tools,
		SystemPrompt: o.prompts.Build(agent.PromptSpec{
			RoleInstructions: roleInstructions(route.Route),
			ArtifactOutput:   route.HasStep(router.StepOutputArtifact),
			WebResearch:      research,
		}),
		SuppressStatusLines: true,
	}
	plan.History = o.loadHistory(ctx, req.ConversationID)
	return plan
}

func (o *Orchestrator) loadHistory(ctx context.Context, conversationID string) []backend.Message {
	if o.history == nil || conversationID == "" {
		return nil
	}
	turns, err := o.history.History(ctx, conversationID, historyLimit)
	if err != nil {
		slog.Warn("Loading conversation history failed, continuing without",
			"conversation_id", conversationID, "error", err)
		return nil
	}
	messages := make([]backend.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, backend.Message{Role: t.Role, Content: t.Content})
	}
	return messages
}

func (o *Orchestrator) persistTurns(ctx context.Context, req *queue.Request, modelID, content string) {
	if o.history == nil || req.ConversationID == "" {
		return
	}
	now := time.Now()
	turns := []store.Turn{
		{ConversationID: req.ConversationID, UserID: req.UserID, Role: "user",
			Content: req.Message, CreatedAt: now},
		{ConversationID: req.ConversationID, UserID: req.UserID, Role: "assistant",
			Content: content, ModelID: modelID, CreatedAt: now.Add(time.Millisecond)},
	}
	for _, t := range turns {
		if err := o.history.AppendTurn(ctx, t); err != nil {
			slog.Warn("Persisting turn failed", "conversation_id", req.ConversationID, "error", err)
			return
		}
	}
}

func (o *Orchestrator) observe(req *queue.Request, status string) {
	if o.metrics == nil {
		return
	}
	routeName := "unknown"
	if req.Route != nil {
		routeName = string(req.Route.Route)
	}
	o.metrics.ObserveRequest(routeName, status)
}

func (o *Orchestrator) recordMetrics(req *queue.Request, route *router.RouteConfig, output *agent.Output) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveRequest(string(route.Route), "success")
	o.metrics.ObserveTokens(route.ModelID, output.Usage.PromptTokens, output.Usage.CompletionTokens)
	o.metrics.ObserveGeneration(route.ModelID, "success", output.FirstToken, output.Duration)
}

func buildMetrics(output *agent.Output) queue.Metrics {
	m := queue.Metrics{
		InputTokens:   output.Usage.PromptTokens,
		OutputTokens:  output.Usage.CompletionTokens,
		ThinkingChars: output.ThinkingChars,
		Duration:      output.Duration,
	}
	if output.Duration > 0 {
		m.TokensPerSecond = float64(m.OutputTokens) / output.Duration.Seconds()
	}
	return m
}

func roleInstructions(route router.Route) string {
	switch route {
	case router.RouteSimpleCode:
		return "Write complete, runnable code. Prefer small, direct solutions and note assumptions briefly."
	case router.RouteMath:
		return "Work step by step and state the final answer clearly at the end."
	case router.RouteResearch:
		return "Ground every claim in fetched sources. Prefer primary sources and recent pages."
	case router.RouteSelfHandle:
		return "Answer briefly and conversationally."
	default:
		return ""
	}
}

var (
	artifactBlockPattern = regexp.MustCompile(`(?s)===FILE===\n(.*?)\n?===END===`)
	filenamePattern      = regexp.MustCompile(`[\w./-]+\.[A-Za-z0-9]{1,8}`)
)

// extractArtifacts pulls ===FILE=== blocks out of the response. The
// filename comes from the user's own instruction when one is present,
// otherwise a numbered default.
func extractArtifacts(content, userMessage string) (string, []queue.Artifact) {
	matches := artifactBlockPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	requested := filenamePattern.FindAllString(userMessage, -1)
	artifacts := make([]queue.Artifact, 0, len(matches))
	for i, m := range matches {
		name := fmt.Sprintf("output-%d.md", i+1)
		if i < len(requested) {
			name = requested[i]
		}
		artifacts = append(artifacts, queue.Artifact{Filename: name, Content: m[1]})
	}
	stripped := artifactBlockPattern.ReplaceAllString(content, "")
	return strings.TrimSpace(stripped), artifacts
}
