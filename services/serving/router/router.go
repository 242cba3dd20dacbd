// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router classifies an incoming turn onto one of the specialist
// routes using a small router LLM, runs the lightweight artifact detectors,
// and resolves user preferences into an execution plan.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianServe/services/serving/backend"
	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/profile"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.serving.router")

// Route names the specialist that handles a turn.
type Route string

const (
	RouteSelfHandle Route = "SELF_HANDLE"
	RouteSimpleCode Route = "SIMPLE_CODE"
	RouteReasoning  Route = "REASONING"
	RouteResearch   Route = "RESEARCH"
	RouteMath       Route = "MATH"
)

var allRoutes = []Route{RouteSelfHandle, RouteSimpleCode, RouteReasoning, RouteResearch, RouteMath}

// ProcessingStep marks a pre- or post-processing stage attached to a route.
type ProcessingStep string

const (
	StepInputArtifact  ProcessingStep = "INPUT_ARTIFACT"
	StepOutputArtifact ProcessingStep = "OUTPUT_ARTIFACT"
)

// ClientKind distinguishes the two client surfaces.
type ClientKind string

const (
	ClientChat ClientKind = "chat"
	ClientWeb  ClientKind = "web"
)

// RouteConfig is the derived routing decision for one request. It may be
// reused across retries to skip re-classification.
type RouteConfig struct {
	Route          Route
	ModelID        string
	Preprocessing  []ProcessingStep
	Postprocessing []ProcessingStep
	FilteredPrompt string
	UserSelected   bool
	Source         ClientKind
}

// HasStep reports whether the config carries the given step in either
// phase.
func (rc RouteConfig) HasStep(step ProcessingStep) bool {
	for _, s := range rc.Preprocessing {
		if s == step {
			return true
		}
	}
	for _, s := range rc.Postprocessing {
		if s == step {
			return true
		}
	}
	return false
}

const classifyPrompt = `You are a routing classifier. Read the user message and output exactly one of these route names and nothing else:
SELF_HANDLE - greetings, small talk, trivial questions you can answer directly
SIMPLE_CODE - short, self-contained coding tasks
REASONING - general questions needing multi-step thought
RESEARCH - questions requiring current information from the web
MATH - mathematical problems and derivations

Output only the route name.`

const artifactDetectPrompt = `Does the user ask for output to be saved or produced as a file (source file, document, script)? Answer with exactly YES or NO.`

const rephrasePrompt = `Rewrite the user message with all filename and storage instructions removed ("save it to foo.md", "write a file called...", etc). Keep everything else unchanged. Output only the rewritten message.`

// Classifier drives the small router model.
type Classifier struct {
	backends *backend.Manager
	caps     *capabilities.Registry
	profiles *profile.Manager
}

// NewClassifier wires the classifier to the backend facade and the active
// profile.
func NewClassifier(backends *backend.Manager, caps *capabilities.Registry, profiles *profile.Manager) *Classifier {
	return &Classifier{backends: backends, caps: caps, profiles: profiles}
}

// ClassifyRequest produces a RouteConfig for a turn: route via the router
// LLM, artifact detection, optional prompt rephrasing, and execution model
// selection from the active role map.
//
// Classification is deterministic for identical profiles: the router model
// is called at temperature zero.
func (c *Classifier) ClassifyRequest(ctx context.Context, userMessage string, fileRefs []string, detectionModel string) (RouteConfig, error) {
	ctx, span := tracer.Start(ctx, "Classifier.ClassifyRequest")
	defer span.End()

	active := c.profiles.ActiveProfile()
	routerModel := active.ModelForRole(profile.RoleRouter)
	if routerModel == "" {
		return RouteConfig{}, &serveerr.ConfigError{Reason: "active profile has no router model"}
	}

	raw, err := c.callSmallModel(ctx, routerModel, classifyPrompt, userMessage)
	if err != nil {
		return RouteConfig{}, fmt.Errorf("route classification: %w", err)
	}
	route := parseRoute(raw)
	span.SetAttributes(attribute.String("route", string(route)))

	cfg := RouteConfig{Route: route}

	if len(fileRefs) > 0 {
		cfg.Preprocessing = append(cfg.Preprocessing, StepInputArtifact)
	}

	if detectionModel == "" {
		detectionModel = routerModel
	}
	wantsArtifact, err := c.detectOutputArtifact(ctx, detectionModel, userMessage)
	if err != nil {
		// Detection is advisory; a failure falls through to plain chat.
		slog.Warn("Output artifact detection failed", "error", err)
	}
	if wantsArtifact {
		cfg.Postprocessing = append(cfg.Postprocessing, StepOutputArtifact)
		filtered, err := c.callSmallModel(ctx, routerModel, rephrasePrompt, userMessage)
		if err != nil {
			slog.Warn("Prompt rephrasing failed, using original", "error", err)
		} else if strings.TrimSpace(filtered) != "" {
			cfg.FilteredPrompt = strings.TrimSpace(filtered)
		}
	}

	cfg.ModelID = modelForRoute(active, route)
	if cfg.ModelID == "" {
		return RouteConfig{}, &serveerr.ConfigError{
			Reason: fmt.Sprintf("active profile maps no model for route %s", route),
		}
	}
	return cfg, nil
}

// DetectArtifacts runs only the artifact detectors. Used when routing is
// bypassed by an explicit model choice: users can still request file
// output.
func (c *Classifier) DetectArtifacts(ctx context.Context, userMessage string, fileRefs []string, detectionModel string, cfg *RouteConfig) {
	if len(fileRefs) > 0 && !cfg.HasStep(StepInputArtifact) {
		cfg.Preprocessing = append(cfg.Preprocessing, StepInputArtifact)
	}
	if detectionModel == "" {
		detectionModel = c.profiles.ActiveProfile().ModelForRole(profile.RoleRouter)
	}
	if detectionModel == "" {
		return
	}
	wantsArtifact, err := c.detectOutputArtifact(ctx, detectionModel, userMessage)
	if err != nil {
		slog.Warn("Output artifact detection failed", "error", err)
		return
	}
	if wantsArtifact && !cfg.HasStep(StepOutputArtifact) {
		cfg.Postprocessing = append(cfg.Postprocessing, StepOutputArtifact)
	}
}

func (c *Classifier) detectOutputArtifact(ctx context.Context, model, userMessage string) (bool, error) {
	raw, err := c.callSmallModel(ctx, model, artifactDetectPrompt, userMessage)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToUpper(raw), "YES"), nil
}

func (c *Classifier) callSmallModel(ctx context.Context, modelID, system, user string) (string, error) {
	cap, err := c.caps.Get(modelID)
	if err != nil {
		return "", err
	}
	b, err := c.backends.Get(cap.Backend)
	if err != nil {
		return "", err
	}
	zero := float32(0)
	result, err := b.Chat(ctx, backend.ChatRequest{
		Model: modelID,
		Messages: []backend.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Params:           backend.GenerationParams{Temperature: &zero},
		KeepAliveSeconds: cap.KeepAliveSeconds,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// parseRoute resolves the model's answer: exact match, then first
// substring hit, then the REASONING default.
func parseRoute(raw string) Route {
	answer := strings.ToUpper(strings.TrimSpace(raw))
	for _, r := range allRoutes {
		if answer == string(r) {
			return r
		}
	}
	for _, r := range allRoutes {
		if strings.Contains(answer, string(r)) {
			return r
		}
	}
	slog.Debug("Router model answer did not match any route, defaulting", "answer", raw)
	return RouteReasoning
}

// modelForRoute maps a route to the active profile's role assignment.
// SELF_HANDLE is answered by the router model itself.
func modelForRoute(p profile.Profile, route Route) string {
	switch route {
	case RouteSelfHandle:
		return p.ModelForRole(profile.RoleRouter)
	case RouteSimpleCode:
		return p.ModelForRole(profile.RoleCoder)
	case RouteReasoning:
		return p.ModelForRole(profile.RoleReasoning)
	case RouteResearch:
		return p.ModelForRole(profile.RoleResearch)
	case RouteMath:
		return p.ModelForRole(profile.RoleMath)
	default:
		return p.ModelForRole(profile.RoleReasoning)
	}
}

// FetchLimitForRoute returns the active profile's web-fetch budget for a
// route; -1 means unlimited.
func FetchLimitForRoute(p profile.Profile, route Route) int {
	if limit, ok := p.FetchLimits[string(route)]; ok {
		return limit
	}
	return -1
}
