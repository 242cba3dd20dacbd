// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"log/slog"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/profile"
)

// ModelSource records where the resolved model choice came from.
type ModelSource string

const (
	SourceProfile ModelSource = "profile"
	SourceUser    ModelSource = "user"
	SourceRequest ModelSource = "request"
)

// UserPreferences are the user's stored settings, owned by the user store
// outside the core.
type UserPreferences struct {
	ModelID         string
	Temperature     *float32
	ThinkingEnabled *bool
}

// RequestOverrides are per-request settings carried on the inbound frame.
type RequestOverrides struct {
	ModelID         string
	Temperature     *float32
	ThinkingEnabled *bool
}

// ResolvedPreferences is the merged execution plan input. BypassRouting is
// set exactly when the model choice originates from the user or the
// request, never from the profile.
type ResolvedPreferences struct {
	ModelID                 string
	ModelSource             ModelSource
	Temperature             *float32
	ThinkingEnabled         *bool
	ArtifactExtractionModel string
	ArtifactDetectionModel  string
	BypassRouting           bool
}

// Resolver merges request overrides, stored user preferences and profile
// defaults. Precedence: request > user > profile, for model, temperature
// and thinking alike.
type Resolver struct {
	caps     *capabilities.Registry
	profiles *profile.Manager
}

// NewResolver creates a preference resolver.
func NewResolver(caps *capabilities.Registry, profiles *profile.Manager) *Resolver {
	return &Resolver{caps: caps, profiles: profiles}
}

// Resolve merges the three preference layers. An explicit model choice that
// does not exist in the capability registry, or that tripped the breaker
// while we are in fallback, is dropped back to the profile default rather
// than failing the request.
func (r *Resolver) Resolve(overrides RequestOverrides, user UserPreferences) ResolvedPreferences {
	active := r.profiles.ActiveProfile()
	resolved := ResolvedPreferences{
		ModelSource:             SourceProfile,
		ArtifactExtractionModel: active.ModelForRole(profile.RoleArtifactExtraction),
		ArtifactDetectionModel:  active.ModelForRole(profile.RoleRouter),
	}

	pick := func(model string, source ModelSource) bool {
		if model == "" {
			return false
		}
		if !r.caps.Has(model) {
			slog.Warn("Ignoring preference for unknown model", "model", model, "source", source)
			return false
		}
		if r.profiles.ModelBlocked(model) {
			slog.Warn("Ignoring preference for breaker-blocked model", "model", model, "source", source)
			return false
		}
		resolved.ModelID = model
		resolved.ModelSource = source
		resolved.BypassRouting = true
		return true
	}

	if !pick(overrides.ModelID, SourceRequest) {
		pick(user.ModelID, SourceUser)
	}

	switch {
	case overrides.Temperature != nil:
		resolved.Temperature = overrides.Temperature
	case user.Temperature != nil:
		resolved.Temperature = user.Temperature
	}
	switch {
	case overrides.ThinkingEnabled != nil:
		resolved.ThinkingEnabled = overrides.ThinkingEnabled
	case user.ThinkingEnabled != nil:
		resolved.ThinkingEnabled = user.ThinkingEnabled
	}
	return resolved
}
