// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the serving configuration document
// and converts it into the runtime types the core consumes.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/profile"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Document is the full YAML configuration.
type Document struct {
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	VRAM     VRAMConfig     `yaml:"vram"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Backends BackendsConfig `yaml:"backends"`
	Store    StoreConfig    `yaml:"store"`
	Fetcher  FetcherConfig  `yaml:"fetcher"`

	Models        []ModelConfig   `yaml:"models" validate:"required,min=1,dive"`
	Profiles      []ProfileConfig `yaml:"profiles" validate:"required,min=1,dive"`
	ActiveProfile string          `yaml:"active_profile" validate:"required"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr" validate:"required"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// QueueConfig covers admission.
type QueueConfig struct {
	MaxSize    int  `yaml:"max_size" validate:"required,min=1"`
	MaxRetries int  `yaml:"max_retries" validate:"min=0"`
	Streaming  bool `yaml:"streaming"`
}

// VRAMConfig covers orchestrator tunables not owned by the profile.
type VRAMConfig struct {
	BufferGB             float64 `yaml:"buffer_gb" validate:"min=0"`
	FlushThresholdGB     float64 `yaml:"flush_threshold_gb" validate:"min=0"`
	PressureThresholdPct float64 `yaml:"pressure_threshold_pct" validate:"min=0,max=100"`
}

// BreakerConfig covers the circuit breaker.
type BreakerConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds" validate:"min=0"`
	Threshold     int  `yaml:"threshold" validate:"min=0"`
}

// BackendsConfig names the serving engines.
type BackendsConfig struct {
	OllamaURL      string `yaml:"ollama_url"`
	OpenAIURL      string `yaml:"openai_url"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	ExternalURL    string `yaml:"external_url"`
	ExternalAPIKey string `yaml:"external_api_key"`
}

// StoreConfig covers embedded persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FetcherConfig names the web-fetch sidecar.
type FetcherConfig struct {
	URL string `yaml:"url"`
}

// ModelConfig is one capability record in YAML form.
type ModelConfig struct {
	ID                   string  `yaml:"id" validate:"required"`
	Backend              string  `yaml:"backend" validate:"required,oneof=ollama openai external"`
	Endpoint             string  `yaml:"endpoint"`
	SizeGB               float64 `yaml:"size_gb" validate:"min=0"`
	Priority             string  `yaml:"priority" validate:"omitempty,oneof=critical high normal low"`
	SupportsTools        bool    `yaml:"supports_tools"`
	SupportsThinking     bool    `yaml:"supports_thinking"`
	SupportsVision       bool    `yaml:"supports_vision"`
	ThinkingFormat       string  `yaml:"thinking_format" validate:"omitempty,oneof=bool level"`
	DefaultThinkingLevel string  `yaml:"default_thinking_level"`
	KeepAliveSeconds     int     `yaml:"keep_alive_seconds"`
	External             bool    `yaml:"external"`
}

// ProfileConfig is one serving profile in YAML form.
type ProfileConfig struct {
	Name            string            `yaml:"name" validate:"required"`
	SoftLimitGB     float64           `yaml:"soft_limit_gb" validate:"required,gt=0"`
	HardLimitGB     float64           `yaml:"hard_limit_gb" validate:"required,gt=0"`
	Roles           map[string]string `yaml:"roles" validate:"required"`
	FetchLimits     map[string]int    `yaml:"fetch_limits"`
	FallbackProfile string            `yaml:"fallback_profile"`
	Conservative    bool              `yaml:"conservative"`
}

var validate = validator.New()

// Load reads, env-overrides and validates the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	doc.applyEnvOverrides()
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &doc, nil
}

// applyEnvOverrides lets deployment environments override endpoints and
// secrets without editing the document.
func (d *Document) applyEnvOverrides() {
	if v := os.Getenv("ALEUTIAN_LISTEN_ADDR"); v != "" {
		d.Server.ListenAddr = v
	}
	if v := os.Getenv("ALEUTIAN_OTLP_ENDPOINT"); v != "" {
		d.Server.OTLPEndpoint = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		d.Backends.OllamaURL = v
	}
	if v := os.Getenv("ALEUTIAN_OPENAI_URL"); v != "" {
		d.Backends.OpenAIURL = v
	}
	if v := os.Getenv("ALEUTIAN_OPENAI_API_KEY"); v != "" {
		d.Backends.OpenAIAPIKey = v
	}
	if v := os.Getenv("ALEUTIAN_EXTERNAL_API_KEY"); v != "" {
		d.Backends.ExternalAPIKey = v
	}
	if v := os.Getenv("ALEUTIAN_STORE_PATH"); v != "" {
		d.Store.Path = v
	}
	if v := os.Getenv("ALEUTIAN_FETCHER_URL"); v != "" {
		d.Fetcher.URL = v
	}
	if v := os.Getenv("ALEUTIAN_ACTIVE_PROFILE"); v != "" {
		d.ActiveProfile = v
	}
}

// CapabilityRecords converts the model section to registry records.
func (d *Document) CapabilityRecords() ([]capabilities.ModelCapability, error) {
	records := make([]capabilities.ModelCapability, 0, len(d.Models))
	for _, m := range d.Models {
		priority := capabilities.PriorityNormal
		if m.Priority != "" {
			var err error
			priority, err = capabilities.ParsePriority(strings.ToUpper(m.Priority))
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", m.ID, err)
			}
		}
		kind := capabilities.BackendKind(m.Backend)
		records = append(records, capabilities.ModelCapability{
			ModelID:              m.ID,
			Backend:              kind,
			Endpoint:             m.Endpoint,
			VRAMSizeGB:           m.SizeGB,
			Priority:             priority,
			SupportsTools:        m.SupportsTools,
			SupportsThinking:     m.SupportsThinking,
			SupportsVision:       m.SupportsVision,
			ThinkingFormat:       capabilities.ThinkingFormat(m.ThinkingFormat),
			DefaultThinkingLevel: m.DefaultThinkingLevel,
			KeepAliveSeconds:     m.KeepAliveSeconds,
			IsExternal:           m.External || kind == capabilities.BackendExternal,
		})
	}
	return records, nil
}

// ProfileSet converts the profile section to the manager's input.
func (d *Document) ProfileSet() map[string]profile.Profile {
	out := make(map[string]profile.Profile, len(d.Profiles))
	for _, p := range d.Profiles {
		roles := make(map[profile.Role]string, len(p.Roles))
		for role, model := range p.Roles {
			roles[profile.Role(role)] = model
		}
		out[p.Name] = profile.Profile{
			Name:            p.Name,
			SoftLimitGB:     p.SoftLimitGB,
			HardLimitGB:     p.HardLimitGB,
			Roles:           roles,
			FetchLimits:     p.FetchLimits,
			FallbackProfile: p.FallbackProfile,
			Conservative:    p.Conservative,
		}
	}
	return out
}
