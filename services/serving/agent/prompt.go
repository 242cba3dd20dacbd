// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent drives one model generation: system prompt assembly, the
// streaming loop with tool dispatch, and the output filter pipeline.
package agent

import (
	"fmt"
	"strings"
	"time"
)

const basePersona = `You are a capable, direct assistant. Answer plainly and completely. When you are unsure, say so. Do not invent citations.`

const artifactInstructions = `The user wants the result as a file. Put the complete file content between a line containing only ===FILE=== and a line containing only ===END===. Before ===FILE===, write one short sentence describing the file. Do not wrap the file content in markdown fences.`

const researchInstructions = `You can call the fetch_web_content tool to read pages. Cite every external fact with the page title in the form 【Title】 immediately after the sentence it supports.`

// PromptBuilder assembles the layered system prompt for a turn.
type PromptBuilder struct {
	now func() time.Time
}

// NewPromptBuilder creates a builder using the wall clock.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{now: time.Now}
}

// PromptSpec carries the per-turn layers.
type PromptSpec struct {
	RoleInstructions string
	ArtifactOutput   bool
	WebResearch      bool
	Extra            []string
}

// Build renders the system prompt: persona, current date, role layer, then
// any mode layers. The date line anchors "today"/"latest" questions.
func (b *PromptBuilder) Build(spec PromptSpec) string {
	var sb strings.Builder
	sb.WriteString(basePersona)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Today's date is %s.", b.now().Format("Monday, January 2, 2006")))

	if spec.RoleInstructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(spec.RoleInstructions)
	}
	if spec.WebResearch {
		sb.WriteString("\n\n")
		sb.WriteString(researchInstructions)
	}
	if spec.ArtifactOutput {
		sb.WriteString("\n\n")
		sb.WriteString(artifactInstructions)
	}
	for _, extra := range spec.Extra {
		if extra == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	return sb.String()
}
