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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFilter(f ChunkFilter, chunks ...string) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(f.Process(c))
	}
	out.WriteString(f.Flush())
	return out.String()
}

func TestThinkingStripper_SingleChunk(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	got := runFilter(s, "<think>internal reasoning</think>The answer is 4.")
	assert.Equal(t, "The answer is 4.", got)
	assert.Equal(t, len("internal reasoning"), s.StrippedChars())
}

func TestThinkingStripper_TagSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	got := runFilter(s, "<thi", "nk>hidden</th", "ink>visible")
	assert.Equal(t, "visible", got)
	assert.Equal(t, len("hidden"), s.StrippedChars())
}

func TestThinkingStripper_EveryByteItsOwnChunk(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	input := "a<think>bbb</think>c"
	var out strings.Builder
	for _, r := range input {
		out.WriteString(s.Process(string(r)))
	}
	out.WriteString(s.Flush())
	assert.Equal(t, "ac", out.String())
	assert.Equal(t, 3, s.StrippedChars())
}

func TestThinkingStripper_PartialTagTurnsOutLiteral(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	got := runFilter(s, "value <thin", "g> done")
	assert.Equal(t, "value <thing> done", got)
	assert.Zero(t, s.StrippedChars())
}

func TestThinkingStripper_DanglingPartialTagFlushedLiteral(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	got := runFilter(s, "done <thin")
	assert.Equal(t, "done <thin", got)
}

func TestThinkingStripper_UnterminatedSpanStaysStripped(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	got := runFilter(s, "before<think>never closed")
	assert.Equal(t, "before", got)
	assert.Equal(t, len("never closed"), s.StrippedChars())
}

func TestThinkingStripper_MultipleSpans(t *testing.T) {
	t.Parallel()
	s := NewThinkingStripper()
	got := runFilter(s, "<think>a</think>x<think>b</think>y")
	assert.Equal(t, "xy", got)
	assert.Equal(t, 2, s.StrippedChars())
}

func TestSpacingFixer_InsertsSpaceAroundInlineCode(t *testing.T) {
	t.Parallel()
	f := NewSpacingFixer()
	got := runFilter(f, "use`grep`here")
	assert.Equal(t, "use `grep` here", got)
}

func TestSpacingFixer_LeavesCorrectSpacingAlone(t *testing.T) {
	t.Parallel()
	f := NewSpacingFixer()
	in := "use `grep` here"
	assert.Equal(t, in, runFilter(f, in))
}

func TestSpacingFixer_SurvivesChunkSplit(t *testing.T) {
	t.Parallel()
	f := NewSpacingFixer()
	got := runFilter(f, "use`gr", "ep`here")
	assert.Equal(t, "use `grep` here", got)
}

func TestStatusLineSuppressor_DropsArmedStatusLine(t *testing.T) {
	t.Parallel()
	s := NewStatusLineSuppressor()
	s.MarkStatusSent()
	got := runFilter(s, "*Thinking deeply...*\nreal content\n")
	assert.Equal(t, "real content\n", got)
}

func TestStatusLineSuppressor_InactivePassesThrough(t *testing.T) {
	t.Parallel()
	s := NewStatusLineSuppressor()
	in := "*Thinking...*\ncontent"
	assert.Equal(t, in, runFilter(s, in))
}

func TestStatusLineSuppressor_StatusLineSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	s := NewStatusLineSuppressor()
	s.MarkStatusSent()
	got := runFilter(s, "*Searching the ", "web...*\nresults here\n")
	assert.Equal(t, "results here\n", got)
}

func TestStatusLineSuppressor_KeepsBoldText(t *testing.T) {
	t.Parallel()
	s := NewStatusLineSuppressor()
	s.MarkStatusSent()
	got := runFilter(s, "**Important**\nbody\n")
	assert.Equal(t, "**Important**\nbody\n", got)
}

func TestFilterPipeline_ComposesInOrder(t *testing.T) {
	t.Parallel()
	stripper := NewThinkingStripper()
	p := NewFilterPipeline(stripper, NewSpacingFixer())
	var out strings.Builder
	out.WriteString(p.Process("<think>use`x`internally</think>run`ls`now"))
	out.WriteString(p.Flush())
	require.Equal(t, "run `ls` now", out.String())
	assert.Equal(t, len("use`x`internally"), stripper.StrippedChars())
}
