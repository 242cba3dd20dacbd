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
	"regexp"
	"strings"
)

// ChunkFilter transforms streamed text. Implementations are stateful
// iterators: a chunk boundary may fall anywhere, including inside a tag,
// so filters buffer across Process calls and surrender leftovers in Flush.
type ChunkFilter interface {
	Process(chunk string) string
	Flush() string
}

// FilterPipeline composes filters in order.
type FilterPipeline struct {
	filters []ChunkFilter
}

// NewFilterPipeline builds a pipeline from the given filters.
func NewFilterPipeline(filters ...ChunkFilter) *FilterPipeline {
	return &FilterPipeline{filters: filters}
}

// Process runs a chunk through every filter in order.
func (p *FilterPipeline) Process(chunk string) string {
	for _, f := range p.filters {
		chunk = f.Process(chunk)
	}
	return chunk
}

// Flush drains every filter, feeding each filter's leftovers through the
// rest of the chain.
func (p *FilterPipeline) Flush() string {
	var out strings.Builder
	for i, f := range p.filters {
		tail := f.Flush()
		for _, g := range p.filters[i+1:] {
			tail = g.Process(tail)
		}
		out.WriteString(tail)
	}
	return out.String()
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkingStripper removes matched <think>...</think> spans from the
// stream. Reasoning content is discarded from user-visible output but its
// length is counted so tokens-per-second stays honest.
//
// A partial tag at a chunk boundary is buffered until it either completes
// or turns out to be ordinary text.
type ThinkingStripper struct {
	inThink  bool
	buf      string
	stripped int
}

// NewThinkingStripper creates the stripper.
func NewThinkingStripper() *ThinkingStripper {
	return &ThinkingStripper{}
}

// StrippedChars returns the number of discarded reasoning characters.
func (t *ThinkingStripper) StrippedChars() int { return t.stripped }

// Process consumes a chunk and returns the user-visible portion.
func (t *ThinkingStripper) Process(chunk string) string {
	t.buf += chunk
	var out strings.Builder
	for {
		if t.inThink {
			if idx := strings.Index(t.buf, thinkClose); idx >= 0 {
				t.stripped += idx
				t.buf = t.buf[idx+len(thinkClose):]
				t.inThink = false
				continue
			}
			// Keep a possible partial close tag, discard the rest.
			keep := partialSuffixLen(t.buf, thinkClose)
			t.stripped += len(t.buf) - keep
			t.buf = t.buf[len(t.buf)-keep:]
			return out.String()
		}
		if idx := strings.Index(t.buf, thinkOpen); idx >= 0 {
			out.WriteString(t.buf[:idx])
			t.buf = t.buf[idx+len(thinkOpen):]
			t.inThink = true
			continue
		}
		keep := partialSuffixLen(t.buf, thinkOpen)
		out.WriteString(t.buf[:len(t.buf)-keep])
		t.buf = t.buf[len(t.buf)-keep:]
		return out.String()
	}
}

// Flush releases whatever is buffered. A dangling partial tag is emitted
// as literal text; an unterminated think span stays stripped and counted.
func (t *ThinkingStripper) Flush() string {
	rest := t.buf
	t.buf = ""
	if t.inThink {
		t.stripped += len(rest)
		return ""
	}
	return rest
}

// partialSuffixLen returns the length of the longest suffix of s that is a
// proper prefix of tag. That suffix might become the tag once the next
// chunk arrives.
func partialSuffixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// SpacingFixer inserts a missing space between a letter and an adjacent
// inline code span, a common artifact of token-boundary decoding
// ("use`grep`here" becomes "use `grep` here"). Backtick parity decides
// whether a backtick opens or closes a span; both survive chunk splits.
type SpacingFixer struct {
	last   byte
	inCode bool
}

// NewSpacingFixer creates the fixer.
func NewSpacingFixer() *SpacingFixer {
	return &SpacingFixer{}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Process rewrites the chunk with repaired spacing.
func (s *SpacingFixer) Process(chunk string) string {
	if chunk == "" {
		return chunk
	}
	var out strings.Builder
	out.Grow(len(chunk) + 4)
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		switch {
		case c == '`' && !s.inCode && isLetter(s.last):
			out.WriteByte(' ')
		case isLetter(c) && s.last == '`' && !s.inCode:
			// last byte closed a span
			out.WriteByte(' ')
		}
		if c == '`' {
			s.inCode = !s.inCode
		}
		out.WriteByte(c)
		s.last = c
	}
	return out.String()
}

// Flush has nothing buffered.
func (s *SpacingFixer) Flush() string { return "" }

// statusLinePattern matches a full "*Doing something...*" line, the shape
// models emit when imitating our own status indicators.
var statusLinePattern = regexp.MustCompile(`^\*[^*\n]+\*\s*$`)

// StatusLineSuppressor drops model-generated italic status lines when the
// worker has already emitted a real one. Line-buffered so a status line
// split across chunks is still recognized.
type StatusLineSuppressor struct {
	active  bool
	lineBuf string
}

// NewStatusLineSuppressor creates a suppressor; it only suppresses after
// MarkStatusSent.
func NewStatusLineSuppressor() *StatusLineSuppressor {
	return &StatusLineSuppressor{}
}

// MarkStatusSent arms the suppressor: a genuine status indicator has gone
// to the client already.
func (s *StatusLineSuppressor) MarkStatusSent() { s.active = true }

// Process emits completed lines, dropping armed status lines.
func (s *StatusLineSuppressor) Process(chunk string) string {
	if !s.active {
		return chunk
	}
	s.lineBuf += chunk
	var out strings.Builder
	for {
		idx := strings.IndexByte(s.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := s.lineBuf[:idx]
		s.lineBuf = s.lineBuf[idx+1:]
		if statusLinePattern.MatchString(strings.TrimSpace(line)) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}

// Flush releases the trailing unterminated line unless it is a suppressed
// status line.
func (s *StatusLineSuppressor) Flush() string {
	rest := s.lineBuf
	s.lineBuf = ""
	if s.active && statusLinePattern.MatchString(strings.TrimSpace(rest)) {
		return ""
	}
	return rest
}
