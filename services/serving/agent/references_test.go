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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInjectReferences_ExactMatch(t *testing.T) {
	t.Parallel()
	refs := []Reference{{Title: "Go Blog", URL: "https://go.dev/blog"}}
	got := InjectReferences("Generics shipped in 1.18.【Go Blog】", refs)
	assert.Equal(t, "Generics shipped in 1.18. [Go Blog](https://go.dev/blog)", got)
}

func TestInjectReferences_KeepsExistingWhitespace(t *testing.T) {
	t.Parallel()
	refs := []Reference{{Title: "Go Blog", URL: "https://go.dev/blog"}}

	got := InjectReferences("According to 【Go Blog】, generics shipped.", refs)
	assert.Equal(t, "According to [Go Blog](https://go.dev/blog), generics shipped.", got)

	got = InjectReferences("【Go Blog】 says so", refs)
	assert.Equal(t, "[Go Blog](https://go.dev/blog) says so", got)
}

func TestInjectReferences_SubstringMatchEitherDirection(t *testing.T) {
	t.Parallel()
	refs := []Reference{{Title: "The Go Programming Language Blog", URL: "https://go.dev/blog"}}
	got := InjectReferences("see【go programming language】", refs)
	assert.Contains(t, got, "(https://go.dev/blog)")

	refs = []Reference{{Title: "Go Blog", URL: "https://go.dev/blog"}}
	got = InjectReferences("see【The Official Go Blog Post】", refs)
	assert.Contains(t, got, "(https://go.dev/blog)")
}

func TestInjectReferences_UnresolvableLeftVerbatim(t *testing.T) {
	t.Parallel()
	refs := []Reference{{Title: "Go Blog", URL: "https://go.dev/blog"}}
	in := "claim【Rust Book】"
	assert.Equal(t, in, InjectReferences(in, refs))
}

func TestInjectReferences_NoCitationsPassThrough(t *testing.T) {
	t.Parallel()
	refs := []Reference{{Title: "Go Blog", URL: "https://go.dev/blog"}}
	in := "plain text, already [linked](https://go.dev/blog)"
	assert.Equal(t, in, InjectReferences(in, refs))
}

func TestInjectReferences_NoRefsPassThrough(t *testing.T) {
	t.Parallel()
	in := "claim【Go Blog】"
	assert.Equal(t, in, InjectReferences(in, nil))
}

func TestInjectReferences_Idempotent(t *testing.T) {
	t.Parallel()
	refs := []Reference{{Title: "Go Blog", URL: "https://go.dev/blog"}}
	once := InjectReferences("fact【Go Blog】", refs)
	assert.Equal(t, once, InjectReferences(once, refs))
}
