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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianServe/services/serving/backend"
)

// FetchResult is one retrieved page.
type FetchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Fetcher retrieves web content. Implemented by the data-fetcher client.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

const fetchToolName = "fetch_web_content"

// FetchToolSpec is the tool schema advertised to the model.
func FetchToolSpec() backend.ToolSpec {
	return backend.ToolSpec{
		Name:        fetchToolName,
		Description: "Fetch the readable content of a web page by URL.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute URL of the page to fetch.",
				},
			},
			"required": []string{"url"},
		},
	}
}

// ToolSession scopes tool execution to one request. The fetch budget lives
// here: each successful fetch decrements it, and once exhausted further
// calls return a synthetic refusal instead of hitting the network, so the
// model learns to stop asking. A budget of -1 is unlimited.
type ToolSession struct {
	mu      sync.Mutex
	fetcher Fetcher
	budget  int
	refs    []Reference
}

// NewToolSession creates a session with the route's fetch budget.
func NewToolSession(fetcher Fetcher, fetchBudget int) *ToolSession {
	return &ToolSession{fetcher: fetcher, budget: fetchBudget}
}

// References returns the pages fetched so far, in call order.
func (s *ToolSession) References() []Reference {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reference, len(s.refs))
	copy(out, s.refs)
	return out
}

// Specs lists the tool schemas available in this session.
func (s *ToolSession) Specs() []backend.ToolSpec {
	if s.fetcher == nil {
		return nil
	}
	return []backend.ToolSpec{FetchToolSpec()}
}

// Execute dispatches one tool call and returns the tool message content.
// Tool failures are reported to the model as content, not surfaced as
// generation errors.
func (s *ToolSession) Execute(ctx context.Context, call backend.ToolCall) string {
	if call.Name != fetchToolName {
		return fmt.Sprintf("Unknown tool %q.", call.Name)
	}
	if s.fetcher == nil {
		return "Web fetching is not available."
	}

	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.URL == "" {
		return "Invalid fetch arguments: expected {\"url\": \"...\"}."
	}

	s.mu.Lock()
	if s.budget == 0 {
		s.mu.Unlock()
		slog.Info("Fetch budget exhausted", "url", args.URL)
		return "Fetch limit reached for this request. Answer with the sources already retrieved."
	}
	if s.budget > 0 {
		s.budget--
	}
	s.mu.Unlock()

	result, err := s.fetcher.Fetch(ctx, args.URL)
	if err != nil {
		slog.Warn("Web fetch failed", "url", args.URL, "error", err)
		return fmt.Sprintf("Fetching %s failed: %v.", args.URL, err)
	}

	title := result.Title
	if title == "" {
		title = result.URL
	}
	s.mu.Lock()
	s.refs = append(s.refs, Reference{Title: title, URL: result.URL})
	s.mu.Unlock()

	return fmt.Sprintf("Title: %s\nURL: %s\n\n%s", title, result.URL, result.Content)
}
