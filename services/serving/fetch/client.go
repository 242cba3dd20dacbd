// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetch is the HTTP client for the data-fetcher sidecar, which
// retrieves and extracts readable web content on behalf of the research
// route.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/agent"
)

// fetchTimeout bounds one page retrieval end to end. Slow pages are
// skipped rather than allowed to stall the research loop.
const fetchTimeout = 15 * time.Second

// Client talks to the data-fetcher service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the fetcher at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

type fetchRequest struct {
	URL string `json:"url"`
}

type fetchResponse struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Fetch retrieves one page. Implements agent.Fetcher.
func (c *Client) Fetch(ctx context.Context, url string) (agent.FetchResult, error) {
	body, err := json.Marshal(fetchRequest{URL: url})
	if err != nil {
		return agent.FetchResult{}, fmt.Errorf("marshal fetch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/data/fetch", bytes.NewReader(body))
	if err != nil {
		return agent.FetchResult{}, fmt.Errorf("create fetch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return agent.FetchResult{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return agent.FetchResult{}, fmt.Errorf("read fetch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return agent.FetchResult{}, fmt.Errorf("fetch %s failed with status %d: %s",
			url, resp.StatusCode, string(respBody))
	}

	var out fetchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return agent.FetchResult{}, fmt.Errorf("parse fetch response: %w", err)
	}
	if out.Error != "" {
		return agent.FetchResult{}, fmt.Errorf("fetch %s: %s", url, out.Error)
	}
	if out.URL == "" {
		out.URL = url
	}
	return agent.FetchResult{Title: out.Title, URL: out.URL, Content: out.Content}, nil
}
