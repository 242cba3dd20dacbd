// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue holds the bounded FIFO of admitted requests and the worker
// loop that drains it. Producers are the connection handlers; there is a
// single consumer. Admission is non-blocking: a full queue fails fast.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/router"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"github.com/google/uuid"
)

// Attachment references a user-supplied file by id; extraction happens
// outside the core.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Language string `json:"language,omitempty"`
}

// RoutingKeys carry the client-side identifiers needed to address replies.
type RoutingKeys struct {
	ClientID  string `json:"client_id"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Request is one admitted user turn. The queue owns it until MarkComplete
// or MarkFailed transfers the result to the worker for fan-out.
type Request struct {
	ID              string
	UserID          string
	ConversationID  string
	Message         string
	Attachments     []Attachment
	EstimatedTokens int
	Attempts        int
	EnqueuedAt      time.Time
	ClientKind      router.ClientKind
	Keys            RoutingKeys
	Overrides       router.RequestOverrides

	// Route caches the classification so retries skip the ~7s router
	// round-trip. Cleared when a retry must re-resolve routing.
	Route *router.RouteConfig
}

// Queue is the bounded FIFO with retry accounting.
type Queue struct {
	mu         sync.Mutex
	pending    []*Request
	processing map[string]*Request
	maxSize    int
	maxRetries int
	wake       chan struct{}
}

// New creates a queue with the given capacity and retry cap.
func New(maxSize, maxRetries int) *Queue {
	return &Queue{
		processing: make(map[string]*Request),
		maxSize:    maxSize,
		maxRetries: maxRetries,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue admits a request, assigning its server-side id. Fails fast with
// QueueFullError at capacity.
func (q *Queue) Enqueue(req *Request) (string, error) {
	q.mu.Lock()
	if len(q.pending) >= q.maxSize {
		size := len(q.pending)
		q.mu.Unlock()
		return "", &serveerr.QueueFullError{Size: size}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.EnqueuedAt = time.Now()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
	q.signal()
	return req.ID, nil
}

// Dequeue blocks until a request is available or ctx is done. The returned
// request moves into the processing set and can no longer be cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*Request, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[req.ID] = req
			q.mu.Unlock()
			return req, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// MarkComplete removes a finished request from the processing set.
func (q *Queue) MarkComplete(requestID string) {
	q.mu.Lock()
	delete(q.processing, requestID)
	q.mu.Unlock()
}

// MarkFailed accounts a failure. While the attempt count is below the
// retry cap and the error is retryable, the request re-enters at the tail
// with an incremented attempt count; otherwise it is terminal.
func (q *Queue) MarkFailed(requestID string, cause error) bool {
	q.mu.Lock()
	req, ok := q.processing[requestID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.processing, requestID)
	if req.Attempts >= q.maxRetries || !serveerr.Retryable(cause) {
		q.mu.Unlock()
		return false
	}
	req.Attempts++
	q.pending = append(q.pending, req)
	q.mu.Unlock()
	q.signal()
	return true
}

// Cancel removes a still-pending request. Returns false when the request
// is already being processed (in-flight cancellation is not supported at
// this layer) or unknown.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.pending {
		if req.ID == requestID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Size returns the number of pending requests.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsFull reports whether the next enqueue would fail.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) >= q.maxSize
}

// Position returns the 1-based queue position of a pending request, 0 when
// it is processing or unknown.
func (q *Queue) Position(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.pending {
		if req.ID == requestID {
			return i + 1
		}
	}
	return 0
}

// MaxRetries exposes the retry cap for the worker's failure events.
func (q *Queue) MaxRetries() int { return q.maxRetries }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
