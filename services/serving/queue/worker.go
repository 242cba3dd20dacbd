// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.serving.queue")

// emptyStreamRetries is how many non-streaming attempts follow an empty
// stream before the request is failed.
const emptyStreamRetries = 3

// Artifact is a file-like output attached to a response.
type Artifact struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Metrics is the generation accounting attached to a completed result.
type Metrics struct {
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	ThinkingChars   int           `json:"thinking_chars"`
	Duration        time.Duration `json:"-"`
	TokensPerSecond float64       `json:"tokens_per_second"`
}

// Result is the terminal output of one request.
type Result struct {
	Content   string
	Artifacts []Artifact
	Metrics   Metrics
}

// Processor is the per-request conductor the worker drives. Implemented by
// the request orchestrator.
type Processor interface {
	Process(ctx context.Context, req *Request) (*Result, error)
	ProcessStream(ctx context.Context, req *Request, onDelta func(delta string) error) (*Result, error)
}

// EventSink receives lifecycle events for fan-out to the owning client.
// Implemented by the websocket hub's formatters.
type EventSink interface {
	Processing(req *Request)
	Chunk(req *Request, delta string, done bool, artifacts []Artifact) error
	RetryStatus(req *Request, message string)
	Completed(req *Request, res *Result)
	Failed(req *Request, err error, attempts int)
	Cancelled(req *Request)
}

// FallbackChecker is the slice of the profile manager the worker consults
// for recovery and fallback-aware retries.
type FallbackChecker interface {
	CheckAndRecover()
	IsInFallback() bool
}

// Worker is the scheduler loop: it pops requests and invokes the
// processor. A single logical worker keeps execution sequential per model,
// which the VRAM orchestrator's invariants rely on.
type Worker struct {
	queue     *Queue
	processor Processor
	events    EventSink
	profiles  FallbackChecker
	streaming bool
}

// NewWorker wires the worker loop.
func NewWorker(q *Queue, p Processor, events EventSink, profiles FallbackChecker, streaming bool) *Worker {
	return &Worker{queue: q, processor: p, events: events, profiles: profiles, streaming: streaming}
}

// Run drains the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Queue worker started", "streaming", w.streaming)
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		w.handle(ctx, req)
	}
}

func (w *Worker) handle(ctx context.Context, req *Request) {
	ctx, span := tracer.Start(ctx, "Worker.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.Int("attempt", req.Attempts),
	)

	w.profiles.CheckAndRecover()
	w.events.Processing(req)

	wasInFallback := w.profiles.IsInFallback()
	res, err := w.runOnce(ctx, req)

	// A connection-class failure that coincides with a fallback switch gets
	// exactly one in-place retry with freshly resolved routing: the old
	// route points at the crashed model.
	if err != nil && serveerr.IsConnectionLike(err) && w.profiles.IsInFallback() {
		slog.Info("Retrying request after fallback switch with fresh routing",
			"request_id", req.ID)
		w.events.RetryStatus(req, "Switching to fallback profile, retrying...")
		req.Route = nil
		res, err = w.runOnce(ctx, req)
	}

	if err == nil {
		w.queue.MarkComplete(req.ID)
		w.events.Completed(req, res)
		return
	}

	if errors.Is(err, serveerr.ErrCancelled) {
		w.queue.MarkComplete(req.ID)
		w.events.Cancelled(req)
		return
	}

	// A memory failure only resolves through a profile switch. Requeue when
	// one happened while the request was running; otherwise the retry would
	// hit the same wall, so fail now.
	var memErr *serveerr.MemoryError
	if errors.As(err, &memErr) && w.profiles.IsInFallback() == wasInFallback {
		w.queue.MarkComplete(req.ID)
		slog.Error("Request failed terminally",
			"request_id", req.ID, "attempts", req.Attempts+1, "error", err)
		w.events.Failed(req, err, req.Attempts+1)
		return
	}

	requeued := w.queue.MarkFailed(req.ID, err)
	if requeued {
		slog.Warn("Request requeued after failure",
			"request_id", req.ID, "attempt", req.Attempts, "error", err)
		return
	}
	slog.Error("Request failed terminally",
		"request_id", req.ID, "attempts", req.Attempts+1, "error", err)
	w.events.Failed(req, err, req.Attempts+1)
}

// runOnce performs one dispatch, including the empty-stream fallback: when
// streaming completes without content, retry in non-streaming mode up to
// three times reusing the cached RouteConfig.
func (w *Worker) runOnce(ctx context.Context, req *Request) (*Result, error) {
	if !w.streaming {
		return w.processor.Process(ctx, req)
	}

	res, err := w.processor.ProcessStream(ctx, req, func(delta string) error {
		return w.events.Chunk(req, delta, false, nil)
	})
	var emptyErr *serveerr.EmptyStreamError
	if !errors.As(err, &emptyErr) {
		return res, err
	}

	for attempt := 1; attempt <= emptyStreamRetries; attempt++ {
		w.events.RetryStatus(req,
			fmt.Sprintf("Empty response, retrying in non-streaming mode (%d/%d)...",
				attempt, emptyStreamRetries))
		res, err = w.processor.Process(ctx, req)
		if err == nil {
			return res, nil
		}
		if !errors.As(err, &emptyErr) {
			return nil, err
		}
	}
	return nil, err
}
