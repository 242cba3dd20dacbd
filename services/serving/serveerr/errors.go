// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package serveerr defines the error taxonomy shared by the serving
// backbone. Each error type maps to a distinct wire surface and a distinct
// retry policy, so the queue worker can branch on errors.As without string
// matching (with one deliberate exception, IsConnectionLike, which exists
// because backend servers report transport failures as free text).
package serveerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancelled is the terminal state for a request that was cancelled while
// still pending in the queue.
var ErrCancelled = errors.New("request cancelled")

// ConfigError indicates a model id that is not present in the capability
// registry, or a profile that references a missing model. It is surfaced to
// the client and never retried.
type ConfigError struct {
	Model  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("configuration error for model %q: %s", e.Model, e.Reason)
	}
	return "configuration error: " + e.Reason
}

// QueueFullError is returned synchronously on enqueue when the queue is at
// capacity.
type QueueFullError struct {
	Size int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("request queue is full (%d pending)", e.Size)
}

// TokenBudgetError indicates the user is over their token quota. Not
// retried.
type TokenBudgetError struct {
	UserID string
}

func (e *TokenBudgetError) Error() string {
	return fmt.Sprintf("token budget exceeded for user %s", e.UserID)
}

// MemoryError indicates the orchestrator could not make room for a model
// even after eviction. The worker retries only if a profile switch has
// happened in the meantime.
type MemoryError struct {
	Model       string
	RequiredGB  float64
	AvailableGB float64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("insufficient VRAM for model %s: need %.1f GB, %.1f GB freeable",
		e.Model, e.RequiredGB, e.AvailableGB)
}

// CircuitBreakerError indicates too many recent crashes for a model. It
// carries a suggested wait before the next attempt.
type CircuitBreakerError struct {
	Model      string
	Crashes    int
	RetryAfter time.Duration
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker open for model %s (%d recent crashes, retry after %s)",
		e.Model, e.Crashes, e.RetryAfter)
}

// ConnectionError wraps any backend I/O failure. Recorded in the crash
// tracker; the worker retries per the retry policy and may trigger a
// profile switch.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backend %s connection failure: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EmptyStreamError indicates streaming completed but produced no
// non-whitespace content. The worker retries in non-streaming mode.
type EmptyStreamError struct {
	Model string
}

func (e *EmptyStreamError) Error() string {
	return fmt.Sprintf("model %s returned an empty stream", e.Model)
}

// GenerationError indicates the backend returned a structured failure.
// Recorded as a crash.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed on model %s: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// connectionKeywords are the substrings that mark an error as
// connection-class regardless of its concrete type. Backend servers
// (and the OS) report these as plain text.
var connectionKeywords = []string{
	"connection", "connect", "refused", "timeout", "unreachable",
	"broken pipe", "eof",
}

// IsConnectionLike reports whether err should be treated as a backend
// connectivity failure for retry and circuit-breaker purposes.
func IsConnectionLike(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range connectionKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Retryable reports whether the worker may requeue a request that failed
// with err. Config, budget and cancellation failures are terminal.
func Retryable(err error) bool {
	var cfgErr *ConfigError
	var budgetErr *TokenBudgetError
	if errors.As(err, &cfgErr) || errors.As(err, &budgetErr) {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return false
	}
	return true
}
