// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ws

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
)

// Frame is the single outbound message shape. Type selects which fields
// are populated.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// Content is the delta for web clients and the full accumulated text
	// for chat clients, whose surfaces edit a message in place. The last
	// chunk of a request carries IsComplete.
	Content    string `json:"content,omitempty"`
	IsComplete bool   `json:"is_complete"`

	// Error is the sanitized failure text on error and failed frames;
	// Message carries informational text (maintenance warnings).
	Error             string           `json:"error,omitempty"`
	Message           string           `json:"message,omitempty"`
	StatusType        string           `json:"status_type,omitempty"`
	QueuePosition     int              `json:"queue_position,omitempty"`
	RetryAfterSeconds float64          `json:"retry_after_seconds,omitempty"`
	Attempts          int              `json:"attempts,omitempty"`
	Artifacts         []queue.Artifact `json:"artifacts,omitempty"`
	Metrics           *queue.Metrics   `json:"metrics,omitempty"`
}

// Frame types.
const (
	FrameConnected   = "connected"
	FrameQueued      = "queued"
	FrameProcessing  = "processing"
	FrameStreamChunk = "stream_chunk"
	FrameEarlyStatus = "early_status"
	FrameError       = "error"
	FrameFailed      = "failed"
	FrameCancelled   = "cancelled"
	FrameMaintenance = "maintenance_warning"
	FramePong        = "pong"
)

// Early status kinds.
const (
	StatusRetrying = "retrying"
)

func baseFrame(frameType string, req *queue.Request) Frame {
	return Frame{
		Type:      frameType,
		RequestID: req.ID,
		ChannelID: req.Keys.ChannelID,
		MessageID: req.Keys.MessageID,
	}
}

// sanitizeError maps internal failures onto user-facing text. Backend
// addresses, stack detail and wrapped causes never reach the client.
func sanitizeError(err error) Frame {
	frame := Frame{Type: FrameError}

	var breaker *serveerr.CircuitBreakerError
	if errors.As(err, &breaker) {
		frame.Error = fmt.Sprintf(
			"The model %s is temporarily unavailable after repeated failures. Please retry shortly.",
			breaker.Model)
		frame.RetryAfterSeconds = breaker.RetryAfter.Seconds()
		return frame
	}
	var full *serveerr.QueueFullError
	if errors.As(err, &full) {
		frame.Error = "The server is at capacity right now. Please retry in a moment."
		return frame
	}
	var mem *serveerr.MemoryError
	if errors.As(err, &mem) {
		frame.Error = "Not enough GPU memory is available for that model right now."
		return frame
	}
	var cfg *serveerr.ConfigError
	if errors.As(err, &cfg) {
		frame.Error = "The requested model is not configured on this server."
		return frame
	}
	var budget *serveerr.TokenBudgetError
	if errors.As(err, &budget) {
		frame.Error = "Your usage quota for this period is exhausted."
		return frame
	}
	var conn *serveerr.ConnectionError
	if errors.As(err, &conn) {
		frame.Error = "The model backend is unreachable. Please retry shortly."
		return frame
	}
	frame.Error = "Generation failed. Please try again."
	return frame
}
