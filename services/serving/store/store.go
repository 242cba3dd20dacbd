// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists conversation history and crash audit records in
// local embedded storage with low-latency access (~100µs).
package store

import (
	"context"
	"time"
)

// Turn is one persisted conversation exchange.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ModelID        string    `json:"model_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CrashEvent is one audited model failure.
type CrashEvent struct {
	ModelID   string    `json:"model_id"`
	Reason    string    `json:"reason"`
	CrashedAt time.Time `json:"crashed_at"`
}

// ConversationStore persists chat turns.
type ConversationStore interface {
	AppendTurn(ctx context.Context, turn Turn) error
	// History returns the newest turns of a conversation in chronological
	// order, at most limit entries; limit <= 0 means all.
	History(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// CrashAuditStore persists crash events for post-mortems.
type CrashAuditStore interface {
	RecordCrash(ctx context.Context, event CrashEvent) error
	CrashHistory(ctx context.Context, modelID string, limit int) ([]CrashEvent, error)
}
