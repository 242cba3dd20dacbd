// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestAppendTurn_RequiresConversationID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	err := s.AppendTurn(context.Background(), Turn{Role: "user", Content: "hi"})
	assert.ErrorContains(t, err, "conversation id")
}

func TestHistory_ChronologicalOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTurn(ctx, Turn{
			ConversationID: "conv-1",
			UserID:         "u1",
			Role:           "user",
			Content:        fmt.Sprintf("turn %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	turns, err := s.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("turn %d", i), turn.Content)
	}
}

func TestHistory_LimitReturnsNewest(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTurn(ctx, Turn{
			ConversationID: "conv-1",
			Role:           "user",
			Content:        fmt.Sprintf("turn %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	turns, err := s.History(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "turn 3", turns[0].Content)
	assert.Equal(t, "turn 4", turns[1].Content)
}

func TestHistory_IsolatedPerConversation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, Turn{ConversationID: "conv-a", Role: "user", Content: "a"}))
	require.NoError(t, s.AppendTurn(ctx, Turn{ConversationID: "conv-ab", Role: "user", Content: "b"}))

	turns, err := s.History(ctx, "conv-a", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "a", turns[0].Content)
}

func TestHistory_EmptyConversation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	turns, err := s.History(context.Background(), "nothing-here", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, Turn{ConversationID: "gone", Role: "user", Content: "x"}))
	require.NoError(t, s.AppendTurn(ctx, Turn{ConversationID: "kept", Role: "user", Content: "y"}))

	require.NoError(t, s.DeleteConversation(ctx, "gone"))

	turns, err := s.History(ctx, "gone", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)

	turns, err = s.History(ctx, "kept", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestRecordCrash_RequiresModelID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	err := s.RecordCrash(context.Background(), CrashEvent{Reason: "oom"})
	assert.ErrorContains(t, err, "model id")
}

func TestCrashHistory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordCrash(ctx, CrashEvent{
			ModelID:   "llama3:70b",
			Reason:    fmt.Sprintf("crash %d", i),
			CrashedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.RecordCrash(ctx, CrashEvent{ModelID: "other", Reason: "unrelated"}))

	events, err := s.CrashHistory(ctx, "llama3:70b", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "crash 1", events[0].Reason)
	assert.Equal(t, "crash 2", events[1].Reason)
}

func TestAppendTurn_DefaultsCreatedAt(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, Turn{ConversationID: "c", Role: "user", Content: "x"}))
	turns, err := s.History(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.False(t, turns[0].CreatedAt.IsZero())
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{})
	assert.ErrorContains(t, err, "path")
}
