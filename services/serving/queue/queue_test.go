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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOOrder(t *testing.T) {
	t.Parallel()
	q := New(10, 2)
	ctx := context.Background()

	var ids []string
	for _, msg := range []string{"first", "second", "third"} {
		id, err := q.Enqueue(&Request{UserID: "u1", Message: msg})
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}

	for i, want := range []string{"first", "second", "third"} {
		req, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, req.Message)
		assert.Equal(t, ids[i], req.ID)
	}
}

func TestQueue_FullFailsFast(t *testing.T) {
	t.Parallel()
	q := New(2, 2)
	_, err := q.Enqueue(&Request{Message: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(&Request{Message: "b"})
	require.NoError(t, err)
	require.True(t, q.IsFull())

	_, err = q.Enqueue(&Request{Message: "c"})
	var fullErr *serveerr.QueueFullError
	require.ErrorAs(t, err, &fullErr)
	assert.Equal(t, 2, fullErr.Size)
	assert.Equal(t, 2, q.Size())
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	q := New(10, 2)

	got := make(chan *Request, 1)
	go func() {
		req, err := q.Dequeue(context.Background())
		if err == nil {
			got <- req
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(&Request{Message: "wake up"})
	require.NoError(t, err)

	select {
	case req := <-got:
		assert.Equal(t, "wake up", req.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue never woke")
	}
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	t.Parallel()
	q := New(10, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_MarkFailedRequeuesUntilCap(t *testing.T) {
	t.Parallel()
	q := New(10, 2)
	ctx := context.Background()
	id, err := q.Enqueue(&Request{Message: "flaky"})
	require.NoError(t, err)

	cause := errors.New("backend connection refused")
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, q.MarkFailed(id, cause))
		assert.Equal(t, attempt, req.Attempts)
	}

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, q.MarkFailed(id, cause), "retry cap reached")
	assert.Zero(t, q.Size())
}

func TestQueue_MarkFailedTerminalForNonRetryable(t *testing.T) {
	t.Parallel()
	q := New(10, 5)
	ctx := context.Background()
	id, err := q.Enqueue(&Request{Message: "misconfigured"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	assert.False(t, q.MarkFailed(id, &serveerr.ConfigError{Model: "ghost", Reason: "missing"}))
	assert.Zero(t, q.Size())
}

func TestQueue_MarkFailedUnknownRequest(t *testing.T) {
	t.Parallel()
	q := New(10, 2)
	assert.False(t, q.MarkFailed("nope", errors.New("whatever")))
}

func TestQueue_CancelPendingOnly(t *testing.T) {
	t.Parallel()
	q := New(10, 2)
	ctx := context.Background()

	first, err := q.Enqueue(&Request{Message: "a"})
	require.NoError(t, err)
	second, err := q.Enqueue(&Request{Message: "b"})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, q.Cancel(first), "in-flight requests are not cancellable here")
	assert.True(t, q.Cancel(second))
	assert.Zero(t, q.Size())
}

func TestQueue_Position(t *testing.T) {
	t.Parallel()
	q := New(10, 2)

	first, err := q.Enqueue(&Request{Message: "a"})
	require.NoError(t, err)
	second, err := q.Enqueue(&Request{Message: "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, q.Position(first))
	assert.Equal(t, 2, q.Position(second))
	assert.Zero(t, q.Position("unknown"))

	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, q.Position(first), "processing requests have no queue position")
	assert.Equal(t, 1, q.Position(second))
}

func TestQueue_MarkCompleteClearsProcessing(t *testing.T) {
	t.Parallel()
	q := New(10, 2)
	id, err := q.Enqueue(&Request{Message: "done"})
	require.NoError(t, err)
	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)

	q.MarkComplete(id)
	assert.False(t, q.MarkFailed(id, errors.New("late failure")),
		"completed requests cannot be failed afterwards")
}
