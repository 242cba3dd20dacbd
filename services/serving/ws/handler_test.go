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
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlerFixture serves the chat endpoint over a real websocket and hands
// back the client side plus the queue for inspecting what got enqueued.
type handlerFixture struct {
	hub   *Hub
	queue *queue.Queue
	peer  *websocket.Conn
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	q := queue.New(8, 1)
	handler := NewHandler(hub, q, nil)

	engine := gin.New()
	engine.GET("/ws/chat", handler.Serve())
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	peer, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { peer.Close() })

	return &handlerFixture{hub: hub, queue: q, peer: peer}
}

func (f *handlerFixture) send(t *testing.T, frame map[string]any) {
	t.Helper()
	require.NoError(t, f.peer.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, f.peer.WriteJSON(frame))
}

// readRaw returns the next outbound frame as a raw key set, so tests assert
// the wire shape rather than this package's struct tags.
func (f *handlerFixture) readRaw(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, f.peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := f.peer.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func (f *handlerFixture) identify(t *testing.T, clientID string) {
	t.Helper()
	f.send(t, map[string]any{"type": "identify", "client_id": clientID, "user_id": "u1"})
	frame := f.readRaw(t)
	require.Equal(t, "connected", frame["type"])
}

func TestHandler_IdentifyAcknowledgesWithClientID(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)

	f.send(t, map[string]any{"type": "identify", "client_id": "web-7", "user_id": "u1"})

	frame := f.readRaw(t)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "web-7", frame["client_id"])
}

func TestHandler_MessageQueuedWithPosition(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	f.identify(t, "web-1")

	f.send(t, map[string]any{"type": "message", "message": "hello"})

	frame := f.readRaw(t)
	assert.Equal(t, "queued", frame["type"])
	assert.NotEmpty(t, frame["request_id"])
	assert.EqualValues(t, 1, frame["queue_position"])
}

func TestHandler_CancelQueuedRequest(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	f.identify(t, "web-1")

	f.send(t, map[string]any{"type": "message", "message": "hello"})
	queued := f.readRaw(t)
	requestID, _ := queued["request_id"].(string)
	require.NotEmpty(t, requestID)

	f.send(t, map[string]any{"type": "cancel", "request_id": requestID})
	frame := f.readRaw(t)
	assert.Equal(t, "cancelled", frame["type"])
	assert.Equal(t, requestID, frame["request_id"])
	assert.Zero(t, f.queue.Size())
}

func TestHandler_ConfigureSettingValuePairs(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	f.identify(t, "web-1")

	f.send(t, map[string]any{"type": "configure", "setting": "model", "value": "llama3:70b"})
	f.send(t, map[string]any{"type": "configure", "setting": "temperature", "value": 0.2})
	f.send(t, map[string]any{"type": "configure", "setting": "thinking", "value": true})
	f.send(t, map[string]any{"type": "message", "message": "hello"})
	require.Equal(t, "queued", f.readRaw(t)["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "llama3:70b", req.Overrides.ModelID)
	require.NotNil(t, req.Overrides.Temperature)
	assert.InDelta(t, 0.2, float64(*req.Overrides.Temperature), 1e-6)
	require.NotNil(t, req.Overrides.ThinkingEnabled)
	assert.True(t, *req.Overrides.ThinkingEnabled)
}

func TestHandler_ConfigureResetClearsOverrides(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	f.identify(t, "web-1")

	f.send(t, map[string]any{"type": "configure", "setting": "model", "value": "llama3:70b"})
	f.send(t, map[string]any{"type": "configure", "setting": "reset"})
	f.send(t, map[string]any{"type": "message", "message": "hello"})
	require.Equal(t, "queued", f.readRaw(t)["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Empty(t, req.Overrides.ModelID)
	assert.Nil(t, req.Overrides.Temperature)
	assert.Nil(t, req.Overrides.ThinkingEnabled)
}

func TestHandler_TerminalFrameIsCompleteStreamChunk(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	f.identify(t, "web-1")

	f.send(t, map[string]any{"type": "message", "message": "hello"})
	queued := f.readRaw(t)
	requestID, _ := queued["request_id"].(string)
	require.NotEmpty(t, requestID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, f.hub.Chunk(req, "par", false, nil))
	f.hub.Completed(req, &queue.Result{Content: "partial done"})

	delta := f.readRaw(t)
	assert.Equal(t, "stream_chunk", delta["type"])
	assert.Equal(t, false, delta["is_complete"])

	final := f.readRaw(t)
	assert.Equal(t, "stream_chunk", final["type"])
	assert.Equal(t, true, final["is_complete"])
	assert.Equal(t, "partial done", final["content"])
	assert.NotContains(t, final, "done")
}

func TestHandler_PingPong(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	f.identify(t, "web-1")

	f.send(t, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", f.readRaw(t)["type"])
}
