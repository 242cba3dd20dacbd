// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ws owns the WebSocket surface: the connection registry, the
// inbound frame protocol, and the fan-out of worker lifecycle events back
// to the owning client. It implements queue.EventSink.
package ws

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/AleutianAI/AleutianServe/services/serving/router"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// chunkRate caps stream-chunk frames per client. Chat surfaces edit a
// message in place on every frame, and their platform APIs rate-limit
// edits well below token speed.
const (
	chatChunkRate = rate.Limit(1.5)
	webChunkRate  = rate.Limit(30)
)

// Client is one registered connection.
type Client struct {
	ID   string
	Kind router.ClientKind

	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

func newClient(id string, kind router.ClientKind, conn *websocket.Conn) *Client {
	limit := webChunkRate
	if kind == router.ClientChat {
		limit = chatChunkRate
	}
	return &Client{ID: id, Kind: kind, conn: conn, limiter: rate.NewLimiter(limit, 1)}
}

// Send writes one frame. Serialized: gorilla connections allow a single
// concurrent writer.
func (c *Client) Send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		slog.Warn("Failed to write WebSocket frame", "client_id", c.ID, "type", frame.Type, "error", err)
		return err
	}
	return nil
}

// Hub is the connection registry and event fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// accumulated holds per-request running content for chat clients,
	// whose frames carry the full text so far rather than deltas.
	accMu       sync.Mutex
	accumulated map[string]*strings.Builder
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		accumulated: make(map[string]*strings.Builder),
	}
}

// Register adds a connection under its client id, displacing any previous
// connection with the same id.
func (h *Hub) Register(id string, kind router.ClientKind, conn *websocket.Conn) *Client {
	client := newClient(id, kind, conn)
	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()
	slog.Info("WebSocket client registered", "client_id", id, "kind", kind)
	return client
}

// Unregister drops a connection if it is still the registered one.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if h.clients[client.ID] == client {
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()
	slog.Info("WebSocket client unregistered", "client_id", client.ID)
}

// Broadcast sends a frame to every connected client. Used for maintenance
// warnings ahead of profile switches.
func (h *Hub) Broadcast(frame Frame) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		_ = c.Send(frame)
	}
}

func (h *Hub) clientFor(req *queue.Request) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[req.Keys.ClientID]
	return c, ok
}

// Queued confirms admission with the queue position.
func (h *Hub) Queued(req *queue.Request, position int) {
	if c, ok := h.clientFor(req); ok {
		frame := baseFrame(FrameQueued, req)
		frame.QueuePosition = position
		_ = c.Send(frame)
	}
}

// Processing announces that the worker picked the request up.
func (h *Hub) Processing(req *queue.Request) {
	c, ok := h.clientFor(req)
	if !ok {
		return
	}
	frame := baseFrame(FrameProcessing, req)
	frame.Message = "*Thinking...*"
	_ = c.Send(frame)
}

// Chunk forwards streamed content. Web clients get the delta; chat clients
// get the full accumulated text, throttled to their edit rate. The final
// frame always goes out regardless of the limiter.
func (h *Hub) Chunk(req *queue.Request, delta string, done bool, artifacts []queue.Artifact) error {
	c, ok := h.clientFor(req)
	if !ok {
		// Client went away mid-stream; generation continues so the turn is
		// still persisted.
		return nil
	}

	frame := baseFrame(FrameStreamChunk, req)
	frame.IsComplete = done
	frame.Artifacts = artifacts

	if c.Kind == router.ClientChat {
		h.accMu.Lock()
		acc, exists := h.accumulated[req.ID]
		if !exists {
			acc = &strings.Builder{}
			h.accumulated[req.ID] = acc
		}
		acc.WriteString(delta)
		frame.Content = acc.String()
		if done {
			delete(h.accumulated, req.ID)
		}
		h.accMu.Unlock()
	} else {
		frame.Content = delta
	}

	if !done && !c.limiter.Allow() {
		// Skipped frames are not lost for chat clients: the next allowed
		// frame carries the full text.
		return nil
	}
	return c.Send(frame)
}

// RetryStatus surfaces an in-flight retry to the user.
func (h *Hub) RetryStatus(req *queue.Request, message string) {
	if c, ok := h.clientFor(req); ok {
		frame := baseFrame(FrameEarlyStatus, req)
		frame.Content = message
		frame.StatusType = StatusRetrying
		_ = c.Send(frame)
	}
}

// Completed delivers the terminal result as the final stream chunk. Every
// request ends in exactly one frame with is_complete set, whether or not
// any deltas streamed before it.
func (h *Hub) Completed(req *queue.Request, res *queue.Result) {
	h.dropAccumulated(req.ID)
	c, ok := h.clientFor(req)
	if !ok {
		return
	}
	frame := baseFrame(FrameStreamChunk, req)
	frame.Content = res.Content
	frame.IsComplete = true
	frame.Artifacts = res.Artifacts
	frame.Metrics = &res.Metrics
	_ = c.Send(frame)
}

// Failed delivers a terminal failure with a sanitized message.
func (h *Hub) Failed(req *queue.Request, err error, attempts int) {
	h.dropAccumulated(req.ID)
	c, ok := h.clientFor(req)
	if !ok {
		return
	}
	frame := sanitizeError(err)
	frame.Type = FrameFailed
	frame.RequestID = req.ID
	frame.ChannelID = req.Keys.ChannelID
	frame.MessageID = req.Keys.MessageID
	frame.Attempts = attempts
	_ = c.Send(frame)
}

// Cancelled acknowledges a cancellation.
func (h *Hub) Cancelled(req *queue.Request) {
	h.dropAccumulated(req.ID)
	if c, ok := h.clientFor(req); ok {
		_ = c.Send(baseFrame(FrameCancelled, req))
	}
}

func (h *Hub) dropAccumulated(requestID string) {
	h.accMu.Lock()
	delete(h.accumulated, requestID)
	h.accMu.Unlock()
}
