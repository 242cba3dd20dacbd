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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/AleutianAI/AleutianServe/services/serving/router"
	"github.com/AleutianAI/AleutianServe/services/serving/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// InboundFrame is the single inbound message shape; Type selects which
// fields matter.
type InboundFrame struct {
	Type string `json:"type"`

	// identify
	ClientID string `json:"client_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Kind     string `json:"kind,omitempty"`

	// message
	ConversationID string             `json:"conversation_id,omitempty"`
	Message        string             `json:"message,omitempty"`
	ChannelID      string             `json:"channel_id,omitempty"`
	MessageID      string             `json:"message_id,omitempty"`
	Attachments    []queue.Attachment `json:"attachments,omitempty"`

	// cancel
	RequestID string `json:"request_id,omitempty"`

	// configure
	Setting string `json:"setting,omitempty"`
	Value   any    `json:"value,omitempty"`

	// per-message overrides
	ModelID         string   `json:"model_id,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	ThinkingEnabled *bool    `json:"thinking_enabled,omitempty"`
}

// Handler serves the chat WebSocket endpoint.
type Handler struct {
	hub     *Hub
	queue   *queue.Queue
	history store.ConversationStore
}

// NewHandler wires the endpoint.
func NewHandler(hub *Hub, q *queue.Queue, history store.ConversationStore) *Handler {
	return &Handler{hub: hub, queue: q, history: history}
}

// connState is the per-connection session.
type connState struct {
	client         *Client
	userID         string
	conversationID string
	overrides      router.RequestOverrides
}

// Serve returns the gin handler for the chat socket.
func (h *Handler) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		defer conn.Close()

		state := &connState{conversationID: uuid.New().String()}
		defer func() {
			if state.client != nil {
				h.hub.Unregister(state.client)
			}
		}()

		for {
			var frame InboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				slog.Info("WebSocket client disconnected", "error", err.Error())
				return
			}
			if !h.dispatch(c.Request.Context(), conn, state, frame) {
				return
			}
		}
	}
}

// dispatch handles one inbound frame; false ends the connection.
func (h *Handler) dispatch(ctx context.Context, conn *websocket.Conn, state *connState, frame InboundFrame) bool {
	switch frame.Type {
	case "identify":
		clientID := frame.ClientID
		if clientID == "" {
			clientID = uuid.New().String()
		}
		kind := router.ClientWeb
		if frame.Kind == string(router.ClientChat) {
			kind = router.ClientChat
		}
		if state.client != nil {
			h.hub.Unregister(state.client)
		}
		state.client = h.hub.Register(clientID, kind, conn)
		state.userID = frame.UserID
		_ = state.client.Send(Frame{
			Type:     FrameConnected,
			ClientID: clientID,
		})

	case "message":
		if state.client == nil {
			// Identify implicitly so plain clients work out of the box.
			state.client = h.hub.Register(uuid.New().String(), router.ClientWeb, conn)
		}
		h.enqueue(state, frame)

	case "cancel":
		if state.client == nil {
			return true
		}
		if h.queue.Cancel(frame.RequestID) {
			_ = state.client.Send(Frame{Type: FrameCancelled, RequestID: frame.RequestID})
		} else {
			_ = state.client.Send(Frame{
				Type:      FrameError,
				RequestID: frame.RequestID,
				Error:     "That request is already processing and can no longer be cancelled.",
			})
		}

	case "reset":
		if h.history != nil && state.conversationID != "" {
			if err := h.history.DeleteConversation(ctx, state.conversationID); err != nil {
				slog.Warn("Conversation reset failed", "conversation_id", state.conversationID, "error", err)
			}
		}
		state.conversationID = uuid.New().String()

	case "configure":
		h.applySetting(state, frame.Setting, frame.Value)

	case "ping":
		target := state.client
		if target != nil {
			_ = target.Send(Frame{Type: FramePong})
		}

	case "close":
		return false

	default:
		slog.Debug("Ignoring unknown websocket frame type", "type", frame.Type)
	}
	return true
}

// applySetting updates the session overrides from one configure frame.
// Values with the wrong JSON type are ignored with a log line; the session
// keeps its previous overrides.
func (h *Handler) applySetting(state *connState, setting string, value any) {
	switch setting {
	case "model":
		if model, ok := value.(string); ok {
			state.overrides.ModelID = model
			return
		}
	case "temperature":
		if temp, ok := value.(float64); ok {
			t := float32(temp)
			state.overrides.Temperature = &t
			return
		}
	case "thinking":
		if enabled, ok := value.(bool); ok {
			state.overrides.ThinkingEnabled = &enabled
			return
		}
	case "reset":
		state.overrides = router.RequestOverrides{}
		return
	default:
		slog.Debug("Ignoring unknown configure setting", "setting", setting)
		return
	}
	slog.Warn("Ignoring configure value of the wrong type", "setting", setting)
}

func (h *Handler) enqueue(state *connState, frame InboundFrame) {
	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = state.conversationID
	}
	req := &queue.Request{
		UserID:         state.userID,
		ConversationID: conversationID,
		Message:        frame.Message,
		Attachments:    frame.Attachments,
		ClientKind:     state.client.Kind,
		Overrides:      state.overrides,
		Keys: queue.RoutingKeys{
			ClientID:  state.client.ID,
			ChannelID: frame.ChannelID,
			MessageID: frame.MessageID,
		},
	}
	// Per-message overrides beat the connection-level configure.
	if frame.ModelID != "" {
		req.Overrides.ModelID = frame.ModelID
	}
	if frame.Temperature != nil {
		req.Overrides.Temperature = frame.Temperature
	}
	if frame.ThinkingEnabled != nil {
		req.Overrides.ThinkingEnabled = frame.ThinkingEnabled
	}

	id, err := h.queue.Enqueue(req)
	if err != nil {
		errFrame := sanitizeError(err)
		errFrame.ChannelID = frame.ChannelID
		errFrame.MessageID = frame.MessageID
		_ = state.client.Send(errFrame)
		return
	}
	h.hub.Queued(req, h.queue.Position(id))
}
