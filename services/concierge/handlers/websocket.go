// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/conversation"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit  = 16 * 1024
	wsIdleTime   = 5 * time.Minute
	wsWriteWait  = 10 * time.Second
	wsBufferSize = 4 * 1024
)

// WSFrame is one server-to-client message.
type WSFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Frame types.
const (
	FrameSession = "session"
	FrameReply   = "reply"
	FrameError   = "error"
)

// SocketObserver tracks open connections.
type SocketObserver interface {
	WebSocketOpened()
	WebSocketClosed()
}

// HandleChatWebSocket serves GET /api/chat/ws.
//
// # Description
//
// Each client frame is a ChatRequest and gets one reply frame with the same
// body as POST /api/chat plus a status label. The connection keeps one
// session: the first frame's session_id (or a generated one) is reused
// for later frames that omit it. Rate limiting and all guardrails apply per
// frame.
//
// # Inputs
//
//   - chatter: Runs turns.
//   - checkOrigin: Decides whether a browser origin may connect.
//   - obs: Optional connection gauge.
func HandleChatWebSocket(chatter Chatter, checkOrigin func(r *http.Request) bool, obs SocketObserver) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     checkOrigin,
	}

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("Failed to upgrade websocket", "error", err)
			return
		}
		defer ws.Close()
		if obs != nil {
			obs.WebSocketOpened()
			defer obs.WebSocketClosed()
		}

		clientKey := middleware.ClientKeyFrom(c)
		ws.SetReadLimit(wsReadLimit)
		sessionID := ""

		for {
			_ = ws.SetReadDeadline(time.Now().Add(wsIdleTime))
			var req ChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Info("Websocket client disconnected", "error", err)
				}
				return
			}
			if req.SessionID == "" {
				req.SessionID = sessionID
			}
			if err := req.Validate(); err != nil {
				if !writeFrame(ws, WSFrame{Type: FrameError, Status: statusText(http.StatusBadRequest), Error: err.Error()}) {
					return
				}
				continue
			}

			result, err := chatter.Handle(c.Request.Context(), conversation.TurnRequest{
				ClientKey: clientKey,
				SessionID: req.SessionID,
				Message:   req.Message,
			})
			status, body := Respond(result, err)
			frame := WSFrame{Type: FrameReply, Status: statusText(status)}
			switch b := body.(type) {
			case ChatResponse:
				frame.Reply = b.Reply
				frame.SessionID = b.SessionID
			case ErrorResponse:
				frame.Type = FrameError
				frame.Error = b.Error
			}
			if sessionID == "" && frame.SessionID != "" {
				sessionID = frame.SessionID
			}
			if !writeFrame(ws, frame) {
				return
			}
		}
	}
}

func writeFrame(ws *websocket.Conn, frame WSFrame) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(frame); err != nil {
		slog.Warn("Failed to write websocket frame", "error", err)
		return false
	}
	return true
}
