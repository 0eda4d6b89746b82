// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin handlers of the concierge HTTP surface.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/conversation"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/middleware"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Request Types
// =============================================================================

// ChatRequest is the body of POST /api/chat and of each websocket frame.
//
// # Validation
//
// Structural checks run here with go-playground/validator. Length limits
// that depend on configuration are enforced by the orchestrator.
type ChatRequest struct {
	Message   string `json:"message" validate:"required"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,sessionid"`
}

// ChatResponse is returned for every admitted or rate-limited turn.
type ChatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id,omitempty"`
}

// ErrorResponse is returned when no reply is produced.
type ErrorResponse struct {
	Error string `json:"error"`
}

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = chatValidate.RegisterValidation("sessionid", validateSessionID)
}

// validateSessionID accepts letters, digits and "-_.:" only.
func validateSessionID(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

// Validate runs the struct tags.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &conversation.ValidationError{
				Field:  jsonField(verrs[0].Field()),
				Reason: describeTag(verrs[0].Tag()),
			}
		}
		return err
	}
	return nil
}

func jsonField(name string) string {
	switch name {
	case "SessionID":
		return "session_id"
	default:
		return strings.ToLower(name)
	}
}

func describeTag(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "sessionid":
		return "may only contain letters, digits and -_.:"
	default:
		return "is invalid"
	}
}

// =============================================================================
// Chat Handler
// =============================================================================

// Chatter runs one conversational turn.
type Chatter interface {
	Handle(ctx context.Context, req conversation.TurnRequest) (*conversation.TurnResult, error)
}

// HandleChat serves POST /api/chat.
//
// # Description
//
// Status mapping:
//   - 200: FINAL or MAX_ITERATIONS
//   - 400: malformed body or ValidationError
//   - 429: RateLimitExceeded, with Retry-After and the cooldown reply
//   - 502: provider error, with the apology reply
//   - 504: provider or turn timeout, with the apology reply
//   - 500: anything else, with the apology reply
//
// The turn itself runs detached from the request; if the client has gone
// by the time it finishes, the response is dropped.
func HandleChat(chatter Chatter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}

		result, err := chatter.Handle(c.Request.Context(), conversation.TurnRequest{
			ClientKey: middleware.ClientKeyFrom(c),
			SessionID: req.SessionID,
			Message:   req.Message,
		})
		if c.Request.Context().Err() != nil {
			slog.Info("Client disconnected before reply", "session_id", sessionOf(result))
			return
		}

		status, body := Respond(result, err)
		var rle *conversation.RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
		}
		c.JSON(status, body)
	}
}

// Respond maps a turn outcome to a status code and body.
func Respond(result *conversation.TurnResult, err error) (int, any) {
	var ve *conversation.ValidationError
	var pe *conversation.ProviderError
	switch {
	case err == nil && result != nil:
		return http.StatusOK, ChatResponse{Reply: result.Reply, SessionID: result.SessionID}
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorResponse{Error: ve.Error()}
	case errors.Is(err, conversation.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, replyOrApology(result)
	case errors.As(err, &pe) && pe.Timeout:
		return http.StatusGatewayTimeout, replyOrApology(result)
	case errors.As(err, &pe):
		return http.StatusBadGateway, replyOrApology(result)
	default:
		slog.Error("Chat turn failed", "session_id", sessionOf(result), "error", err)
		return http.StatusInternalServerError, replyOrApology(result)
	}
}

func replyOrApology(result *conversation.TurnResult) ChatResponse {
	if result == nil || result.Reply == "" {
		return ChatResponse{Reply: conversation.Apology(""), SessionID: sessionOf(result)}
	}
	return ChatResponse{Reply: result.Reply, SessionID: result.SessionID}
}

func sessionOf(result *conversation.TurnResult) string {
	if result == nil {
		return ""
	}
	return result.SessionID
}

// statusText is the short outcome label used in websocket frames.
func statusText(status int) string {
	switch status {
	case http.StatusOK:
		return "ok"
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusBadGateway:
		return "provider_error"
	default:
		return fmt.Sprintf("error_%d", status)
	}
}
