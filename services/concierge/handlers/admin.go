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
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SessionClearer is the admin view of the session store.
type SessionClearer interface {
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
}

// HandleDeleteSession serves DELETE /api/admin/sessions/:id.
//
// # Description
//
// Must be mounted behind the admin gate. Answers 204 whether or not the
// session existed so the response carries no information about it.
func HandleDeleteSession(store SessionClearer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := store.Delete(c.Request.Context(), id); err != nil {
			slog.Error("Failed to delete session", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to delete session"})
			return
		}
		slog.Info("Admin deleted session")
		c.Status(http.StatusNoContent)
	}
}

// HandleClearSessions serves DELETE /api/admin/sessions.
func HandleClearSessions(store SessionClearer) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := store.Clear(c.Request.Context())
		if err != nil {
			slog.Error("Failed to clear sessions", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to clear sessions"})
			return
		}
		slog.Info("Admin cleared sessions", "count", n)
		c.Status(http.StatusNoContent)
	}
}

// HandleConfig serves GET /api/admin/config. redacted must return the
// effective configuration with secrets already masked.
func HandleConfig(redacted func() any) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, redacted())
	}
}
