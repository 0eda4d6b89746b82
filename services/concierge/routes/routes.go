// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/handlers"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/middleware"
	"github.com/gin-gonic/gin"
)

// Deps wires handlers to their collaborators. Metrics, Sockets and
// CheckOrigin are optional.
type Deps struct {
	Chatter  handlers.Chatter
	Sessions handlers.SessionClearer
	Health   handlers.HealthChecker
	Admin    *middleware.AdminGate

	// Config returns the redacted effective configuration.
	Config func() any

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Sockets     handlers.SocketObserver
	CheckOrigin func(r *http.Request) bool

	// MaxBodyBytes caps chat bodies. Zero means 64 KiB.
	MaxBodyBytes int64

	Version string
	Started time.Time
}

const defaultMaxBody = 64 * 1024

// SetupRoutes registers the public, admin and metrics routes.
func SetupRoutes(router *gin.Engine, deps Deps) {
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	router.GET("/health", handlers.HandleHealth(deps.Version, deps.Started))
	router.GET("/health/retrieval", handlers.HandleRetrievalHealth(deps.Health))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	{
		api.POST("/chat", middleware.MaxBody(maxBody), handlers.HandleChat(deps.Chatter))
		api.GET("/chat/ws", handlers.HandleChatWebSocket(deps.Chatter, deps.CheckOrigin, deps.Sockets))

		admin := api.Group("/admin", deps.Admin.Middleware())
		{
			admin.DELETE("/sessions/:id", handlers.HandleDeleteSession(deps.Sessions))
			admin.DELETE("/sessions", handlers.HandleClearSessions(deps.Sessions))
			admin.GET("/config", handlers.HandleConfig(deps.Config))
		}
	}
}
