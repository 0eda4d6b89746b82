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
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/retrieval"
	"github.com/gin-gonic/gin"
)

// HealthChecker reports retrieval reachability.
type HealthChecker interface {
	Health(ctx context.Context) retrieval.HealthReport
}

// HandleHealth serves GET /health. It only proves the process answers.
func HandleHealth(version string, started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"version":        version,
			"uptime_seconds": int64(time.Since(started).Seconds()),
		})
	}
}

// HandleRetrievalHealth serves GET /health/retrieval: 200 when retrieval
// is healthy or disabled, 503 when a collaborator is unreachable.
func HandleRetrievalHealth(checker HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := checker.Health(c.Request.Context())
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
