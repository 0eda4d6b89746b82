// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the concierge service.
//
// # Admin Flow
//
//	Request
//	   │
//	   ▼
//	AdminGate.Middleware
//	   │
//	   ├─► Read "X-Admin-Token"
//	   │
//	   ├─► Constant-time compare against the sealed secret
//	   │
//	   └─► 401 and abort, or continue to the handler
//
// The gate runs before any handler, so a rejected caller learns nothing
// about which sessions exist.
//
// # Client Keys
//
// ClientKey derives the rate limit key from the client address. Raw
// addresses never leave this package; handlers and logs only see the
// blake3 digest prefix.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
)

// AdminTokenHeader carries the admin secret.
const AdminTokenHeader = "X-Admin-Token"

// =============================================================================
// Admin Gate
// =============================================================================

// AdminGate guards administrative endpoints with a shared secret.
//
// # Description
//
// The secret is sealed in a memguard Enclave: encrypted at rest in memory
// and only decrypted into locked memory for the duration of a comparison.
// A gate built from an empty secret rejects every request.
//
// # Thread Safety
//
// Safe for concurrent use. Each comparison opens its own buffer.
type AdminGate struct {
	enclave *memguard.Enclave
}

// NewAdminGate seals secret. The caller's copy is wiped.
func NewAdminGate(secret []byte) *AdminGate {
	if len(secret) == 0 {
		return &AdminGate{}
	}
	return &AdminGate{enclave: memguard.NewEnclave(secret)}
}

// Enabled reports whether a secret is configured.
func (g *AdminGate) Enabled() bool {
	return g != nil && g.enclave != nil
}

// Check compares candidate against the sealed secret in constant time.
func (g *AdminGate) Check(candidate string) bool {
	if !g.Enabled() || candidate == "" {
		return false
	}
	buf, err := g.enclave.Open()
	if err != nil {
		slog.Error("Failed to open admin token enclave", "error", err)
		return false
	}
	defer buf.Destroy()
	return subtle.ConstantTimeCompare(buf.Bytes(), []byte(candidate)) == 1
}

// Middleware returns the gin handler that enforces the gate.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 {"error": "unauthorized"} when the
//     header is absent or wrong. Never reveals which.
func (g *AdminGate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Check(c.GetHeader(AdminTokenHeader)) {
			slog.Warn("Rejected admin request",
				"path", c.FullPath(),
				"client", ClientKeyFrom(c),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
