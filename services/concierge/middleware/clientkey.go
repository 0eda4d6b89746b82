// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"encoding/hex"

	"github.com/gin-gonic/gin"
	"github.com/zeebo/blake3"
)

const clientKeyContextKey = "concierge_client_key"

// clientKeyBytes is the digest prefix length. 16 bytes keeps collisions
// out of reach for any realistic visitor count.
const clientKeyBytes = 16

// HashClientKey returns the hex blake3 digest prefix of raw, or "" for an
// empty input.
func HashClientKey(raw string) string {
	if raw == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:clientKeyBytes])
}

// ClientKey stores the hashed client address on the context.
//
// # Description
//
// The address is gin's ClientIP, which honours the engine's trusted proxy
// configuration. Downstream handlers read the key via ClientKeyFrom.
func ClientKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(clientKeyContextKey, HashClientKey(c.ClientIP()))
		c.Next()
	}
}

// ClientKeyFrom returns the key set by ClientKey. If the middleware did not
// run it hashes the address on the spot.
func ClientKeyFrom(c *gin.Context) string {
	if v, ok := c.Get(clientKeyContextKey); ok {
		if key, ok := v.(string); ok {
			return key
		}
	}
	return HashClientKey(c.ClientIP())
}
