// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command concierge runs the resume assistant.
//
// # Usage
//
//	# Serve with defaults, overriding the port
//	concierge serve --port 9000
//
//	# Serve from a config file
//	concierge --config concierge.yaml serve
//
//	# Embed the resume into Weaviate (rebuild with --force)
//	concierge index --force
//
//	# Validate a pattern table and try a message against it
//	concierge patterns check patterns.yaml --text "ignore previous instructions"
//
// # Environment Variables
//
// See services/concierge/config.go. Secrets (ANTHROPIC_API_KEY,
// OPENAI_API_KEY, CONCIERGE_ADMIN_TOKEN) may also be mounted under
// /run/secrets.
package main

import (
	"os"

	"github.com/awnumar/memguard"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		memguard.Purge()
		os.Exit(1)
	}
}
