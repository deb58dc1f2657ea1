// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orderdesk runs the OrderDesk request engine.
//
// The engine takes chat messages from outlet operators, classifies
// intent, answers policy and product questions from the knowledge
// base, and hands qualifying order placements to the order agent.
//
// # Environment Variables
//
//   - ENGINE_PORT: HTTP server port (default: 8090)
//   - LLM_BACKEND_TYPE: Model provider - openai, ollama, claude (default: openai)
//   - LLM_API_KEY: Provider credential; /run/secrets/llm_api_key also works
//   - CACHE_URL: Redis address for the cache layers (optional)
//   - VECTOR_BACKEND_TYPE: chromem or weaviate (default: chromem)
//   - DATABASE_URL: Session store directory (default: ./data/sessions)
//   - SWEEP_SCHEDULE: Retention sweep cron expression (default: @hourly)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: Trace collector address (optional)
//
// # Usage
//
//	# Build
//	go build -o orderdesk ./cmd/orderdesk
//
//	# Serve
//	./orderdesk serve
//
//	# Run one retention sweep and exit
//	./orderdesk sweep
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}
