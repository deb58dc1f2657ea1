// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the model client interfaces and the backend
// implementations behind them: OpenAI, Ollama, and Anthropic chat
// clients, embedders, the circuit breaker wrapper, and token
// accounting.
package llm

import (
	"context"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSONMode requests a JSON object response on backends that support
	// it natively; the others rely on prompt instructions alone.
	JSONMode bool `json:"json_mode"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []datatypes.Turn, params GenerationParams) (string, error)
}

// Embedder produces embedding vectors for the semantic cache layer and
// knowledge retrieval. Implementations return one vector per input, in
// input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
