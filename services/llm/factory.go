// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"log/slog"

	"github.com/coralbridge/orderdesk/services/engine/config"
)

// NewClient builds an LLM client for the configured backend with the
// given model. Two clients exist per process: a cheap one for intent
// classification and a stronger one for response generation, both
// sharing the backend selection and credential.
func NewClient(cfg *config.Config, model string) (LLMClient, error) {
	switch cfg.LLMBackend {
	case config.BackendOpenAI:
		apiKey, err := cfg.LLMAPIKey.Reveal()
		if err != nil {
			return nil, err
		}
		slog.Info("Using OpenAI LLM backend", "model", model)
		return NewOpenAIClient(apiKey, model, cfg.EmbeddingModel)
	case config.BackendOllama:
		slog.Info("Using Ollama LLM backend", "model", model)
		return NewOllamaClient(cfg.OllamaBaseURL, model, cfg.EmbeddingModel)
	case config.BackendClaude:
		apiKey, err := cfg.LLMAPIKey.Reveal()
		if err != nil {
			return nil, err
		}
		slog.Info("Using Anthropic (Claude) LLM backend", "model", model)
		return NewAnthropicClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLMBackend)
	}
}

// NewEmbedder builds the embedding client for the configured backend.
//
// Anthropic has no embedding API, so the claude backend borrows the
// Ollama embedder when a server is reachable there; otherwise the
// semantic cache layer and knowledge retrieval run degraded with a nil
// embedder.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	switch cfg.LLMBackend {
	case config.BackendOpenAI:
		apiKey, err := cfg.LLMAPIKey.Reveal()
		if err != nil {
			return nil, err
		}
		return NewOpenAIClient(apiKey, "", cfg.EmbeddingModel)
	case config.BackendOllama, config.BackendClaude:
		return NewOllamaClient(cfg.OllamaBaseURL, "", cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLMBackend)
	}
}
