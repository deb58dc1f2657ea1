// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the request engine.
//
// This file contains the wire types for the chat endpoint. JSON
// marshaling lives here at the edge; internal components exchange the
// typed records defined in the sibling files.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Input Limits
// =============================================================================

const (
	// MaxMessageBytes is the maximum accepted chat message size in bytes.
	// Larger payloads are rejected before any downstream work happens.
	MaxMessageBytes = 5000

	// MaxTokenChars is the maximum length of a single whitespace-delimited
	// token. Longer tokens are rejected as a buffer-overflow guard.
	MaxTokenChars = 100

	// HistoryWindow is how many recent turns feed classification, cache
	// context digests, and generation prompts.
	HistoryWindow = 3
)

// Supported conversation languages.
const (
	LanguageEnglish = "en"
	LanguageChinese = "zh"
	LanguageMalay   = "ms"
)

// DefaultLanguage applies when the request does not specify one.
const DefaultLanguage = LanguageEnglish

// Response modes. Requests may carry one as an advisory hint; the
// response mode is derived from the classified intent.
const (
	ModeOrder  = "order"
	ModeQuery  = "query"
	ModeStatus = "status"
)

// NormalizeLanguage maps an optional request language to a supported one.
// Unknown values fall back to the default; the binding layer rejects them
// before this is reached, so the fallback is for internal callers.
func NormalizeLanguage(lang string) string {
	switch lang {
	case LanguageEnglish, LanguageChinese, LanguageMalay:
		return lang
	default:
		return DefaultLanguage
	}
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate applies the validate tags on request types. Initialized
// once with the custom identifier rule.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("identifier", validateIdentifier)
}

// ValidIdentifier reports whether id is built from letters, digits,
// dot, underscore, and hyphen only.
//
// Client-supplied session and user ids travel verbatim into log lines,
// the audit trail, and dispatched order records. Server-generated ids
// are UUIDs; anything a client presents to resume one must stay in the
// same shape family, with no whitespace, quotes, or separators a
// downstream system could read as structure.
func ValidIdentifier(id string) bool {
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

func validateIdentifier(fl validator.FieldLevel) bool {
	return ValidIdentifier(fl.Field().String())
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the POST /api/chatbot request body.
//
// # Description
//
// A single user utterance plus optional routing hints. Only Message is
// required; SessionID is generated server-side when absent, Language
// defaults to English, and Mode is an advisory hint echoed back to the
// caller.
//
// # Validation
//
// Binding tags reject structurally invalid bodies before the validator
// pipeline runs: Language and Mode must be one of their enumerated
// values when present. Validate applies the identifier charset rule the
// binding layer cannot express. Deeper content checks (length, encoding,
// security patterns) happen in the validation package.
type ChatRequest struct {
	Message    string `json:"message" binding:"required"`
	SessionID  string `json:"session_id" binding:"omitempty,max=64" validate:"omitempty,identifier"`
	UserID     string `json:"user_id" binding:"omitempty,max=64" validate:"omitempty,identifier"`
	OutletName string `json:"outlet_name" binding:"omitempty,max=128"`
	Language   string `json:"language" binding:"omitempty,oneof=en zh ms"`
	Mode       string `json:"mode" binding:"omitempty,oneof=order query status"`
}

// Validate applies the validate tags. Handlers call this after binding.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Chat Response
// =============================================================================

// Citation points a response sentence back at the knowledge chunk that
// grounded it.
type Citation struct {
	PolicyID       string  `json:"policy_id"`
	PolicyName     string  `json:"policy_name"`
	Section        string  `json:"section"`
	RelevanceScore float64 `json:"relevance_score"`
	Content        string  `json:"content,omitempty"`
}

// TokenUsage contains token consumption statistics for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMetadata carries the per-request diagnostics surfaced to the
// caller. Degraded is a data flag, never an error: a degraded response
// still completed the full pipeline.
type ResponseMetadata struct {
	FromCache          bool        `json:"from_cache"`
	CacheBackend       string      `json:"cache_backend,omitempty"`
	Degraded           bool        `json:"degraded"`
	RequiresEscalation bool        `json:"requires_escalation,omitempty"`
	TurnPersisted      bool        `json:"turn_persisted"`
	IntentCached       bool        `json:"intent_cached,omitempty"`
	RetrievalCount     int         `json:"retrieval_count,omitempty"`
	SecurityFlags      []string    `json:"security_flags,omitempty"`
	PIIScrubbed        bool        `json:"pii_scrubbed,omitempty"`
	Tokens             *TokenUsage `json:"tokens,omitempty"`
	CostUSD            float64     `json:"cost_usd,omitempty"`
	LatencyMs          int64       `json:"latency_ms"`
	ModeHint           string      `json:"mode_hint,omitempty"`
	RequestID          string      `json:"request_id,omitempty"`
}

// ChatResponse is the POST /api/chatbot response body.
//
// # Description
//
// Returned for every orchestrator-completed request, including degraded
// ones. AgentTimeline and OrderID are populated only when the order
// dispatcher ran. Success is false for agent-layer refusals that still
// return HTTP 200.
type ChatResponse struct {
	Success       bool               `json:"success"`
	SessionID     string             `json:"session_id"`
	Message       string             `json:"message"`
	Intent        string             `json:"intent"`
	Confidence    float64            `json:"confidence"`
	Language      string             `json:"language"`
	Citations     []Citation         `json:"citations"`
	Mode          string             `json:"mode"`
	Metadata      ResponseMetadata   `json:"metadata"`
	AgentTimeline []AgentStageRecord `json:"agent_timeline,omitempty"`
	OrderID       *int64             `json:"order_id,omitempty"`
}

// ErrorResponse is the body for 4xx/5xx outcomes.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// NewRequestID returns a fresh UUID for request correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// NowUTC returns the current time in UTC. Exists so tests can pin
// timestamps by comparison rather than monkey-patching.
func NowUTC() time.Time {
	return time.Now().UTC()
}
