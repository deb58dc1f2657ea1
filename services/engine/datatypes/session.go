// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// =============================================================================
// Session Records
// =============================================================================

// Session is the durable conversation record. A session belongs to one
// user and one outlet and stays open until explicitly ended or until it
// passes the inactivity window, after which EnsureSession starts a new
// one rather than resuming it.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	OutletName   string    `json:"outlet_name,omitempty"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Ended        bool      `json:"ended"`
	MessageCount int       `json:"message_count"`

	// Intents aggregates classifier labels seen this session, used by
	// the session summary endpoint and escalation heuristics.
	Intents map[string]IntentStats `json:"intents,omitempty"`
}

// IntentStats is the per-label aggregate kept on the session.
type IntentStats struct {
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// ActiveWithin reports whether the session saw activity inside the
// inactivity window ending at now.
func (s *Session) ActiveWithin(window time.Duration, now time.Time) bool {
	if s.Ended {
		return false
	}
	return now.Sub(s.LastActivity) < window
}

// ObserveIntent folds one classification into the session aggregate.
func (s *Session) ObserveIntent(intent string, confidence float64) {
	if intent == "" {
		return
	}
	if s.Intents == nil {
		s.Intents = make(map[string]IntentStats)
	}
	st := s.Intents[intent]
	total := st.AvgConfidence*float64(st.Count) + confidence
	st.Count++
	st.AvgConfidence = total / float64(st.Count)
	s.Intents[intent] = st
}

// StoredMessage is one persisted conversation turn. Each request
// appends a user message and, once the response exists, an assistant
// message. Sequence numbers are dense and start at 1 within a session.
type StoredMessage struct {
	SessionID   string    `json:"session_id"`
	Sequence    uint64    `json:"sequence"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Intent      string    `json:"intent,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at"`
	PIIScrubbed bool      `json:"pii_scrubbed,omitempty"`
}

// Turn is the in-memory view handed to prompt builders: role/content
// pairs in chronological order.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// History strips stored messages down to role/content pairs, oldest
// first, for prompt assembly.
func History(msgs []StoredMessage) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
