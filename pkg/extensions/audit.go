// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// Event types the engine emits. Implementations may see further types
// from deployment-specific callers.
const (
	// EventChatRefused is recorded when the engine refuses a message
	// on security grounds instead of answering it.
	EventChatRefused = "chat.refused"

	// EventOrderDispatched is recorded when a classified order is
	// handed to the order agent.
	EventOrderDispatched = "order.dispatched"
)

// Metadata carries event-specific key-value pairs. Not safe for
// concurrent mutation; build it fully before handing it to Log.
type Metadata map[string]any

// NewMetadata returns an empty, non-nil Metadata.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set stores value under key and returns m for chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// GetString returns the string stored under key.
func (m Metadata) GetString(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// GetInt64 returns the int64 stored under key, converting from int.
func (m Metadata) GetInt64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// AuditEvent is one security-relevant occurrence.
//
// # Description
//
// Captures what regulated customers need for incident review: who, what,
// when, against which resource, and with what outcome. The engine
// populates UserID with the request's user id, "anonymous" when absent.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    EventChatRefused,
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       req.UserID,
//	    Action:       "refuse",
//	    ResourceType: "message",
//	    Outcome:      "blocked",
//	    Metadata:     NewMetadata().Set("session_id", sessionID),
//	}
type AuditEvent struct {
	// EventType categorizes the event, "category.action" form.
	EventType string

	// Timestamp is when the event occurred, UTC. Implementations set
	// it to now when zero.
	Timestamp time.Time

	// UserID is who acted. "anonymous" when the request carried none.
	UserID string

	// Action is the operation attempted: "refuse", "dispatch".
	Action string

	// ResourceType is the kind of resource involved: "message",
	// "order", "session".
	ResourceType string

	// ResourceID names the specific resource, when one exists.
	ResourceID string

	// Outcome is the result: "success", "blocked", "error".
	Outcome string

	// Metadata holds event-specific detail such as session_id,
	// security flags, or the client IP.
	Metadata Metadata
}

// AuditFilter selects events for Query. Zero fields are ignored;
// populated fields combine with AND.
type AuditFilter struct {
	EventTypes []string
	UserID     string
	StartTime  time.Time
	EndTime    time.Time
	Outcome    string
	Limit      int
}

// AuditLogger records audit events.
//
// # Description
//
// The engine calls Log on its request path for refusals and order
// dispatches, so implementations must return quickly; buffer and flush
// asynchronously if the sink is slow. A Log failure never fails the
// request that produced the event.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	// Log records one event. Implementations set Timestamp when zero.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns stored events matching filter, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists any buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event. The default for standalone
// deployments, where there is no compliance sink to feed.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
