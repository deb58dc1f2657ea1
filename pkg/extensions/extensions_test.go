// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"
	"time"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.AuditLogger == nil {
		t.Error("DefaultOptions().AuditLogger should not be nil")
	}
	if opts.MessageFilter == nil {
		t.Error("DefaultOptions().MessageFilter should not be nil")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
	if _, ok := opts.MessageFilter.(*NopMessageFilter); !ok {
		t.Error("DefaultOptions().MessageFilter should be *NopMessageFilter")
	}
}

type recordingAuditLogger struct {
	NopAuditLogger
	events []AuditEvent
}

func (l *recordingAuditLogger) Log(_ context.Context, event AuditEvent) error {
	l.events = append(l.events, event)
	return nil
}

func TestServiceOptions_Builders(t *testing.T) {
	audit := &recordingAuditLogger{}
	filter := &NopMessageFilter{}

	opts := DefaultOptions().WithAudit(audit).WithFilter(filter)

	if opts.AuditLogger != audit {
		t.Error("WithAudit did not set the logger")
	}
	if opts.MessageFilter != filter {
		t.Error("WithFilter did not set the filter")
	}

	// Builders copy; the original stays on defaults.
	base := DefaultOptions()
	_ = base.WithAudit(audit)
	if _, ok := base.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("WithAudit mutated the receiver")
	}
}

// ============================================================================
// NopAuditLogger Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	logger := &NopAuditLogger{}
	ctx := context.Background()

	err := logger.Log(ctx, AuditEvent{
		EventType: EventChatRefused,
		UserID:    "user-1",
		Outcome:   "blocked",
	})
	if err != nil {
		t.Errorf("Log() error = %v", err)
	}

	events, err := logger.Query(ctx, AuditFilter{UserID: "user-1"})
	if err != nil {
		t.Errorf("Query() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Query() returned %d events from a discard logger", len(events))
	}

	if err := logger.Flush(ctx); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

// ============================================================================
// Metadata Tests
// ============================================================================

func TestMetadata(t *testing.T) {
	m := NewMetadata().
		Set("session_id", "sess-42").
		Set("order_id", int64(100001)).
		Set("retries", 3)

	if got, ok := m.GetString("session_id"); !ok || got != "sess-42" {
		t.Errorf("GetString(session_id) = %q, %v", got, ok)
	}
	if got, ok := m.GetInt64("order_id"); !ok || got != 100001 {
		t.Errorf("GetInt64(order_id) = %d, %v", got, ok)
	}
	if got, ok := m.GetInt64("retries"); !ok || got != 3 {
		t.Errorf("GetInt64(retries) with a plain int = %d, %v", got, ok)
	}
	if _, ok := m.GetString("order_id"); ok {
		t.Error("GetString(order_id) should fail on an int64 value")
	}
	if !m.Has("session_id") || m.Has("absent") {
		t.Error("Has() misreported key presence")
	}
}

// ============================================================================
// NopMessageFilter Tests
// ============================================================================

func TestNopMessageFilter_Passthrough(t *testing.T) {
	filter := &NopMessageFilter{}
	ctx := context.Background()
	msg := "my number is +65 8123 4567"

	for name, fn := range map[string]func(context.Context, string) (*FilterResult, error){
		"FilterInput":   filter.FilterInput,
		"FilterOutput":  filter.FilterOutput,
		"FilterContext": filter.FilterContext,
	} {
		res, err := fn(ctx, msg)
		if err != nil {
			t.Errorf("%s error = %v", name, err)
			continue
		}
		if res.Filtered != msg || res.WasModified || res.WasBlocked {
			t.Errorf("%s altered the message: %+v", name, res)
		}
	}
}

// The logger owns timestamp defaulting; the event must carry whatever
// the caller set.
func TestAuditEvent_CarriesTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	event := AuditEvent{EventType: EventOrderDispatched, Timestamp: ts}
	if !event.Timestamp.Equal(ts) {
		t.Error("AuditEvent dropped the timestamp")
	}
}
