// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/coralbridge/orderdesk/services/guardrails"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	guard, err := guardrails.NewEngine()
	if err != nil {
		t.Fatalf("guardrails.NewEngine() failed: %v", err)
	}
	return NewValidator(guard)
}

func TestValidate_ShapeRules(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		input    string
		wantKind string // "" means accepted
	}{
		// Accepted
		{"simple message", "do you deliver to Bukit Timah?", ""},
		{"exactly max bytes", strings.Repeat("word ", 1000), ""},
		{"token at limit", strings.Repeat("x", 100), ""},
		{"allowed control chars", "line one\nline two\ttabbed\r", ""},
		{"chinese message", "你们送货到新加坡吗", ""},

		// Rejected
		{"empty", "", KindTooShort},
		{"whitespace only", "   ", KindTooShort},
		{"tabs and newlines only", "\t\n \r\n", KindTooShort},
		{"one byte over max", strings.Repeat("word ", 1000) + "x", KindTooLong},
		{"token over limit", "please find " + strings.Repeat("x", 101), KindTokenTooLong},
		{"null byte", "hello\x00world", KindBadEncoding},
		{"invalid utf-8", "hello\xff\xfeworld", KindBadEncoding},
		{"escape control char", "hello\x1bworld", KindBadEncoding},
		{"bell control char", "ding\ading", KindBadEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vt, err := v.Validate(tt.input)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Validate(%q) unexpected error: %v", tt.input, err)
				}
				if vt.Text == "" {
					t.Errorf("Validate(%q) returned empty sanitized text", tt.input)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate(%q) accepted, want kind %q", tt.input, tt.wantKind)
			}
			ve := AsValidationError(err)
			if ve == nil {
				t.Fatalf("Validate(%q) error = %v, want *ValidationError", tt.input, err)
			}
			if ve.Kind != tt.wantKind {
				t.Errorf("Validate(%q) kind = %q, want %q", tt.input, ve.Kind, tt.wantKind)
			}
		})
	}
}

func TestValidate_SanitizedTextReturned(t *testing.T) {
	v := newTestValidator(t)

	vt, err := v.Validate("  what   time do you\n\nopen?  ")
	if err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	want := "what time do you open?"
	if vt.Text != want {
		t.Errorf("sanitized text = %q, want %q", vt.Text, want)
	}
}

func TestValidate_SecurityFlagsDoNotReject(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		input    string
		wantFlag string
	}{
		{"sql statement", "SELECT password FROM users WHERE name = 'admin'", "sql_injection"},
		{"shell chaining", "show menu && rm -rf /tmp/cache", "command_injection"},
		{"path traversal", "open ../../etc/passwd please", "path_traversal"},
		{"script tag", "hi <script>alert(1)</script>", "xss"},
		{"email address", "send the invoice to ops@coralbridge.sg", "pii_email"},
		{"ssn shape", "my id is 523-12-9876", "pii_ssn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vt, err := v.Validate(tt.input)
			if err != nil {
				t.Fatalf("Validate(%q) rejected: %v, pattern matches must flag not reject", tt.input, err)
			}
			if !slices.Contains(vt.SecurityFlags, tt.wantFlag) {
				t.Errorf("Validate(%q) flags = %v, want to contain %q", tt.input, vt.SecurityFlags, tt.wantFlag)
			}
			if len(vt.Findings) == 0 {
				t.Errorf("Validate(%q) returned no findings", tt.input)
			}
		})
	}
}

func TestValidate_CleanMessageHasNoFlags(t *testing.T) {
	v := newTestValidator(t)

	vt, err := v.Validate("what are your opening hours on Sunday?")
	if err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if len(vt.SecurityFlags) != 0 {
		t.Errorf("flags = %v, want none", vt.SecurityFlags)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"trims ends", "  hello  ", "hello"},
		{"collapses runs", "a  b\t\tc\n\nd", "a b c d"},
		{"unicode space collapsed", "a　b", "a b"},
		{"strips nulls", "he\x00llo", "hello"},
		{"nfc composes", "café", "café"},
		{"already clean", "hello world", "hello world"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidationError(t *testing.T) {
	ve := &ValidationError{Kind: KindTooLong, Detail: "too big"}

	if !IsValidationError(ve) {
		t.Error("IsValidationError(ve) = false, want true")
	}
	wrapped := fmt.Errorf("admission failed: %w", ve)
	if !IsValidationError(wrapped) {
		t.Error("IsValidationError(wrapped) = false, want true")
	}
	if AsValidationError(wrapped).Kind != KindTooLong {
		t.Error("AsValidationError(wrapped) lost the kind")
	}
	if IsValidationError(errors.New("plain")) {
		t.Error("IsValidationError(plain) = true, want false")
	}
	if AsValidationError(errors.New("plain")) != nil {
		t.Error("AsValidationError(plain) != nil")
	}
}
