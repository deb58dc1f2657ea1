// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "testing"

// =============================================================================
// Identifier Tests
// =============================================================================

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sess-1", true},
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"user_42.staging", true},
		{"", true},
		{"a b", false},
		{"sess:1", false},
		{"sess/../1", false},
		{"id\nforged=true", false},
		{`id"quote`, false},
		{"café", false},
	}
	for _, tt := range tests {
		if got := ValidIdentifier(tt.id); got != tt.want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestChatRequest_Validate(t *testing.T) {
	ok := ChatRequest{Message: "100 boxes please", SessionID: "sess-1", UserID: "user-7"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("well-formed ids rejected: %v", err)
	}

	empty := ChatRequest{Message: "hello"}
	if err := empty.Validate(); err != nil {
		t.Fatalf("absent ids rejected: %v", err)
	}

	bad := ChatRequest{Message: "hello", SessionID: "sess 1"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected whitespace in session id to fail validation")
	}

	badUser := ChatRequest{Message: "hello", UserID: "user\n7"}
	if err := badUser.Validate(); err == nil {
		t.Fatal("expected control character in user id to fail validation")
	}
}
