// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"strings"
	"testing"

	"github.com/coralbridge/orderdesk/services/guardrails"
)

func newPIIFilter(t *testing.T) *PIIFilter {
	t.Helper()
	guard, err := guardrails.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return NewPIIFilter(guard)
}

func TestPIIFilter_RedactsEmail(t *testing.T) {
	f := newPIIFilter(t)

	res, err := f.FilterInput(context.Background(), "invoice goes to accounts@harbourcafe.sg please")
	if err != nil {
		t.Fatalf("FilterInput: %v", err)
	}
	if !res.WasModified {
		t.Fatal("expected modification")
	}
	if res.WasBlocked {
		t.Fatal("PII filter must never block")
	}
	if !strings.Contains(res.Filtered, "[EMAIL]") {
		t.Errorf("Filtered = %q, want [EMAIL] placeholder", res.Filtered)
	}
	if strings.Contains(res.Filtered, "accounts@harbourcafe.sg") {
		t.Errorf("Filtered = %q still contains the address", res.Filtered)
	}
	if len(res.Detections) != 1 {
		t.Fatalf("Detections = %d, want 1", len(res.Detections))
	}
	d := res.Detections[0]
	if d.Type != "pii_email" || d.Action != "redacted" || d.Replacement != "[EMAIL]" {
		t.Errorf("Detection = %+v", d)
	}
}

func TestPIIFilter_RedactsMultipleSpans(t *testing.T) {
	f := newPIIFilter(t)

	in := "SSN 123-45-6789, card 4111-1111-1111-1111, mail a@b.com"
	res, err := f.FilterInput(context.Background(), in)
	if err != nil {
		t.Fatalf("FilterInput: %v", err)
	}
	for _, want := range []string{"[SSN]", "[CREDIT_CARD]", "[EMAIL]"} {
		if !strings.Contains(res.Filtered, want) {
			t.Errorf("Filtered = %q, missing %s", res.Filtered, want)
		}
	}
	for _, leaked := range []string{"123-45-6789", "4111-1111-1111-1111", "a@b.com"} {
		if strings.Contains(res.Filtered, leaked) {
			t.Errorf("Filtered = %q still contains %q", res.Filtered, leaked)
		}
	}
	if res.Original != in {
		t.Errorf("Original = %q, want input preserved", res.Original)
	}
}

func TestPIIFilter_CleanTextUnchanged(t *testing.T) {
	f := newPIIFilter(t)

	in := "20 bags of jasmine rice for Friday please"
	res, err := f.FilterInput(context.Background(), in)
	if err != nil {
		t.Fatalf("FilterInput: %v", err)
	}
	if res.WasModified || res.Filtered != in {
		t.Errorf("clean text changed: %q", res.Filtered)
	}
	if len(res.Detections) != 0 {
		t.Errorf("Detections = %v, want none", res.Detections)
	}
}

func TestPIIFilter_InjectionPatternsNotRewritten(t *testing.T) {
	f := newPIIFilter(t)

	in := "SELECT * FROM orders WHERE id=1"
	res, err := f.FilterInput(context.Background(), in)
	if err != nil {
		t.Fatalf("FilterInput: %v", err)
	}
	if res.WasModified {
		t.Errorf("injection pattern was rewritten to %q; detection is the validator's job", res.Filtered)
	}
}

func TestPIIFilter_OutputFiltered(t *testing.T) {
	f := newPIIFilter(t)

	res, err := f.FilterOutput(context.Background(), "We will confirm at driver@coralbridge.sg.")
	if err != nil {
		t.Fatalf("FilterOutput: %v", err)
	}
	if !strings.Contains(res.Filtered, "[EMAIL]") {
		t.Errorf("Filtered = %q, want assistant text scrubbed too", res.Filtered)
	}
}

func TestPIIFilter_ContextPassthrough(t *testing.T) {
	f := newPIIFilter(t)

	in := "Returns contact: returns@coralbridge.sg, section 4.2"
	res, err := f.FilterContext(context.Background(), in)
	if err != nil {
		t.Fatalf("FilterContext: %v", err)
	}
	if res.WasModified || res.Filtered != in {
		t.Errorf("policy excerpt rewritten: %q", res.Filtered)
	}
}

func TestPIIFilter_NilGuard(t *testing.T) {
	f := NewPIIFilter(nil)

	res, err := f.FilterInput(context.Background(), "mail a@b.com")
	if err != nil {
		t.Fatalf("FilterInput: %v", err)
	}
	if res.WasModified {
		t.Error("nil guard must pass text through")
	}
}
