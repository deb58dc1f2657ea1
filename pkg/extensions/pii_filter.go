// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"fmt"
	"sort"

	"github.com/coralbridge/orderdesk/services/guardrails"
)

// redactionFor maps PII pattern categories to the placeholder written
// into stored turns. Categories not listed here (injection patterns,
// path traversal) are detection-only and never rewritten.
var redactionFor = map[string]string{
	"pii_email":       "[EMAIL]",
	"pii_phone":       "[PHONE]",
	"pii_credit_card": "[CREDIT_CARD]",
	"pii_ssn":         "[SSN]",
}

// PIIFilter redacts personal data from conversation turns before they
// reach the session store.
//
// # Description
//
// The filter scans text with the shared guardrail pattern engine and
// replaces each PII span with a typed placeholder: [EMAIL], [PHONE],
// [CREDIT_CARD], or [SSN]. Responses shown to the caller are never
// filtered; only the persisted copies are. FilterContext passes policy
// excerpts through unchanged, since curated policy text carries no
// customer data and rewriting it would corrupt citations.
//
// # Thread Safety
//
// Safe for concurrent use; the pattern engine is immutable after
// construction.
type PIIFilter struct {
	guard *guardrails.Engine
}

// NewPIIFilter returns a filter backed by the given pattern engine.
func NewPIIFilter(guard *guardrails.Engine) *PIIFilter {
	return &PIIFilter{guard: guard}
}

// FilterInput redacts PII spans from a user message.
func (f *PIIFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return f.redact(message), nil
}

// FilterOutput redacts PII spans from an assistant reply. Models can
// echo personal data back out of the conversation, so stored replies
// get the same treatment as stored user turns.
func (f *PIIFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return f.redact(message), nil
}

// FilterContext returns retrieved reference text unchanged.
func (f *PIIFilter) FilterContext(_ context.Context, contextMsg string) (*FilterResult, error) {
	return passthrough(contextMsg), nil
}

func (f *PIIFilter) redact(text string) *FilterResult {
	result := passthrough(text)
	if f.guard == nil || text == "" {
		return result
	}

	findings := f.guard.ScanMessage(text)
	spans := piiSpans(text, findings)
	if len(spans) == 0 {
		return result
	}

	// Replace back to front so earlier offsets stay valid.
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		out = out[:s.start] + s.placeholder + out[s.end:]
	}

	result.Filtered = out
	result.WasModified = true
	for _, s := range spans {
		result.Detections = append(result.Detections, Detection{
			Type:        s.category,
			Location:    fmt.Sprintf("bytes %d-%d", s.start, s.end),
			Action:      "redacted",
			Replacement: s.placeholder,
		})
	}
	return result
}

type piiSpan struct {
	start, end  int
	category    string
	placeholder string
}

// piiSpans selects the redactable findings, sorted by position with
// overlaps dropped. Findings arrive in category priority order, so when
// two patterns claim overlapping bytes the higher-priority category
// keeps the span.
func piiSpans(text string, findings []guardrails.Finding) []piiSpan {
	var spans []piiSpan
	for _, fd := range findings {
		placeholder, ok := redactionFor[fd.Category]
		if !ok {
			continue
		}
		if fd.Start < 0 || fd.End > len(text) || fd.Start >= fd.End {
			continue
		}
		if overlapsAny(spans, fd.Start, fd.End) {
			continue
		}
		spans = append(spans, piiSpan{
			start:       fd.Start,
			end:         fd.End,
			category:    fd.Category,
			placeholder: placeholder,
		})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	return spans
}

func overlapsAny(spans []piiSpan, start, end int) bool {
	for _, s := range spans {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}

var _ MessageFilter = (*PIIFilter)(nil)
