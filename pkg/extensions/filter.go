// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned by callers when a filter rejects a
// message outright. Implementations that block wrap this error with the
// reason.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult is the outcome of one filter pass over a message.
type FilterResult struct {
	// Original is the input before filtering.
	Original string

	// Filtered is the message after transformation. Equals Original
	// when WasModified is false.
	Filtered string

	// WasModified reports whether any transformation was applied.
	WasModified bool

	// WasBlocked reports whether the message was rejected entirely.
	// Filtered must not be used when true.
	WasBlocked bool

	// BlockReason explains a block, empty otherwise.
	BlockReason string

	// Detections lists what the filter found, for audit logging.
	Detections []Detection
}

// Detection describes one item a filter acted on.
type Detection struct {
	// Type categorizes the finding, e.g. "pii_email", "pii_ssn".
	Type string

	// Location describes where in the message the item was found.
	Location string

	// Action is what was done: "redacted", "flagged", "blocked".
	Action string

	// Replacement is the text the item was replaced with, when redacted.
	Replacement string
}

// MessageFilter transforms conversation text at the persistence and
// prompt boundaries.
//
// # Description
//
// The request pipeline runs messages through a filter at three points:
// FilterInput on the user message before it is stored, FilterOutput on
// the assistant reply before it is stored, and FilterContext on
// retrieved policy excerpts before prompt assembly. The shipped
// PIIFilter redacts personal data from stored turns; deployments with
// stricter compliance needs substitute their own implementation through
// ServiceOptions.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type MessageFilter interface {
	// FilterInput processes a user message before it is persisted or
	// sent to a model. A non-nil error means the filter itself failed,
	// not that the message was blocked.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes an assistant reply before it is persisted.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)

	// FilterContext processes retrieved reference text before it is
	// injected into a prompt.
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter passes every message through unchanged. It is the
// default when no filter is configured.
type NopMessageFilter struct{}

func passthrough(message string) *FilterResult {
	return &FilterResult{Original: message, Filtered: message}
}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterContext returns the context unchanged.
func (f *NopMessageFilter) FilterContext(_ context.Context, contextMsg string) (*FilterResult, error) {
	return passthrough(contextMsg), nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)
