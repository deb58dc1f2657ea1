// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation enforces the admission contract for inbound chat
// messages: size and encoding limits that reject outright, and security
// pattern detection that flags without rejecting.
//
// The split matters. Shape problems (empty, oversized, binary garbage)
// mean the message cannot be processed at all and map to HTTP 400.
// Pattern matches (injection attempts, PII) are still legitimate text
// from the model's point of view, so they ride along as security flags
// and the request pipeline decides how to act on them.
package validation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/guardrails"
	"golang.org/x/text/unicode/norm"
)

// Rejection kinds surfaced in the error payload of a 400 response.
const (
	KindTooShort     = "too_short"
	KindTooLong      = "too_long"
	KindBadEncoding  = "bad_encoding"
	KindTokenTooLong = "token_too_long"
)

// ValidationError reports why a message was rejected. Kind is one of the
// Kind* constants and is stable for clients; Detail is human-readable.
type ValidationError struct {
	Kind   string
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Kind + ": " + e.Detail
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsValidationError unwraps err to a ValidationError, or returns nil if
// err is not one.
func AsValidationError(err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}

// ValidatedText is the admission result for a message that passed every
// shape rule. Text is the sanitized form all downstream components see;
// the raw input is never used past this point.
type ValidatedText struct {
	// Text is the sanitized message: trimmed, whitespace runs collapsed
	// to single spaces, nulls stripped, NFC-normalized.
	Text string

	// SecurityFlags holds the distinct pattern categories that matched,
	// in priority order. Empty for clean messages.
	SecurityFlags []string

	// Findings carries the individual pattern matches with byte offsets
	// into Text, for PII redaction before persistence.
	Findings []guardrails.Finding
}

// Validator applies the admission rules. Immutable after construction
// and safe for concurrent use.
type Validator struct {
	guard *guardrails.Engine
}

// NewValidator returns a Validator that scans accepted messages with the
// given guardrail engine.
func NewValidator(guard *guardrails.Engine) *Validator {
	return &Validator{guard: guard}
}

// Validate checks a raw message against the admission rules and returns
// its sanitized form, or a ValidationError describing the first rule it
// broke.
//
// Rules, in order:
//  1. Byte length must be 1..5000 before sanitization.
//  2. No null bytes, no invalid UTF-8, no control characters other
//     than tab, newline, and carriage return.
//  3. After sanitization the message must still contain at least one
//     visible character (rejects whitespace-only input).
//  4. No whitespace-delimited token longer than 100 characters.
//
// Security patterns never reject here. Matches are logged and returned
// as flags; the exception for SQL injection is enforced by the caller.
//
// Example:
//
//	vt, err := validator.Validate(req.Message)
//	if err != nil {
//	    ve := validation.AsValidationError(err)
//	    // respond 400 with ve.Kind
//	}
func (v *Validator) Validate(text string) (*ValidatedText, error) {
	if len(text) == 0 {
		return nil, &ValidationError{Kind: KindTooShort, Detail: "message is empty"}
	}
	if len(text) > datatypes.MaxMessageBytes {
		return nil, &ValidationError{
			Kind:   KindTooLong,
			Detail: fmt.Sprintf("message is %d bytes, limit is %d", len(text), datatypes.MaxMessageBytes),
		}
	}

	if strings.ContainsRune(text, '\x00') {
		return nil, &ValidationError{Kind: KindBadEncoding, Detail: "message contains a null byte"}
	}
	if !utf8.ValidString(text) {
		return nil, &ValidationError{Kind: KindBadEncoding, Detail: "message is not valid UTF-8"}
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return nil, &ValidationError{
				Kind:   KindBadEncoding,
				Detail: fmt.Sprintf("message contains control character %q", r),
			}
		}
	}

	sanitized := Sanitize(text)
	if sanitized == "" {
		return nil, &ValidationError{Kind: KindTooShort, Detail: "message is empty after trimming whitespace"}
	}

	for _, token := range strings.Fields(sanitized) {
		if n := utf8.RuneCountInString(token); n > datatypes.MaxTokenChars {
			return nil, &ValidationError{
				Kind:   KindTokenTooLong,
				Detail: fmt.Sprintf("a single token is %d characters, limit is %d", n, datatypes.MaxTokenChars),
			}
		}
	}

	findings := v.guard.ScanMessage(sanitized)
	flags := guardrails.Flags(findings)
	if len(flags) > 0 {
		slog.Warn("security patterns detected in message",
			"flags", flags,
			"findings", len(findings))
	}

	return &ValidatedText{Text: sanitized, SecurityFlags: flags, Findings: findings}, nil
}

// Sanitize normalizes a message for downstream use: strips null bytes,
// trims leading and trailing whitespace, collapses internal whitespace
// runs (including Unicode spaces) to single spaces, and applies Unicode
// NFC so visually identical inputs compare equal.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.Join(strings.Fields(text), " ")
	return norm.NFC.String(text)
}
