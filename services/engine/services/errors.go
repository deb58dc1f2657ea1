// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"errors"
	"fmt"

	"github.com/coralbridge/orderdesk/services/engine/ratelimit"
)

// =============================================================================
// Error Types
// =============================================================================

// The orchestrator reports failures through three typed errors, one per
// HTTP outcome that is not a completed response: validation rejections
// (from the validation package), rate limit denials, and fatal request
// failures. Everything else, including degraded upstream calls, is data
// on the response, never an error.

// RateLimitedError is returned when admission is denied. The embedded
// Decision names the denying dimension and the retry horizon, which the
// handler surfaces as Retry-After.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s",
		e.Decision.Dimension, e.Decision.RetryAfter)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}

// AsRateLimited unwraps err to a RateLimitedError, or returns nil.
func AsRateLimited(err error) *RateLimitedError {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle
	}
	return nil
}

// PersistenceError wraps a session store write that failed after the
// response was already computed. The orchestrator logs it, counts the
// turn as unpersisted, and responds anyway; it never crosses the HTTP
// boundary as a failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceFailure reports whether err is (or wraps) a
// PersistenceError.
func IsPersistenceFailure(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// FatalError marks a request that cannot produce a response at all,
// such as a session store that refuses to bind a session. Handlers map
// it to HTTP 500.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
