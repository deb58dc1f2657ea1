// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the engine's injection points.
//
// Deployments extend OrderDesk by providing concrete implementations of
// these interfaces and passing them to the engine via ServiceOptions.
// The standalone build runs with the defaults defined here: a regex PII
// filter over the persistence boundary and a discard audit logger.
//
// # Extension Categories
//
//   - audit.go: compliance audit logging (AuditLogger)
//   - filter.go: message transformation and PII redaction (MessageFilter)
//
// # Thread Safety
//
// All implementations must be safe for concurrent use; the engine calls
// them from request goroutines without synchronization.
package extensions

// ServiceOptions groups the extension points accepted by the engine.
//
// All fields are optional. Nil fields fall back to the defaults from
// DefaultOptions when the engine starts.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAudit(siemAuditor).
//	    WithFilter(tenantFilter)
type ServiceOptions struct {
	// AuditLogger records refusals and order dispatches.
	// Default: NopAuditLogger (discards all events).
	AuditLogger AuditLogger

	// MessageFilter scrubs conversation text before persistence.
	// Default: the built-in PII filter when the engine constructs its
	// own options, NopMessageFilter here.
	MessageFilter MessageFilter
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}
