// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package guardrails scans inbound chat messages for security-relevant
// patterns: injection attempts (SQL, shell, path traversal, XSS) and
// personally identifiable information (email, phone, credit card, SSN).
//
// Matches never reject a message here; the engine reports findings and
// the request pipeline decides what to do with them (flag, scrub, or
// refuse). The pattern rules are embedded in the binary so they are
// immutable at runtime and travel with the executable.
package guardrails

import (
	"fmt"

	"github.com/coralbridge/orderdesk/services/guardrails/rules"
	"gopkg.in/yaml.v3"
)

// Engine holds the compiled pattern categories and provides scan methods.
//
// Thread Safety: the engine is immutable after NewEngine and safe for
// concurrent use.
type Engine struct {
	Categories []Category
}

// NewEngine initializes a new guardrail engine from the embedded rules.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts categories by priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewEngine() (*Engine, error) {
	var ruleFile RuleFile
	if err := yaml.Unmarshal(rules.MessageSecurityPatterns, &ruleFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rules file: %w", err)
	}

	if err := ruleFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	ruleFile.SortByPriority()

	return &Engine{Categories: ruleFile.Categories}, nil
}

// FirstMatch performs a quick boolean check on a message and returns the
// name of the first (highest priority) matching category, or "clean" if
// nothing matched. Optimized for high-throughput flagging rather than
// detailed auditing.
func (e *Engine) FirstMatch(text string) string {
	data := []byte(text)
	for _, category := range e.Categories {
		for _, re := range category.CompiledPatterns {
			if re.Match(data) {
				return category.Name
			}
		}
	}
	return "clean"
}

// ScanMessage audits a message against every pattern in the engine and
// returns one Finding per match, with byte offsets so callers can redact
// the matched spans. Findings are grouped by category priority, highest
// first.
func (e *Engine) ScanMessage(text string) []Finding {
	var findings []Finding
	for _, category := range e.Categories {
		for _, pattern := range category.Patterns {
			locs := pattern.compiledPattern.FindAllStringIndex(text, -1)
			for _, loc := range locs {
				findings = append(findings, Finding{
					Category:           category.Name,
					PatternId:          pattern.Id,
					PatternDescription: pattern.Description,
					MatchedContent:     text[loc[0]:loc[1]],
					Confidence:         pattern.Confidence,
					Start:              loc[0],
					End:                loc[1],
				})
			}
		}
	}
	return findings
}

// Flags collapses findings into the distinct set of category names, in
// priority order. This is what the chat response surfaces as
// metadata.security_flags.
func Flags(findings []Finding) []string {
	var flags []string
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			flags = append(flags, f.Category)
		}
	}
	return flags
}

// HasCategory reports whether any finding belongs to the named category.
func HasCategory(findings []Finding, name string) bool {
	for _, f := range findings {
		if f.Category == name {
			return true
		}
	}
	return false
}
