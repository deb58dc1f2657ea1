// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardrails

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// RuleFile is the top-level shape of the embedded pattern rules.
type RuleFile struct {
	Categories []Category `yaml:"categories"`
}

// Category groups related patterns under one security flag name
// (e.g. "sql_injection", "pii_email"). Higher priority categories are
// evaluated first so the most severe flag wins in FirstMatch.
type Category struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Priority         int              `yaml:"priority"`
	Patterns         []Pattern        `yaml:"patterns"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

type Pattern struct {
	Id              string          `yaml:"id"`
	Description     string          `yaml:"description"`
	Regex           string          `yaml:"regex"`
	Confidence      ConfidenceLevel `yaml:"confidence"`
	compiledPattern *regexp.Regexp  `yaml:"-"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

func (r *RuleFile) CompileRegexes() error {
	for i := range r.Categories {
		for j := range r.Categories[i].Patterns {
			pattern := &r.Categories[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			r.Categories[i].CompiledPatterns = append(r.Categories[i].CompiledPatterns, re)
			pattern.compiledPattern = re
		}
	}
	return nil
}

func (r *RuleFile) SortByPriority() {
	sort.Slice(r.Categories, func(i, j int) bool {
		return r.Categories[i].Priority > r.Categories[j].Priority
	})
}

// Finding describes a single pattern match inside a scanned message.
// Start and End are byte offsets into the scanned text, usable for
// span redaction before persistence.
type Finding struct {
	Category           string          `json:"category"`
	PatternId          string          `json:"pattern_id"`
	PatternDescription string          `json:"pattern_description"`
	MatchedContent     string          `json:"matched_content"`
	Confidence         ConfidenceLevel `json:"confidence"`
	Start              int             `json:"start"`
	End                int             `json:"end"`
}
