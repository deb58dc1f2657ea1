// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

// ExtractJSON returns the first balanced JSON object in raw.
//
// Models wrap JSON in markdown fences or prose despite instructions;
// this strips a leading code fence and scans for the first complete
// object, respecting braces inside strings and escaped quotes.
func ExtractJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("empty response")
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// Drop the language token line ("json", "JSON", or nothing).
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, errors.New("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				candidate := []byte(s[start : i+1])
				if !json.Valid(candidate) {
					return nil, errors.New("extracted block is not valid JSON")
				}
				return candidate, nil
			}
		}
	}
	return nil, errors.New("unbalanced JSON object in response")
}

// ParseResult extracts and validates the classifier verdict from a raw
// model response. An intent outside the taxonomy is an error; the caller
// retries and then degrades rather than acting on a hallucinated label.
func ParseResult(raw string) (datatypes.IntentResult, error) {
	blob, err := ExtractJSON(raw)
	if err != nil {
		return datatypes.IntentResult{}, err
	}

	var res datatypes.IntentResult
	if err := json.Unmarshal(blob, &res); err != nil {
		return datatypes.IntentResult{}, fmt.Errorf("decode classification: %w", err)
	}

	res.Intent = strings.ToLower(strings.TrimSpace(res.Intent))
	if !datatypes.ValidIntents[res.Intent] {
		return datatypes.IntentResult{}, fmt.Errorf("intent %q is not in the taxonomy", res.Intent)
	}

	res.Confidence = clamp01(res.Confidence)

	res.SecondaryIntent = strings.ToLower(strings.TrimSpace(res.SecondaryIntent))
	if !datatypes.ValidIntents[res.SecondaryIntent] {
		res.SecondaryIntent = ""
	}

	switch res.Language {
	case datatypes.LanguageEnglish, datatypes.LanguageChinese, datatypes.LanguageMalay:
	default:
		res.Language = ""
	}

	res.Entities.OrderIDs = cleanStrings(res.Entities.OrderIDs)
	res.Entities.ProductNames = cleanStrings(res.Entities.ProductNames)
	res.Entities.OutletNames = cleanStrings(res.Entities.OutletNames)

	return res, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cleanStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
