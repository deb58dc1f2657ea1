// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// KnowledgeChunk is one retrieved policy fragment with its provenance.
type KnowledgeChunk struct {
	PolicyID       string  `json:"policy_id"`
	PolicyName     string  `json:"policy_name"`
	Section        string  `json:"section"`
	Content        string  `json:"content"`
	Language       string  `json:"language,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Product is one catalog entry from the product collection, used by the
// order agent for semantic matching of free-text product mentions.
type Product struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	UnitPrice float64 `json:"unit_price"`
	Outlet    string  `json:"outlet,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// Citations converts retrieved chunks into response citations, with
// content included only when the caller asks for verbose provenance.
func Citations(chunks []KnowledgeChunk, includeContent bool) []Citation {
	out := make([]Citation, 0, len(chunks))
	for _, c := range chunks {
		cit := Citation{
			PolicyID:       c.PolicyID,
			PolicyName:     c.PolicyName,
			Section:        c.Section,
			RelevanceScore: c.RelevanceScore,
		}
		if includeContent {
			cit.Content = c.Content
		}
		out = append(out, cit)
	}
	return out
}
