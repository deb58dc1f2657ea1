// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Intent Taxonomy
// =============================================================================

// Intent labels produced by the classifier. The taxonomy is closed: any
// model output outside this set is coerced to IntentGeneralQuery.
const (
	IntentOrderPlacement = "order_placement"
	IntentOrderStatus    = "order_status"
	IntentProductInquiry = "product_inquiry"
	IntentPolicyQuestion = "policy_question"
	IntentComplaint      = "complaint"
	IntentGreeting       = "greeting"
	IntentGeneralQuery   = "general_query"
)

// ValidIntents is the membership set for classifier output validation.
var ValidIntents = map[string]bool{
	IntentOrderPlacement: true,
	IntentOrderStatus:    true,
	IntentProductInquiry: true,
	IntentPolicyQuestion: true,
	IntentComplaint:      true,
	IntentGreeting:       true,
	IntentGeneralQuery:   true,
}

// OrderDispatchConfidence is the minimum classifier confidence required
// before an order_placement intent triggers the order agent.
const OrderDispatchConfidence = 0.85

// NeedsRetrieval reports whether an intent routes through knowledge
// retrieval. Only policy and product questions are grounded in the
// knowledge base; everything else answers from the model directly.
func NeedsRetrieval(intent string) bool {
	return intent == IntentPolicyQuestion || intent == IntentProductInquiry
}

// Entities are the structured values the classifier extracts from an
// utterance. All slices may be empty; quantities pair positionally with
// product names when both are present but that pairing is advisory, the
// order parser re-derives line items itself.
type Entities struct {
	OrderIDs     []string  `json:"order_ids,omitempty"`
	ProductNames []string  `json:"product_names,omitempty"`
	OutletNames  []string  `json:"outlet_names,omitempty"`
	Quantities   []float64 `json:"quantities,omitempty"`
}

// Empty reports whether no entity of any kind was extracted.
func (e Entities) Empty() bool {
	return len(e.OrderIDs) == 0 && len(e.ProductNames) == 0 &&
		len(e.OutletNames) == 0 && len(e.Quantities) == 0
}

// IntentResult is the classifier verdict for one utterance.
type IntentResult struct {
	Intent          string   `json:"intent"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning,omitempty"`
	SecondaryIntent string   `json:"secondary_intent,omitempty"`
	Entities        Entities `json:"entities"`
	Language        string   `json:"language,omitempty"`

	// FromCache marks results served from the intent cache layer.
	FromCache bool `json:"-"`

	// Degraded marks the general_query/0.0 fallback used when the
	// classifier backend failed or returned garbage.
	Degraded bool `json:"-"`
}

// FallbackIntent returns the degraded classification used when the
// model call fails: general_query at zero confidence, which downstream
// stages treat as "answer generically, skip retrieval, never dispatch
// orders".
func FallbackIntent() IntentResult {
	return IntentResult{
		Intent:     IntentGeneralQuery,
		Confidence: 0.0,
		Degraded:   true,
	}
}

// TriggersOrderAgent reports whether this classification meets the
// dispatch gate: order_placement at or above the confidence floor with
// at least one product entity.
func (r IntentResult) TriggersOrderAgent() bool {
	return r.Intent == IntentOrderPlacement &&
		r.Confidence >= OrderDispatchConfidence &&
		len(r.Entities.ProductNames) > 0
}
