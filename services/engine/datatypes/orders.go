// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// =============================================================================
// Order Agent Records
// =============================================================================

// Order agent stage names, in pipeline order. The first two run inside
// the request; the rest are synchronous acknowledgements from the
// business layer.
const (
	StageProductMatch = "semantic_product_match"
	StageOrderParsing = "order_parsing"
	StageInventory    = "inventory_check"
	StageDelivery     = "delivery_scheduling"
	StageFinance      = "finance_recording"
)

// Stage statuses for the agent timeline.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageError     = "error"
)

// AgentStageRecord is one row of the agent timeline returned with an
// order-placement response.
type AgentStageRecord struct {
	StageName   string    `json:"stage_name"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// OrderLineItem is one parsed order line: a matched catalog product and
// the quantity the customer asked for.
type OrderLineItem struct {
	SKU        string  `json:"sku"`
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
	UnitPrice  float64 `json:"unit_price"`
	LineTotal  float64 `json:"line_total"`
	MatchScore float64 `json:"match_score,omitempty"`
}

// OrderDraft is the order as assembled by the in-request stages, before
// the acknowledgment stages run.
type OrderDraft struct {
	OrderID    int64           `json:"order_id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	OutletName string          `json:"outlet_name,omitempty"`
	Items      []OrderLineItem `json:"items"`
	Total      float64         `json:"total"`
	CreatedAt  time.Time       `json:"created_at"`
}
