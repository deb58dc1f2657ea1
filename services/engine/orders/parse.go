// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/intent"
)

// maxLineQuantity rejects runaway quantities from the parser. A real
// order above this goes through the account manager, not the chatbot.
const maxLineQuantity = 10000

// parserPrompt turns the matched catalog rows and the customer message
// into strict-JSON line items.
const parserPrompt = `You convert a wholesale customer's message into order line items.

Catalog (the only products that exist):
%s
Customer message: %s

Rules:
- Use only SKUs from the catalog.
- quantity is how many catalog units the customer wants.
- Omit catalog products the customer did not ask for.
- Never invent SKUs, products, or quantities.

Respond with ONLY valid JSON (no markdown, no preamble):
{"items":[{"sku":"<sku>","quantity":<number>}]}`

// buildParserPrompt renders the parser prompt for one message against
// the products stage one matched.
func buildParserPrompt(message string, catalog []datatypes.Product) string {
	var b strings.Builder
	for _, p := range catalog {
		fmt.Fprintf(&b, "- %s: %s (per %s, S$%.2f)\n", p.SKU, p.Name, p.Unit, p.UnitPrice)
	}
	return fmt.Sprintf(parserPrompt, b.String(), message)
}

// parseItems validates the parser response against the matched catalog.
// Unknown SKUs and out-of-range quantities are dropped with a warning;
// duplicate SKUs merge by summing quantities. An empty result after
// filtering is an error.
func parseItems(raw string, catalog []datatypes.Product) ([]datatypes.OrderLineItem, error) {
	blob, err := intent.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []struct {
			SKU      string  `json:"sku"`
			Quantity float64 `json:"quantity"`
		} `json:"items"`
	}
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}

	bySKU := make(map[string]datatypes.Product, len(catalog))
	for _, p := range catalog {
		bySKU[strings.ToUpper(p.SKU)] = p
	}

	merged := make(map[string]float64)
	order := make([]string, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		sku := strings.ToUpper(strings.TrimSpace(it.SKU))
		if _, ok := bySKU[sku]; !ok {
			slog.Warn("Order parser returned SKU outside the matched catalog", "sku", it.SKU)
			continue
		}
		if it.Quantity <= 0 || it.Quantity > maxLineQuantity {
			slog.Warn("Order parser returned out-of-range quantity", "sku", it.SKU, "quantity", it.Quantity)
			continue
		}
		if _, seen := merged[sku]; !seen {
			order = append(order, sku)
		}
		merged[sku] += it.Quantity
	}

	if len(merged) == 0 {
		return nil, errors.New("no valid line items in parser response")
	}

	items := make([]datatypes.OrderLineItem, 0, len(merged))
	for _, sku := range order {
		p := bySKU[sku]
		qty := merged[sku]
		items = append(items, datatypes.OrderLineItem{
			SKU:        p.SKU,
			Name:       p.Name,
			Quantity:   qty,
			Unit:       p.Unit,
			UnitPrice:  p.UnitPrice,
			LineTotal:  round2(qty * p.UnitPrice),
			MatchScore: p.Score,
		})
	}
	return items, nil
}

// fallbackItems pairs extracted quantities with matched mentions
// positionally. Only usable when every mention carries a quantity;
// mentions that missed the catalog are skipped along with their
// quantity.
func fallbackItems(entities datatypes.Entities, mentionMatches []*datatypes.Product) []datatypes.OrderLineItem {
	if len(entities.Quantities) == 0 || len(entities.Quantities) != len(mentionMatches) {
		return nil
	}

	merged := make(map[string]*datatypes.OrderLineItem)
	order := make([]string, 0, len(mentionMatches))
	for i, p := range mentionMatches {
		if p == nil {
			continue
		}
		qty := entities.Quantities[i]
		if qty <= 0 || qty > maxLineQuantity {
			continue
		}
		key := strings.ToUpper(p.SKU)
		if existing, ok := merged[key]; ok {
			existing.Quantity += qty
			existing.LineTotal = round2(existing.Quantity * existing.UnitPrice)
			continue
		}
		merged[key] = &datatypes.OrderLineItem{
			SKU:        p.SKU,
			Name:       p.Name,
			Quantity:   qty,
			Unit:       p.Unit,
			UnitPrice:  p.UnitPrice,
			LineTotal:  round2(qty * p.UnitPrice),
			MatchScore: p.Score,
		}
		order = append(order, key)
	}

	items := make([]datatypes.OrderLineItem, 0, len(merged))
	for _, key := range order {
		items = append(items, *merged[key])
	}
	return items
}

// round2 rounds money values to cents.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
