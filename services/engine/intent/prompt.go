// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"strings"
	"unicode/utf8"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

// classifierPrompt is the system prompt for intent classification. Kept
// compact: one-line intent definitions with two exemplars each plus the
// disambiguation rules that separate the overlapping intents.
const classifierPrompt = `You are the intent classifier for OrderDesk, a wholesale food distributor's ordering assistant serving restaurant and cafe outlets.

Classify the customer's latest message into exactly one intent:
- order_placement: wants to buy or restock products now. Ex: "We need 20 sacks of jasmine rice for Friday." / "Restock our usual coffee beans, 5 cartons."
- order_status: asks about an order already placed. Ex: "Where is order 1042?" / "Has yesterday's delivery shipped yet?"
- product_inquiry: asks about a specific product's price, availability, or details. Ex: "How much is the 25 kg flour sack?" / "Do you carry halal chicken stock?"
- policy_question: asks about business terms such as delivery, payment, returns, or bulk pricing. Ex: "What is the minimum order for free delivery?" / "Do you give bulk discounts above 50 cartons?"
- complaint: reports a problem with goods or service. Ex: "The vegetables arrived wilted." / "You billed us twice for last week."
- greeting: a social opener with no request. Ex: "Good morning!" / "Hi, are you there?"
- general_query: anything else. Ex: "What time do you open?" / "Can you reply in Malay?"

Disambiguation rules:
- A question about one specific product is product_inquiry, not general_query.
- A general question about pricing policy, including bulk pricing, is policy_question.
- When earlier turns establish who the customer is and the latest message uses supply language ("we need", "send us", "our usual"), classify order_placement.

Also extract the entities named in the message (order ids, product names, outlet names, numeric quantities) and detect the language (en, zh, or ms).

Respond with ONLY valid JSON (no markdown, no preamble):
{"intent":"...","confidence":0.0-1.0,"reasoning":"brief","secondary_intent":"","entities":{"order_ids":[],"product_names":[],"outlet_names":[],"quantities":[]},"language":"en"}`

// maxTurnChars caps each history turn included in the prompt. Truncation
// is by rune so multibyte text is never split mid-character.
const maxTurnChars = 240

// buildMessages assembles the chat payload: the fixed system prompt plus
// one user message carrying the conversation window and the utterance.
func buildMessages(message string, recent []datatypes.StoredMessage) []datatypes.Turn {
	return []datatypes.Turn{
		{Role: datatypes.RoleSystem, Content: classifierPrompt},
		{Role: datatypes.RoleUser, Content: buildUserContent(message, recent)},
	}
}

func buildUserContent(message string, recent []datatypes.StoredMessage) string {
	if len(recent) > datatypes.HistoryWindow {
		recent = recent[len(recent)-datatypes.HistoryWindow:]
	}

	var b strings.Builder
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range recent {
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(truncate(t.Content, maxTurnChars))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Customer message: ")
	b.WriteString(message)
	return b.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
