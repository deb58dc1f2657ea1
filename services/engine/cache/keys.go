// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the four-layer response cache: L1 exact
// responses, L2 semantic paraphrase responses, L3 intent classifications,
// and L4 retrieval results. Cache failures are never fatal; every lookup
// degrades to a miss and every write failure falls back to a bounded
// in-process store.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Layer labels used in metrics and logs.
const (
	LayerExact     = "l1"
	LayerSemantic  = "l2"
	LayerIntent    = "l3"
	LayerRetrieval = "l4"
)

// Backend labels surfaced as metadata.cache_backend on cached responses.
const (
	BackendRedis    = "redis"
	BackendFallback = "fallback"
	BackendVector   = "vector"
)

// foldChain strips combining marks so "café" and "cafe" normalize to the
// same key text.
var foldChain = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeText derives the canonical key text from sanitized input:
// lowercased with diacritics folded. Sanitization (trim, whitespace
// collapse, NFC) is the validator's job; pass its output here.
func NormalizeText(text string) string {
	lower := strings.ToLower(text)
	folded, _, err := transform.String(foldChain, lower)
	if err != nil {
		return lower
	}
	return folded
}

// ContextDigest produces a short stable digest of the conversation
// window so the same question in different conversations caches
// separately. Empty history digests to "none".
func ContextDigest(msgs []datatypes.StoredMessage) string {
	if len(msgs) == 0 {
		return "none"
	}
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.Role))
		h.Write([]byte(":"))
		h.Write([]byte(NormalizeText(m.Content)))
		h.Write([]byte("|"))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ResponseKey is the L1 key: exact match on normalized text, context
// digest, outlet, and language.
func ResponseKey(normalizedText, contextDigest, outlet, language string) string {
	return LayerExact + ":" + hashKey(normalizedText, contextDigest, outlet, language)
}

// IntentKey is the L3 key: exact match on normalized text alone, so a
// repeated question skips classification regardless of conversation.
func IntentKey(normalizedText string) string {
	return LayerIntent + ":" + hashKey(normalizedText)
}

// RetrievalKey is the L4 key: normalized query plus language and result
// count, so a changed k does not serve a truncated result set.
func RetrievalKey(normalizedText, language string, k int) string {
	return LayerRetrieval + ":" + hashKey(normalizedText, language, strconv.Itoa(k))
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte("|"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
