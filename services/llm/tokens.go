// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

// Token accounting. Counts are tiktoken estimates, good enough for cost
// tracking and budget metrics; providers that report exact usage win
// when both are available.

var (
	encoderMu    sync.RWMutex
	encoderCache = map[string]*tiktoken.Tiktoken{}
)

// encoderFor returns a cached encoder for the model, falling back to
// cl100k_base for models tiktoken does not know (Claude, Ollama).
func encoderFor(model string) *tiktoken.Tiktoken {
	encoderMu.RLock()
	enc, ok := encoderCache[model]
	encoderMu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}

	encoderMu.Lock()
	encoderCache[model] = enc
	encoderMu.Unlock()
	return enc
}

// CountTokens estimates the token count of text for the given model.
// Returns a whitespace-split approximation if no encoder is available.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := encoderFor(model)
	if enc == nil {
		return len(strings.Fields(text))
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage builds a TokenUsage record from prompt and completion
// text.
func EstimateUsage(model, prompt, completion string) datatypes.TokenUsage {
	in := CountTokens(model, prompt)
	out := CountTokens(model, completion)
	return datatypes.TokenUsage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

// modelRate holds dollars per million tokens.
type modelRate struct {
	input  float64
	output float64
}

// Published list prices. Matched by prefix so dated model ids resolve.
// Unlisted models (local Ollama serving included) cost zero.
var modelRates = []struct {
	prefix string
	rate   modelRate
}{
	{"gpt-4o-mini", modelRate{0.15, 0.60}},
	{"gpt-4o", modelRate{2.50, 10.00}},
	{"gpt-4.1-mini", modelRate{0.40, 1.60}},
	{"gpt-4.1", modelRate{2.00, 8.00}},
	{"claude-3-5-haiku", modelRate{0.80, 4.00}},
	{"claude-3-5-sonnet", modelRate{3.00, 15.00}},
	{"claude-3-7-sonnet", modelRate{3.00, 15.00}},
}

// EstimateCost returns the dollar cost of usage for the given model.
func EstimateCost(model string, usage datatypes.TokenUsage) float64 {
	for _, m := range modelRates {
		if strings.HasPrefix(model, m.prefix) {
			return float64(usage.PromptTokens)/1e6*m.rate.input +
				float64(usage.CompletionTokens)/1e6*m.rate.output
		}
	}
	return 0
}
