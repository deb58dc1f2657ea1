// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health probes the engine's backing components and reports a
// per-component status map for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/vector"
)

// Component statuses. Degraded means the engine still answers requests
// while the component is impaired; down means the component's backend
// is unreachable.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Component names in the report map.
const (
	ComponentDatabase    = "database"
	ComponentCacheL1     = "cache_l1"
	ComponentCacheL2     = "cache_l2"
	ComponentLLM         = "llm"
	ComponentVectorStore = "vector_store"
)

// DefaultProbeTimeout bounds one full probe round. Probes run in
// parallel, so this is also roughly the endpoint's worst-case latency.
const DefaultProbeTimeout = 2 * time.Second

// Report is the health endpoint body.
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
}

// Pinger is the minimal probe surface of the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober runs the component probes.
//
// # Description
//
// Check probes every component in parallel under one bounded deadline.
// The LLM component is judged passively from the circuit breaker state
// rather than by spending a provider call: closed is ok, half-open is
// degraded, open is down. Without a breaker the component reports ok.
//
// # Thread Safety
//
// Safe for concurrent use; all fields are read-only after construction.
type Prober struct {
	// Sessions is the conversation store. Nil reports database down.
	Sessions Pinger

	// Cache is the response cache stack. Nil reports both layers down.
	Cache *cache.Hierarchy

	// Vector is the shared vector store provider. Nil reports
	// vector_store down. Probing triggers the one-shot init, so a
	// misconfigured backend surfaces here instead of on first use.
	Vector *vector.Provider

	// Breaker returns the generation breaker state. May be nil.
	Breaker func() gobreaker.State

	// Timeout bounds one probe round. Zero takes DefaultProbeTimeout.
	Timeout time.Duration
}

// Check probes every component and returns the report. Check never
// fails; unreachable components come back as statuses.
func (p *Prober) Check(ctx context.Context) Report {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Each probe writes only its own slot. A failing probe must not
	// cancel the others; the report needs every component's answer.
	var db, l1, l2, llm, vec Status
	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); db = p.probeDatabase(ctx) }()
	go func() { defer wg.Done(); l1 = p.probeCacheL1(ctx) }()
	go func() { defer wg.Done(); l2 = p.probeCacheL2(ctx) }()
	go func() { defer wg.Done(); llm = p.probeLLM() }()
	go func() { defer wg.Done(); vec = p.probeVector(ctx) }()
	wg.Wait()

	components := map[string]Status{
		ComponentDatabase:    db,
		ComponentCacheL1:     l1,
		ComponentCacheL2:     l2,
		ComponentLLM:         llm,
		ComponentVectorStore: vec,
	}
	return Report{Status: worst(components), Components: components}
}

func (p *Prober) probeDatabase(ctx context.Context) Status {
	if p.Sessions == nil {
		return StatusDown
	}
	if err := p.Sessions.Ping(ctx); err != nil {
		return StatusDown
	}
	return StatusOK
}

// probeCacheL1 reports degraded, not down, on a failed ping: the
// in-process fallback keeps serving the layer while Redis is away. A
// deployment with no Redis configured pings clean and reports ok.
func (p *Prober) probeCacheL1(ctx context.Context) Status {
	if p.Cache == nil {
		return StatusDown
	}
	if err := p.Cache.Ping(ctx); err != nil {
		return StatusDegraded
	}
	return StatusOK
}

func (p *Prober) probeCacheL2(ctx context.Context) Status {
	if p.Cache == nil {
		return StatusDown
	}
	if err := p.Cache.PingSemantic(ctx); err != nil {
		return StatusDown
	}
	return StatusOK
}

func (p *Prober) probeLLM() Status {
	if p.Breaker == nil {
		return StatusOK
	}
	switch p.Breaker() {
	case gobreaker.StateOpen:
		return StatusDown
	case gobreaker.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusOK
	}
}

func (p *Prober) probeVector(ctx context.Context) Status {
	if p.Vector == nil {
		return StatusDown
	}
	store, err := p.Vector.Get()
	if err != nil {
		return StatusDown
	}
	if err := store.Ping(ctx); err != nil {
		return StatusDown
	}
	return StatusOK
}

func worst(components map[string]Status) Status {
	out := StatusOK
	for _, s := range components {
		switch s {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			out = StatusDegraded
		}
	}
	return out
}
