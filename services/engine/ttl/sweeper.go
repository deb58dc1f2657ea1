// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ttl runs the retention sweep on a cron schedule.
//
// One cycle deletes sessions and turns past the retention cutoff, closes
// sessions idle beyond the inactivity window, reclaims badger value-log
// space, and prunes idle rate limiter state. The same cycle backs the
// `orderdesk sweep` command through RunNow.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/ratelimit"
	"github.com/coralbridge/orderdesk/services/engine/session"
)

const tracerName = "orderdesk.engine.ttl"

// cycleTimeout bounds one sweep cycle. A timed-out cycle stops where it
// is; the next scheduled run picks up the remainder.
const cycleTimeout = 5 * time.Minute

// limiterIdle is how long rate limiter state may sit untouched before a
// sweep drops it. Wider than the largest limit window, so pruning never
// resets a count that could still deny.
const limiterIdle = 25 * time.Hour

// =============================================================================
// Sweeper
// =============================================================================

// Sweeper schedules retention sweeps.
//
// # Description
//
// Wraps the session store's sweep in a cron schedule. The schedule
// string accepts the standard five-field format and descriptors such as
// @hourly or @every 30m.
//
// # Thread Safety
//
// Safe for concurrent use. Start and Stop serialize on an internal
// mutex; cycles run on the cron goroutine.
type Sweeper struct {
	store   *session.Store
	limiter *ratelimit.Limiter
	metrics *observability.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New returns a sweeper over store. limiter and metrics may be nil; the
// corresponding steps are skipped.
func New(store *session.Store, limiter *ratelimit.Limiter, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{store: store, limiter: limiter, metrics: metrics}
}

// Start begins running cycles under schedule until Stop. Returns an
// error for an unparseable schedule or when already running.
func (s *Sweeper) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	slog.Info("Retention sweeper started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight cycle to finish or
// ctx to expire. Safe to call without a prior Start.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		slog.Info("Retention sweeper stopped")
	case <-ctx.Done():
		slog.Warn("Retention sweeper stopped with a cycle still running")
	}
}

// RunNow performs one sweep cycle immediately. Scheduled runs call the
// same body.
//
// # Outputs
//
//	SweepStats - What the store deleted and closed.
//	error      - The store's first failure; partial progress stands.
func (s *Sweeper) RunNow(ctx context.Context) (session.SweepStats, error) {
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, tracerName, "ttl.sweep")
	defer span.End()

	start := time.Now()
	stats, err := s.store.SweepExpired(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return stats, fmt.Errorf("sweep expired: %w", err)
	}
	s.store.RunGC()

	pruned := 0
	if s.limiter != nil {
		pruned = s.limiter.PruneIdle(limiterIdle)
	}
	if s.metrics != nil {
		s.metrics.SessionsSwept.Add(ctx, int64(stats.SessionsDeleted),
			metric.WithAttributes(attribute.String("record", "session")))
		s.metrics.SessionsSwept.Add(ctx, int64(stats.TurnsDeleted),
			metric.WithAttributes(attribute.String("record", "turn")))
	}
	observability.SetSpanOK(span)

	slog.Info("Retention sweep completed",
		"sessions_deleted", stats.SessionsDeleted,
		"turns_deleted", stats.TurnsDeleted,
		"sessions_closed", stats.SessionsClosed,
		"limiter_entries_pruned", pruned,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}
