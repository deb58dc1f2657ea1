// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit admits or denies requests across six dimensions:
// per-user sliding windows (minute, hour, day), a per-user token bucket
// for burst control, a global sliding window, and a per-IP sliding
// window. Dimensions are checked in that order and the first denial
// wins. A denied request consumes nothing: window slots and bucket
// tokens are committed only when every dimension admits.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Dimension labels surfaced on denials. Stable strings: they appear in
// API error payloads, log lines, and metric label values.
const (
	DimUserMinute = "per_user_minute"
	DimUserHour   = "per_user_hour"
	DimUserDay    = "per_user_day"
	DimUserBurst  = "per_user_burst"
	DimGlobal     = "global"
	DimIP         = "per_ip"
)

// Decision is the outcome of a rate limit check.
//
// For admissions, Limit/Remaining/ResetAt describe the per-user minute
// window, the dimension clients can act on. For denials they describe
// the dimension that denied, and RetryAfter is the wait until that
// dimension would admit again.
type Decision struct {
	Allowed    bool
	Dimension  string // denying dimension, "" when allowed
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limits holds the ceilings for every dimension. Zero values fall back
// to the defaults documented on each field.
type Limits struct {
	UserPerMinute   int // default 10
	UserPerHour     int // default 100
	UserPerDay      int // default 1000
	BurstCapacity   int // default 20
	BurstPerMinute  int // bucket refill rate, default 10
	GlobalPerMinute int // default 1000
	IPPerMinute     int // default 20
}

func (l *Limits) applyDefaults() {
	if l.UserPerMinute <= 0 {
		l.UserPerMinute = 10
	}
	if l.UserPerHour <= 0 {
		l.UserPerHour = 100
	}
	if l.UserPerDay <= 0 {
		l.UserPerDay = 1000
	}
	if l.BurstCapacity <= 0 {
		l.BurstCapacity = 20
	}
	if l.BurstPerMinute <= 0 {
		l.BurstPerMinute = 10
	}
	if l.GlobalPerMinute <= 0 {
		l.GlobalPerMinute = 1000
	}
	if l.IPPerMinute <= 0 {
		l.IPPerMinute = 20
	}
}

// window counts admitted events in a trailing time span. Not safe for
// concurrent use on its own; callers hold the owning state's lock.
type window struct {
	span   time.Duration
	limit  int
	events []time.Time // ascending admission times
}

func newWindow(limit int, span time.Duration) window {
	return window{span: span, limit: limit}
}

// prune drops events at or before now-span. An event admitted at t
// stops counting once the clock passes t+span, so a subject that filled
// a one-minute window at t=0 is admittable again at t=60.001.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0:0], w.events[i:]...)
	}
}

func (w *window) wouldAdmit(now time.Time) bool {
	w.prune(now)
	return len(w.events) < w.limit
}

func (w *window) commit(now time.Time) {
	w.events = append(w.events, now)
}

// resetAt is when the oldest counted event leaves the window.
func (w *window) resetAt(now time.Time) time.Time {
	if len(w.events) == 0 {
		return now
	}
	return w.events[0].Add(w.span)
}

func (w *window) deny(dim string, now time.Time) Decision {
	reset := w.resetAt(now)
	return Decision{
		Dimension:  dim,
		Limit:      w.limit,
		Remaining:  0,
		ResetAt:    reset,
		RetryAfter: reset.Sub(now),
	}
}

// userState holds the per-subject dimensions. mu serializes all checks
// for one subject, which keeps the check-then-commit sequence atomic.
type userState struct {
	mu       sync.Mutex
	minute   window
	hour     window
	day      window
	bucket   *rate.Limiter
	lastSeen time.Time
}

type ipState struct {
	mu       sync.Mutex
	win      window
	lastSeen time.Time
}

// Limiter applies the six-dimension admission policy.
//
// # Description
//
//	Sliding windows store admission timestamps and count the trailing
//	span. The burst bucket refills continuously at BurstPerMinute up to
//	BurstCapacity and starts full, so a fresh subject can burst the
//	full capacity before the refill rate takes over. Checks are lock
//	ordered subject -> global -> IP; the map lock is never held while
//	waiting on a state lock.
//
// Thread Safety: Safe for concurrent use. Requests for distinct
// subjects proceed in parallel; requests for one subject serialize.
type Limiter struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex // guards the two maps only
	users map[string]*userState
	ips   map[string]*ipState

	globalMu sync.Mutex
	global   window
}

// NewLimiter returns a Limiter enforcing the given ceilings. Zero
// fields in limits take their documented defaults.
func NewLimiter(limits Limits) *Limiter {
	limits.applyDefaults()
	return &Limiter{
		limits: limits,
		now:    time.Now,
		users:  make(map[string]*userState),
		ips:    make(map[string]*ipState),
		global: newWindow(limits.GlobalPerMinute, time.Minute),
	}
}

// Check decides whether one request from subject at ip is admitted.
//
// # Description
//
//	Evaluates, in order: per-user minute, hour, and day windows, the
//	per-user burst bucket, the global window, and the per-IP window.
//	The first dimension that would deny produces the Decision and
//	nothing is consumed. If every dimension admits, the request is
//	committed to all of them atomically.
//
// # Inputs
//
//	subject - Stable caller identity (user id, else session id, else
//	          client IP). Must be non-empty; ip is used when it is not.
//	ip      - Client IP for the per-IP dimension.
//
// # Outputs
//
//	Decision - Admission verdict plus the header values to surface.
//
// Thread Safety: Safe for concurrent use.
func (l *Limiter) Check(subject, ip string) Decision {
	if subject == "" {
		subject = ip
	}
	now := l.now()

	us := l.userState(subject)
	is := l.ipState(ip)

	us.mu.Lock()
	defer us.mu.Unlock()
	us.lastSeen = now

	if !us.minute.wouldAdmit(now) {
		return us.minute.deny(DimUserMinute, now)
	}
	if !us.hour.wouldAdmit(now) {
		return us.hour.deny(DimUserHour, now)
	}
	if !us.day.wouldAdmit(now) {
		return us.day.deny(DimUserDay, now)
	}
	if tokens := us.bucket.TokensAt(now); tokens < 1 {
		retry := l.bucketRetry(tokens)
		return Decision{
			Dimension:  DimUserBurst,
			Limit:      l.limits.BurstCapacity,
			Remaining:  0,
			ResetAt:    now.Add(retry),
			RetryAfter: retry,
		}
	}

	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	if !l.global.wouldAdmit(now) {
		return l.global.deny(DimGlobal, now)
	}

	is.mu.Lock()
	defer is.mu.Unlock()
	is.lastSeen = now
	if !is.win.wouldAdmit(now) {
		return is.win.deny(DimIP, now)
	}

	us.minute.commit(now)
	us.hour.commit(now)
	us.day.commit(now)
	us.bucket.AllowN(now, 1)
	l.global.commit(now)
	is.win.commit(now)

	return Decision{
		Allowed:   true,
		Limit:     l.limits.UserPerMinute,
		Remaining: l.limits.UserPerMinute - len(us.minute.events),
		ResetAt:   us.minute.resetAt(now),
	}
}

// bucketRetry is the wait until the bucket refills to one token.
func (l *Limiter) bucketRetry(tokens float64) time.Duration {
	perSecond := float64(l.limits.BurstPerMinute) / 60.0
	seconds := (1.0 - tokens) / perSecond
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// PruneIdle removes per-subject and per-IP state not seen for at least
// idle and returns how many entries were dropped. Run it periodically;
// state for a subject that comes back is simply rebuilt fresh.
func (l *Limiter) PruneIdle(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	removed := 0

	l.mu.Lock()
	defer l.mu.Unlock()
	for subject, us := range l.users {
		us.mu.Lock()
		stale := us.lastSeen.Before(cutoff)
		us.mu.Unlock()
		if stale {
			delete(l.users, subject)
			removed++
		}
	}
	for ip, is := range l.ips {
		is.mu.Lock()
		stale := is.lastSeen.Before(cutoff)
		is.mu.Unlock()
		if stale {
			delete(l.ips, ip)
			removed++
		}
	}
	return removed
}

func (l *Limiter) userState(subject string) *userState {
	l.mu.Lock()
	defer l.mu.Unlock()
	us, ok := l.users[subject]
	if !ok {
		us = &userState{
			minute: newWindow(l.limits.UserPerMinute, time.Minute),
			hour:   newWindow(l.limits.UserPerHour, time.Hour),
			day:    newWindow(l.limits.UserPerDay, 24*time.Hour),
			bucket: rate.NewLimiter(rate.Limit(float64(l.limits.BurstPerMinute)/60.0), l.limits.BurstCapacity),
		}
		l.users[subject] = us
	}
	return us
}

func (l *Limiter) ipState(ip string) *ipState {
	l.mu.Lock()
	defer l.mu.Unlock()
	is, ok := l.ips[ip]
	if !ok {
		is = &ipState{win: newWindow(l.limits.IPPerMinute, time.Minute)}
		l.ips[ip] = is
	}
	return is
}
