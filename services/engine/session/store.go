// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

// Sentinel errors for callers that map them onto HTTP statuses.
var (
	// ErrNotFound means no session exists under the given id.
	ErrNotFound = errors.New("session: not found")

	// ErrEnded means the session was closed and cannot take new turns.
	ErrEnded = errors.New("session: ended")
)

// Key layout. Hashing the ids gives fixed-width binary-safe keys, so
// client-chosen session ids cannot collide with the key grammar.
//
//	s:<idhash(16)>                    -> sessionRecord JSON
//	t:<idhash(16)><gen(4)><seq(8)>    -> StoredMessage JSON
//
// gen increments each time a session id is reborn after ending or going
// idle; turns of earlier generations stay on disk for the audit trail
// but are invisible to RecentTurns.
const (
	sessionPrefix = "s:"
	turnPrefix    = "t:"
)

func idHash(id string) []byte {
	sum := sha256.Sum256([]byte(id))
	return sum[:16]
}

func sessionKey(id string) []byte {
	return append([]byte(sessionPrefix), idHash(id)...)
}

func turnKeyPrefix(id string, gen uint32) []byte {
	key := make([]byte, 0, len(turnPrefix)+16+4)
	key = append(key, turnPrefix...)
	key = append(key, idHash(id)...)
	key = binary.BigEndian.AppendUint32(key, gen)
	return key
}

func turnKey(id string, gen uint32, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(turnKeyPrefix(id, gen), seq)
}

// sessionRecord is the stored envelope: the session plus bookkeeping
// that never leaves this package.
type sessionRecord struct {
	datatypes.Session
	Gen     uint32 `json:"gen"`
	NextSeq uint64 `json:"next_seq"`
}

// TurnMeta carries the per-turn attributes recorded alongside content.
type TurnMeta struct {
	Intent      string
	Confidence  float64
	Language    string
	PIIScrubbed bool
}

// SweepStats reports what one retention sweep did.
type SweepStats struct {
	SessionsDeleted int
	TurnsDeleted    int
	SessionsClosed  int
}

// Store is the durable conversation store.
//
// # Description
//
// Sessions and turns live in BadgerDB. Writes to one session are
// serialized by a per-session lock (sequence allocation, message_count,
// and the intent aggregate must move together); different sessions
// proceed in parallel.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	db        *badger.DB
	window    time.Duration
	retention time.Duration

	mu    sync.Mutex
	locks map[string]*sessionLock

	// now is swapped in tests.
	now func() time.Time
}

type sessionLock struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// NewStore wraps an open database. window is the inactivity window after
// which a session stops being reusable; retention is how long sessions
// and turns are kept before the sweeper removes them.
func NewStore(db *badger.DB, window, retention time.Duration) *Store {
	return &Store{
		db:        db,
		window:    window,
		retention: retention,
		locks:     make(map[string]*sessionLock),
		now:       time.Now,
	}
}

// DB exposes the underlying handle for sibling stores that share the
// database, such as the order ledger.
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) lockFor(sessionID string) *sessionLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.lastSeen = s.now()
	return l
}

func getRecord(txn *badger.Txn, sessionID string) (*sessionRecord, error) {
	item, err := txn.Get(sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var rec sessionRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *sessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := txn.Set(sessionKey(rec.SessionID), data); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// =============================================================================
// Operations
// =============================================================================

// EnsureSession returns the open session for sessionID, creating one when
// none exists. An empty sessionID gets a generated UUID. A session that
// has ended or gone idle past the inactivity window is reborn: same id,
// fresh counters, new generation.
//
// # Inputs
//
//   - sessionID: Client-provided id, or "" to generate one.
//   - userID, outlet: Recorded on creation; outlet may be empty.
//   - language: The session language, already normalized.
//
// # Outputs
//
//   - *datatypes.Session: A copy of the session as stored.
//   - bool: True when this call created (or reset) the session.
//   - error: Storage failure. Callers treat this as fatal for the request.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID, outlet, language string) (*datatypes.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	lock := s.lockFor(sessionID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	now := s.now().UTC()
	var (
		out     datatypes.Session
		created bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		switch {
		case err == nil && rec.ActiveWithin(s.window, now):
			// Reuse. Backfill the outlet if the session started without one.
			if rec.OutletName == "" && outlet != "" {
				rec.OutletName = outlet
				if err := putRecord(txn, rec); err != nil {
					return err
				}
			}
			out = rec.Session
			return nil

		case err == nil:
			// Ended or idle: same id, new generation.
			rec.Gen++
			rec.NextSeq = 0
			rec.Session = datatypes.Session{
				SessionID:    sessionID,
				UserID:       userID,
				OutletName:   outlet,
				Language:     language,
				CreatedAt:    now,
				LastActivity: now,
			}
			created = true
			out = rec.Session
			return putRecord(txn, rec)

		case errors.Is(err, ErrNotFound):
			rec = &sessionRecord{
				Session: datatypes.Session{
					SessionID:    sessionID,
					UserID:       userID,
					OutletName:   outlet,
					Language:     language,
					CreatedAt:    now,
					LastActivity: now,
				},
			}
			created = true
			out = rec.Session
			return putRecord(txn, rec)

		default:
			return err
		}
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// AppendTurn persists one conversation turn and atomically updates the
// session's counters: sequence, message_count, last_activity, and the
// intent aggregate move in a single transaction.
//
// # Inputs
//
//   - sessionID: Must name an existing, open session.
//   - role: RoleUser or RoleAssistant.
//   - content: The turn text, already PII-scrubbed by the caller.
//   - meta: Classification and language attributes to record.
//
// # Outputs
//
//   - *datatypes.StoredMessage: The turn as persisted.
//   - error: ErrNotFound, ErrEnded, an invalid role, or storage failure.
//     Callers respond anyway and flag the turn unpersisted.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string, meta TurnMeta) (*datatypes.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if role != datatypes.RoleUser && role != datatypes.RoleAssistant {
		return nil, fmt.Errorf("session: role %q is not persistable", role)
	}

	lock := s.lockFor(sessionID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	now := s.now().UTC()
	var out datatypes.StoredMessage
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if rec.Ended {
			return ErrEnded
		}

		rec.NextSeq++
		msg := datatypes.StoredMessage{
			SessionID:   sessionID,
			Sequence:    rec.NextSeq,
			Role:        role,
			Content:     content,
			Intent:      meta.Intent,
			Confidence:  meta.Confidence,
			Language:    meta.Language,
			CreatedAt:   now,
			PIIScrubbed: meta.PIIScrubbed,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		if err := txn.Set(turnKey(sessionID, rec.Gen, msg.Sequence), data); err != nil {
			return fmt.Errorf("write turn: %w", err)
		}

		rec.MessageCount++
		rec.LastActivity = now
		if role == datatypes.RoleUser {
			rec.ObserveIntent(meta.Intent, meta.Confidence)
		}
		out = msg
		return putRecord(txn, rec)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentTurns returns the last n turns of the session's current
// conversation, oldest first. The read is one snapshot transaction, so a
// concurrent append cannot split a user/assistant pair.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	var out []datatypes.StoredMessage
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}

		prefix := turnKeyPrefix(sessionID, rec.Gen)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible sequence, then walk backwards.
		seek := binary.BigEndian.AppendUint64(append([]byte{}, prefix...), ^uint64(0))
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < n; it.Next() {
			var msg datatypes.StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collected newest-first; flip to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetSession returns a copy of the session header.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		out = rec.Session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession closes the session. Ending an already-ended session is a
// no-op; a later EnsureSession under the same id starts a fresh
// conversation.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.lockFor(sessionID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	now := s.now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if rec.Ended {
			return nil
		}
		rec.Ended = true
		rec.EndedAt = now
		return putRecord(txn, rec)
	})
}

// =============================================================================
// Retention sweep
// =============================================================================

// SweepExpired enforces the retention policy: sessions whose last
// activity passed the retention cutoff are deleted along with all their
// turns, turns older than the cutoff are deleted even when their session
// id lives on under a newer generation, and open sessions idle past the
// inactivity window are closed.
//
// # Outputs
//
//   - SweepStats: What was deleted and closed.
//   - error: The first storage failure; the sweep stops there and the
//     next run picks up the remainder.
func (s *Store) SweepExpired(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.now().UTC()
	cutoff := now.Add(-s.retention)

	var (
		deleteKeys [][]byte
		toClose    []string
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec sessionRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				slog.Warn("Skipping undecodable session record during sweep", "error", err)
				continue
			}
			switch {
			case rec.LastActivity.Before(cutoff):
				deleteKeys = append(deleteKeys, it.Item().KeyCopy(nil))
				stats.SessionsDeleted++
			case !rec.Ended && !rec.ActiveWithin(s.window, now):
				toClose = append(toClose, rec.SessionID)
			}
		}

		topts := badger.DefaultIteratorOptions
		topts.Prefix = []byte(turnPrefix)
		tit := txn.NewIterator(topts)
		defer tit.Close()
		for tit.Seek(topts.Prefix); tit.ValidForPrefix(topts.Prefix); tit.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg datatypes.StoredMessage
			if err := tit.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				// Undecodable turns are dead weight; reclaim them.
				deleteKeys = append(deleteKeys, tit.Item().KeyCopy(nil))
				stats.TurnsDeleted++
				continue
			}
			if msg.CreatedAt.Before(cutoff) {
				deleteKeys = append(deleteKeys, tit.Item().KeyCopy(nil))
				stats.TurnsDeleted++
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if len(deleteKeys) > 0 {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range deleteKeys {
			if err := wb.Delete(key); err != nil {
				return stats, fmt.Errorf("sweep delete: %w", err)
			}
		}
		if err := wb.Flush(); err != nil {
			return stats, fmt.Errorf("sweep flush: %w", err)
		}
	}

	for _, id := range toClose {
		err := s.EndSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return stats, err
		}
		stats.SessionsClosed++
	}

	s.pruneLocks(now)
	return stats, nil
}

// pruneLocks drops per-session locks that have not been touched for two
// inactivity windows, keeping the lock map bounded.
func (s *Store) pruneLocks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.locks {
		if now.Sub(l.lastSeen) > 2*s.window {
			delete(s.locks, id)
		}
	}
}

// RunGC runs BadgerDB value-log garbage collection until there is
// nothing left to rewrite. Called by the sweeper after deletions.
func (s *Store) RunGC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

// Ping exercises the read path for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("session database closed")
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("s:\x00ping"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
