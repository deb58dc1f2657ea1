// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(InMemoryDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, 30*time.Minute, 90*24*time.Hour)
}

func TestEnsureSession_GeneratesID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, created, err := st.EnsureSession(ctx, "", "user-1", "outlet-9", "en")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "outlet-9", sess.OutletName)
	assert.Equal(t, "en", sess.Language)
	assert.Zero(t, sess.MessageCount)
}

func TestEnsureSession_IdempotentWithinWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, created, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestEnsureSession_WorksWithoutOutlet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, created, err := st.EnsureSession(ctx, "", "user-1", "", "en")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, sess.OutletName)

	// A later request naming the outlet backfills it.
	sess, created, err = st.EnsureSession(ctx, sess.SessionID, "user-1", "outlet-9", "en")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "outlet-9", sess.OutletName)
}

func TestEnsureSession_RebornAfterEnd(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)
	_, err = st.AppendTurn(ctx, "sess-1", datatypes.RoleUser, "hello", TurnMeta{Language: "en"})
	require.NoError(t, err)
	require.NoError(t, st.EndSession(ctx, "sess-1"))

	sess, created, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)
	assert.True(t, created, "an ended session id must start fresh")
	assert.Zero(t, sess.MessageCount)
	assert.False(t, sess.Ended)

	// The old conversation's turns do not leak into the new one.
	turns, err := st.RecentTurns(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestEnsureSession_RebornAfterIdleWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	st.now = func() time.Time { return base }
	first, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)

	st.now = func() time.Time { return base.Add(31 * time.Minute) }
	sess, created, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)
	assert.True(t, created, "31 minutes of silence exceeds the 30 minute window")
	assert.True(t, sess.CreatedAt.After(first.CreatedAt))
}

func TestAppendTurn_UpdatesCounters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "outlet-9", "en")
	require.NoError(t, err)

	userTurn, err := st.AppendTurn(ctx, "sess-1", datatypes.RoleUser, "how much is rice", TurnMeta{
		Intent: datatypes.IntentProductInquiry, Confidence: 0.9, Language: "en", PIIScrubbed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), userTurn.Sequence)
	assert.True(t, userTurn.PIIScrubbed)

	botTurn, err := st.AppendTurn(ctx, "sess-1", datatypes.RoleAssistant, "rice is $32 per sack", TurnMeta{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), botTurn.Sequence)

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)

	// Only user turns feed the intent aggregate.
	require.Contains(t, sess.Intents, datatypes.IntentProductInquiry)
	assert.Equal(t, 1, sess.Intents[datatypes.IntentProductInquiry].Count)
	assert.InDelta(t, 0.9, sess.Intents[datatypes.IntentProductInquiry].AvgConfidence, 1e-9)
}

func TestAppendTurn_Errors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AppendTurn(ctx, "missing", datatypes.RoleUser, "hi", TurnMeta{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = st.EnsureSession(ctx, "sess-1", "user-1", "", "en")
	require.NoError(t, err)

	_, err = st.AppendTurn(ctx, "sess-1", datatypes.RoleSystem, "nope", TurnMeta{})
	assert.Error(t, err, "system turns are never persisted")

	require.NoError(t, st.EndSession(ctx, "sess-1"))
	_, err = st.AppendTurn(ctx, "sess-1", datatypes.RoleUser, "hi", TurnMeta{})
	assert.ErrorIs(t, err, ErrEnded)
}

func TestRecentTurns_LastNOldestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "", "en")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		role := datatypes.RoleUser
		if i%2 == 0 {
			role = datatypes.RoleAssistant
		}
		_, err := st.AppendTurn(ctx, "sess-1", role, fmt.Sprintf("turn %d", i), TurnMeta{})
		require.NoError(t, err)
	}

	turns, err := st.RecentTurns(ctx, "sess-1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "turn 3", turns[0].Content)
	assert.Equal(t, "turn 4", turns[1].Content)
	assert.Equal(t, "turn 5", turns[2].Content)

	all, err := st.RecentTurns(ctx, "sess-1", 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	_, err = st.RecentTurns(ctx, "missing", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendTurn_SerializedPerSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "", "en")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := st.AppendTurn(ctx, "sess-1", datatypes.RoleUser, fmt.Sprintf("msg %d", i), TurnMeta{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, writers, sess.MessageCount)

	turns, err := st.RecentTurns(ctx, "sess-1", writers)
	require.NoError(t, err)
	require.Len(t, turns, writers)
	for i, turn := range turns {
		assert.Equal(t, uint64(i+1), turn.Sequence, "sequences must be dense")
	}
}

func TestEndSession_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "", "en")
	require.NoError(t, err)

	require.NoError(t, st.EndSession(ctx, "sess-1"))
	require.NoError(t, st.EndSession(ctx, "sess-1"))

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.Ended)
	assert.False(t, sess.EndedAt.IsZero())

	assert.ErrorIs(t, st.EndSession(ctx, "missing"), ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	// An old session, past the 90 day retention.
	st.now = func() time.Time { return base.Add(-91 * 24 * time.Hour) }
	_, _, err := st.EnsureSession(ctx, "old", "user-1", "", "en")
	require.NoError(t, err)
	_, err = st.AppendTurn(ctx, "old", datatypes.RoleUser, "ancient question", TurnMeta{})
	require.NoError(t, err)

	// An idle-but-recent session: kept, closed.
	st.now = func() time.Time { return base.Add(-2 * time.Hour) }
	_, _, err = st.EnsureSession(ctx, "idle", "user-2", "", "en")
	require.NoError(t, err)

	// A fresh session: untouched.
	st.now = func() time.Time { return base }
	_, _, err = st.EnsureSession(ctx, "fresh", "user-3", "", "en")
	require.NoError(t, err)

	stats, err := st.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionsDeleted)
	assert.Equal(t, 1, stats.TurnsDeleted)
	assert.Equal(t, 1, stats.SessionsClosed)

	_, err = st.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	idle, err := st.GetSession(ctx, "idle")
	require.NoError(t, err)
	assert.True(t, idle.Ended)

	fresh, err := st.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, fresh.Ended)
}

func TestSweepExpired_OldGenerationTurns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	// First conversation under the id, 91 days ago.
	st.now = func() time.Time { return base.Add(-91 * 24 * time.Hour) }
	_, _, err := st.EnsureSession(ctx, "sess-1", "user-1", "", "en")
	require.NoError(t, err)
	_, err = st.AppendTurn(ctx, "sess-1", datatypes.RoleUser, "ancient", TurnMeta{})
	require.NoError(t, err)
	require.NoError(t, st.EndSession(ctx, "sess-1"))

	// The id reborn today with a new turn.
	st.now = func() time.Time { return base }
	_, created, err := st.EnsureSession(ctx, "sess-1", "user-1", "", "en")
	require.NoError(t, err)
	require.True(t, created)
	_, err = st.AppendTurn(ctx, "sess-1", datatypes.RoleUser, "current", TurnMeta{})
	require.NoError(t, err)

	stats, err := st.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.SessionsDeleted, "the live session stays")
	assert.Equal(t, 1, stats.TurnsDeleted, "the 91 day old turn goes")

	turns, err := st.RecentTurns(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "current", turns[0].Content)
}

func TestStore_Ping(t *testing.T) {
	st := newTestStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
