package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-ai-bot/internal/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "bot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSenderRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.LoadSender(ctx, "628111")
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := session.SenderState{
		Identifier: "628111",
		OptIn:      session.Muted,
		MuteUntil:  now.Add(time.Hour),
		History:    []string{"hi", "tidak"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, db.SaveSender(ctx, in))

	out, ok, err := db.LoadSender(ctx, "628111")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.OptIn, out.OptIn)
	assert.Equal(t, in.History, out.History)
	assert.True(t, in.MuteUntil.Equal(out.MuteUntil))
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))

	in.OptIn = session.Enabled
	in.MuteUntil = time.Time{}
	in.History = nil
	require.NoError(t, db.SaveSender(ctx, in))
	out, _, err = db.LoadSender(ctx, "628111")
	require.NoError(t, err)
	assert.Equal(t, session.Enabled, out.OptIn)
	assert.True(t, out.MuteUntil.IsZero())
	assert.Empty(t, out.History)
}

func TestDBBacksSessionStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := session.NewStore(db, time.Hour)
	_, err := s.AppendHistory(ctx, "a", "hello")
	require.NoError(t, err)

	// a fresh store over the same database sees the state
	fresh := session.NewStore(db, time.Hour)
	st, ok, err := fresh.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"hello"}, st.History)

	existed, err := fresh.Reset(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)
	_, ok, err = db.LoadSender(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplicantDirectory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entries, err := db.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = db.AddApplicant(ctx, "Budi", "+628111")
	require.NoError(t, err)
	_, err = db.AddApplicant(ctx, "Sari", "628222")
	require.NoError(t, err)
	_, err = db.AddApplicant(ctx, "", "628333")
	assert.Error(t, err)

	entries, err = db.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Budi (+628111)", "Sari (+628222)"}, entries)
}

func TestPairings(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.LastPairing(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SavePairing(ctx, Pairing{JID: "1@s.whatsapp.net", Platform: "android"}))
	require.NoError(t, db.SavePairing(ctx, Pairing{JID: "2@s.whatsapp.net"}))

	p, ok, err := db.LastPairing(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2@s.whatsapp.net", p.JID)
	assert.False(t, p.PairedAt.IsZero())
}

func TestSweeperPurgesIdleSenders(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	old := session.SenderState{Identifier: "old", OptIn: session.Enabled, CreatedAt: now.AddDate(0, -2, 0), UpdatedAt: now.AddDate(0, -2, 0)}
	recent := session.SenderState{Identifier: "recent", OptIn: session.Enabled, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	require.NoError(t, db.SaveSender(ctx, old))
	require.NoError(t, db.SaveSender(ctx, recent))

	var reported int64 = -1
	sw := NewSweeper(db, 30*24*time.Hour, nil)
	sw.OnSweep = func(n int64) { reported = n }

	n, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 1, reported)

	_, ok, _ := db.LoadSender(ctx, "old")
	assert.False(t, ok)
	_, ok, _ = db.LoadSender(ctx, "recent")
	assert.True(t, ok)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	db := openTestDB(t)
	sw := NewSweeper(db, time.Hour, nil)
	assert.Error(t, sw.Start("not a schedule"))

	disabled := NewSweeper(db, 0, nil)
	assert.NoError(t, disabled.Start("not a schedule"))
}
