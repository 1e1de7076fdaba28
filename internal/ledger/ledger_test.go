package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/squidgy/internal/avatar"
	"github.com/ent0n29/squidgy/internal/reliability"
)

func TestInMemoryStoreHistory(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, kind := range []string{"init_started", "ready", "deactivated"} {
		require.NoError(t, s.Record(ctx, Entry{DashboardSessionID: "d1", Kind: kind}))
	}
	require.NoError(t, s.Record(ctx, Entry{DashboardSessionID: "d2", Kind: "failed"}))

	all, err := s.History(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].CreatedAt.IsZero())

	last, err := s.History(ctx, "d1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "ready", last[0].Kind)
	assert.Equal(t, "deactivated", last[1].Kind)

	none, err := s.History(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)
}

func TestRecorderWritesObservedEvents(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewRecorder(store, zerolog.Nop(), 8)

	obs := rec.For("d1")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	obs.ObserveAvatar(avatar.LifecycleEvent{Kind: avatar.EventReady, SessionID: "abc_1", AvatarID: "Anna", At: at, Duration: 4 * time.Second})
	obs.ObserveAvatar(avatar.LifecycleEvent{Kind: avatar.EventFailed, ErrorKind: reliability.KindConcurrentLimit, Message: "wait", At: at.Add(time.Second)})
	rec.Close()
	rec.Close()

	got, err := store.History(context.Background(), "d1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ready", got[0].Kind)
	assert.Equal(t, "abc_1", got[0].AvatarSessionID)
	assert.Equal(t, int64(4000), got[0].DurationMS)
	assert.Equal(t, at, got[0].CreatedAt)
	assert.Equal(t, "concurrent_limit", got[1].ErrorKind)

	// After Close events are ignored rather than panicking on a closed queue.
	obs.ObserveAvatar(avatar.LifecycleEvent{Kind: avatar.EventEnded})
}

type failingStore struct{ InMemoryStore }

func (f *failingStore) Record(context.Context, Entry) error { return errors.New("disk full") }

func TestRecorderSurvivesStoreErrors(t *testing.T) {
	rec := NewRecorder(&failingStore{}, zerolog.Nop(), 1)
	rec.For("d1").ObserveAvatar(avatar.LifecycleEvent{Kind: avatar.EventReady})
	rec.Close()
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	session := "test-" + time.Now().Format("150405.000000")
	require.NoError(t, s.Record(ctx, Entry{DashboardSessionID: session, Kind: "init_started", CreatedAt: time.Now().Add(-time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{DashboardSessionID: session, Kind: "ready", DurationMS: 1200}))

	got, err := s.History(ctx, session, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "init_started", got[0].Kind)
	assert.Equal(t, int64(1200), got[1].DurationMS)
}
