package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darklook/internal/profile"
	logx "darklook/pkg/logx"
)

// stepClock advances by one second on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openMemory(t *testing.T, opts ...Option) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "memory"}, logx.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func changeCount(t *testing.T, st Store) int {
	t.Helper()
	s, err := st.Stats(context.Background())
	require.NoError(t, err)
	return s.Changes
}

func TestOpenRejectsUnknownDriverAndEmptyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, err := Open(ctx, Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(ctx, Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestOpenFileDatabaseReportsSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "darklook.db")
	st, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.UpsertTracked(ctx, 1, 2, profile.Profile{Username: "a"})
	require.NoError(t, err)
	s, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Tracked)
	assert.Positive(t, s.DatabaseBytes)
}

func TestTrackedCountMatchesRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)

	for _, target := range []int64{10, 11, 12, 10} {
		_, err := st.UpsertTracked(ctx, 1, target, profile.Profile{Username: "u"})
		require.NoError(t, err)
	}
	_, err := st.UpsertTracked(ctx, 2, 10, profile.Profile{})
	require.NoError(t, err)

	removed, err := st.RemoveTracked(ctx, 1, 11)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.RemoveTracked(ctx, 1, 11)
	require.NoError(t, err)
	assert.False(t, removed)

	for _, owner := range []int64{1, 2, AllOwners} {
		n, err := st.CountTracked(ctx, owner)
		require.NoError(t, err)
		rows, err := st.ListTracked(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, len(rows), n, "owner %d", owner)
	}
	n, _ := st.CountTracked(ctx, 1)
	assert.Equal(t, 2, n)
}

func TestUpsertIsIdempotentAndWritesNoHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newStepClock()
	st := openMemory(t, WithClock(clk.Now))
	p := profile.Profile{Username: "alice", FirstName: "Alice"}

	_, err := st.UpsertTracked(ctx, 1, 100, p)
	require.NoError(t, err)
	first, err := st.GetTracked(ctx, 1, 100)
	require.NoError(t, err)

	_, err = st.UpsertTracked(ctx, 1, 100, p)
	require.NoError(t, err)
	second, err := st.GetTracked(ctx, 1, 100)
	require.NoError(t, err)

	assert.Equal(t, first.Profile(), second.Profile())
	assert.Equal(t, first.AddedAt, second.AddedAt)
	assert.True(t, second.LastCheckedAt.After(first.LastCheckedAt))
	assert.Zero(t, changeCount(t, st))
}

func TestMergePolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	lww := openMemory(t)
	_, _ = lww.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "old"})
	_, _ = lww.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "new", LastName: "L"})
	got, err := lww.GetTracked(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, profile.Profile{Username: "new", LastName: "L"}, got.Profile())
	assert.Zero(t, changeCount(t, lww))

	keep := openMemory(t, WithMergePolicy(MergeKeepExisting))
	_, _ = keep.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "old"})
	_, _ = keep.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "new"})
	got, err = keep.GetTracked(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Username)
	assert.Equal(t, "keep_existing", MergeKeepExisting.String())
}

func TestApplyFieldChangeWritesRowAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t, WithClock(newStepClock().Now))
	_, err := st.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "alice", FirstName: "Alice"})
	require.NoError(t, err)

	require.NoError(t, st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: profile.FieldUsername, Old: "alice", New: "alice2"}))
	require.NoError(t, st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: profile.FieldLastName, Old: "", New: "Smith"}))

	got, err := st.GetTracked(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, profile.Profile{Username: "alice2", FirstName: "Alice", LastName: "Smith"}, got.Profile())

	hist, err := st.ListChanges(ctx, ChangeFilter{Owner: 1, Target: 100})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, profile.FieldLastName, hist[0].Field)
	assert.Equal(t, "", hist[0].OldValue)
	assert.Equal(t, "Smith", hist[0].NewValue)
	assert.Equal(t, profile.FieldUsername, hist[1].Field)
	assert.Equal(t, "alice", hist[1].OldValue)
	assert.Equal(t, "alice2", hist[1].NewValue)

	other, err := st.ListChanges(ctx, ChangeFilter{Owner: 2})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestApplyFieldChangeRecordsStoredOldValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)
	_, _ = st.UpsertTracked(ctx, 1, 100, profile.Profile{FirstName: "Stored"})

	require.NoError(t, st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: profile.FieldFirstName, Old: "Stale", New: "Fresh"}))
	hist, err := st.ListChanges(ctx, ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "Stored", hist[0].OldValue)
}

func TestApplyFieldChangeSkipsValueAlreadyStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t, WithClock(newStepClock().Now))
	_, err := st.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "alice"})
	require.NoError(t, err)
	// a re-track lands the fresh value before the monitor applies its delta
	_, err = st.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "alice2"})
	require.NoError(t, err)
	before, err := st.GetTracked(ctx, 1, 100)
	require.NoError(t, err)

	err = st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: profile.FieldUsername, Old: "alice", New: "alice2"})
	assert.ErrorIs(t, err, ErrNoChange)
	assert.NotErrorIs(t, err, ErrFault)
	assert.Zero(t, changeCount(t, st))

	after, err := st.GetTracked(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyFieldChangeIsAtomic(t *testing.T) {
	t.Parallel()
	for _, stage := range []TxStage{StageAfterFieldUpdate, StageBeforeCommit} {
		stage := stage
		t.Run(string(stage), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			boom := errors.New("injected")
			st := openMemory(t, WithTxHook(func(s TxStage) error {
				if s == stage {
					return boom
				}
				return nil
			}))
			_, err := st.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "alice"})
			require.NoError(t, err)
			before, err := st.GetTracked(ctx, 1, 100)
			require.NoError(t, err)

			err = st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: profile.FieldUsername, Old: "alice", New: "bob"})
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.ErrorIs(t, err, ErrFault)

			after, err := st.GetTracked(ctx, 1, 100)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Zero(t, changeCount(t, st))
		})
	}
}

func TestApplyFieldChangeMissingRowAndBadField(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)

	err := st.ApplyFieldChange(ctx, 1, 404, profile.FieldDelta{Field: profile.FieldUsername, New: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrFault)

	_, _ = st.UpsertTracked(ctx, 1, 100, profile.Profile{})
	err = st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: "bio", New: "x"})
	require.Error(t, err)
	assert.Zero(t, changeCount(t, st))

	_, err = st.GetTracked(ctx, 9, 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.TouchChecked(ctx, 9, 9, time.Time{}), ErrNotFound)
}

func TestClosedStoreReturnsFault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = st.ListTracked(ctx, AllOwners)
	assert.ErrorIs(t, err, ErrFault)
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "list tracked", fe.Op)
}

func TestBotUsersAndActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t, WithClock(newStepClock().Now))

	created, err := st.TouchBotUser(ctx, BotUser{ID: 7, Username: "first"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = st.TouchBotUser(ctx, BotUser{ID: 7, Username: "renamed"})
	require.NoError(t, err)
	assert.False(t, created)
	_, err = st.TouchBotUser(ctx, BotUser{ID: 8})
	require.NoError(t, err)

	users, err := st.ListBotUsers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.EqualValues(t, 8, users[0].ID)
	assert.Equal(t, "renamed", users[1].Username)
	assert.True(t, users[1].LastActiveAt.After(users[1].FirstSeenAt))

	for _, kind := range []string{"start", "track", "untrack"} {
		require.NoError(t, st.AppendAction(ctx, ActionLogEntry{Actor: 7, Kind: kind}))
	}
	acts, err := st.RecentActions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "untrack", acts[0].Kind)
	assert.Equal(t, "track", acts[1].Kind)
}

func TestPruneBeforeKeepsTrackedRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newStepClock()
	st := openMemory(t, WithClock(clk.Now))

	_, _ = st.UpsertTracked(ctx, 1, 100, profile.Profile{Username: "a"})
	require.NoError(t, st.ApplyFieldChange(ctx, 1, 100, profile.FieldDelta{Field: profile.FieldUsername, New: "b"}))
	require.NoError(t, st.AppendAction(ctx, ActionLogEntry{Actor: 1, Kind: "old"}))
	cutoff := clk.Now()
	require.NoError(t, st.AppendAction(ctx, ActionLogEntry{Actor: 1, Kind: "new"}))
	require.NoError(t, st.PutDedup(ctx, "expired", cutoff.Add(-time.Hour)))
	require.NoError(t, st.PutDedup(ctx, "live", cutoff.Add(time.Hour)))

	res, err := st.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Changes: 1, Actions: 1, Dedup: 1}, res)

	n, _ := st.CountTracked(ctx, 1)
	assert.Equal(t, 1, n)
	_, ok, err := st.GetDedup(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)

	_, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	until := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, st.PutDedup(ctx, "k", until))
	got, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, until.Equal(got))
}

func TestWithoutMigrationsThenMigrate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t, WithoutMigrations())

	_, err := st.CountTracked(ctx, AllOwners)
	assert.ErrorIs(t, err, ErrFault)

	m, ok := st.(Migrator)
	require.True(t, ok)
	require.NoError(t, m.Migrate(ctx))
	require.NoError(t, m.Migrate(ctx))

	n, err := st.CountTracked(ctx, AllOwners)
	require.NoError(t, err)
	assert.Zero(t, n)
}
