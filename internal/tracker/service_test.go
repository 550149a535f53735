package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darklook/internal/directory"
	"darklook/internal/profile"
	"darklook/internal/storage"
	logx "darklook/pkg/logx"
)

func newService(t *testing.T, limit int, dir directory.Client) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if dir == nil {
		dir = directory.ClientFunc(func(_ context.Context, id int64) (profile.Profile, error) {
			return profile.Profile{}, directory.NotFound(id, nil)
		})
	}
	return New(st, dir, Config{MaxPerOwner: limit}, logx.Nop()), st
}

func TestTrackEnforcesQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newService(t, 2, nil)

	for _, id := range []int64{10, 11} {
		res, err := svc.Track(ctx, 1, id, profile.Profile{Username: "u"})
		require.NoError(t, err)
		assert.True(t, res.Created)
	}

	res, err := svc.Track(ctx, 1, 12, profile.Profile{})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 2, res.Used)
	assert.Equal(t, 2, res.Max)
	n, _ := st.CountTracked(ctx, 1)
	assert.Equal(t, 2, n)

	// re-adding an existing target refreshes it even at the limit
	res, err = svc.Track(ctx, 1, 10, profile.Profile{Username: "renamed"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "renamed", res.Identity.Username)

	// other owners have their own quota
	_, err = svc.Track(ctx, 2, 12, profile.Profile{})
	require.NoError(t, err)

	acts, err := svc.RecentActions(ctx, 10)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, a := range acts {
		kinds[a.Kind]++
	}
	assert.Equal(t, 1, kinds[ActionTrackDenied])
	assert.Equal(t, 4, kinds[ActionTrackSuccess])
}

func TestTrackConcurrentSameOwnerRespectsQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newService(t, 3, nil)

	var wg sync.WaitGroup
	for i := int64(0); i < 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _ = svc.Track(ctx, 7, 100+id, profile.Profile{})
		}(i)
	}
	wg.Wait()
	n, err := st.CountTracked(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUntrack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newService(t, 5, nil)
	_, err := svc.Track(ctx, 1, 10, profile.Profile{})
	require.NoError(t, err)

	require.NoError(t, svc.Untrack(ctx, 1, 10))
	assert.ErrorIs(t, svc.Untrack(ctx, 1, 10), ErrNotTracked)
	_, err = svc.Get(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrNotTracked)
	_, err = svc.Track(ctx, 1, 0, profile.Profile{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestLookupAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := directory.ClientFunc(func(_ context.Context, id int64) (profile.Profile, error) {
		if id == 5 {
			return profile.Profile{Username: "five"}, nil
		}
		return profile.Profile{}, directory.Transient(id, errors.New("down"), 0)
	})
	svc, st := newService(t, 5, dir)

	p, err := svc.Lookup(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "five", p.Username)
	_, err = svc.Lookup(ctx, 1, 6)
	assert.ErrorIs(t, err, directory.ErrTransient)

	_, err = svc.Track(ctx, 1, 5, profile.Profile{Username: "five"})
	require.NoError(t, err)
	require.NoError(t, st.ApplyFieldChange(ctx, 1, 5, profile.FieldDelta{Field: profile.FieldUsername, Old: "five", New: "5ive"}))
	recs, err := svc.History(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "5ive", recs[0].NewValue)

	other, err := svc.History(ctx, 2, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordActivityAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newService(t, 5, nil)

	created, err := svc.RecordActivity(ctx, storage.BotUser{ID: 3, Username: "me"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = svc.RecordActivity(ctx, storage.BotUser{ID: 3})
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, svc.LogAction(ctx, 3, ActionStart, ""))
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	res, err := svc.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Actions)

	_, err = svc.Prune(ctx, 0)
	assert.Error(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BotUsers)
	assert.Equal(t, 1, stats.Actions, "only the retention entry remains")
}
