package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"darklook/internal/profile"
	logx "darklook/pkg/logx"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls int
	fn    func(id int64) (*tele.Chat, error)
}

func (f *fakeAPI) ChatByID(id int64) (*tele.Chat, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	return fn(id)
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClient(api ChatGetter, cfg Config) (*TelegramClient, *manualClock) {
	clk := &manualClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	c := NewTelegramClient(api, cfg, logx.Nop())
	c.now = clk.Now
	return c, clk
}

func TestFetchProfileMapsChat(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{fn: func(id int64) (*tele.Chat, error) {
		return &tele.Chat{ID: id, Username: "alice", FirstName: "Alice"}, nil
	}}
	c, _ := newClient(api, Config{})

	p, err := c.FetchProfile(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, profile.Profile{Username: "alice", FirstName: "Alice"}, p)
}

func TestFetchProfileClassifiesErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "chat not found", err: tele.ErrChatNotFound, kind: KindNotFound},
		{name: "blocked", err: tele.ErrBlockedByUser, kind: KindNotFound},
		{name: "server error", err: tele.NewError(502, "Bad Gateway"), kind: KindTransient},
		{name: "network", err: errors.New("dial tcp: connection refused"), kind: KindTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newClient(&fakeAPI{fn: func(int64) (*tele.Chat, error) { return nil, tt.err }}, Config{})
			_, err := c.FetchProfile(context.Background(), 7)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			var de *Error
			require.ErrorAs(t, err, &de)
			assert.EqualValues(t, 7, de.Identity)
			if tt.kind == KindNotFound {
				assert.ErrorIs(t, err, ErrNotFound)
				assert.NotErrorIs(t, err, ErrTransient)
			} else {
				assert.ErrorIs(t, err, ErrTransient)
			}
		})
	}
}

func TestFloodWaitPausesAllFetches(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{fn: func(int64) (*tele.Chat, error) { return nil, tele.FloodError{RetryAfter: 30} }}
	c, clk := newClient(api, Config{BreakerTrip: -1})

	_, err := c.FetchProfile(context.Background(), 1)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTransient, de.Kind)
	assert.Equal(t, 30*time.Second, de.RetryAfter)

	api.mu.Lock()
	api.fn = func(id int64) (*tele.Chat, error) { return &tele.Chat{ID: id}, nil }
	api.mu.Unlock()

	_, err = c.FetchProfile(context.Background(), 2)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, api.count(), "paused fetch must not reach the API")

	clk.Advance(31 * time.Second)
	_, err = c.FetchProfile(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, api.count())
}

func TestBreakerOpensAfterTransientRun(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{fn: func(int64) (*tele.Chat, error) { return nil, errors.New("timeout") }}
	c, clk := newClient(api, Config{BreakerTrip: 2, BreakerBaseDelay: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := c.FetchProfile(context.Background(), 1)
		require.ErrorIs(t, err, ErrTransient)
	}
	assert.Equal(t, 2, c.Failures())

	_, err := c.FetchProfile(context.Background(), 1)
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 2, api.count())

	clk.Advance(2 * time.Minute)
	api.mu.Lock()
	api.fn = func(id int64) (*tele.Chat, error) { return &tele.Chat{ID: id}, nil }
	api.mu.Unlock()
	_, err = c.FetchProfile(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, c.Failures())
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{fn: func(int64) (*tele.Chat, error) { return nil, tele.ErrChatNotFound }}
	c, _ := newClient(api, Config{BreakerTrip: 1})
	for i := 0; i < 3; i++ {
		_, err := c.FetchProfile(context.Background(), 1)
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 3, api.count())
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	api := &fakeAPI{fn: func(int64) (*tele.Chat, error) {
		<-release
		return nil, nil
	}}
	c, _ := newClient(api, Config{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.FetchProfile(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(NotFound(1, nil)))
	assert.Equal(t, KindTransient, KindOf(errors.New("other")))
	assert.Equal(t, KindNotFound, KindOf(errors.Join(errors.New("x"), ErrNotFound)))
	assert.Contains(t, Transient(3, errors.New("boom"), time.Second).Error(), "retry_after=1s")
}
