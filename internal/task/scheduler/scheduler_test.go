package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	logx "darklook/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "0 3 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "6h", kind: SpecInterval, source: "duration", every: 6 * time.Hour},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "every hhmm", raw: "every:24:00", kind: SpecInterval, source: "hhmm", every: 24 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.every, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "interval:-5m", "00:00", "01:75"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := parseClock("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 15, m)

	_, _, err = parseClock("24:00")
	assert.Error(t, err)
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }

	assert.Error(t, s.AddCron("bad", "not cron", 0, job))
	assert.Error(t, s.AddInterval("zero", 0, 0, job))
	assert.Error(t, s.AddSchedule("", "@daily", 0, job))
	assert.Error(t, s.AddSchedule("nil", "@daily", 0, nil))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestRunNowRecordsHistory(t *testing.T) {
	t.Parallel()
	s := New(Config{HistorySize: 2}, logx.Nop())
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.AddSchedule("retention", "@daily", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 2 {
			return boom
		}
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	}))

	require.NoError(t, s.RunNow(context.Background(), "retention"))
	require.ErrorIs(t, s.RunNow(context.Background(), "retention"), boom)
	require.NoError(t, s.RunNow(context.Background(), "retention"))
	require.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownSchedule)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.EqualValues(t, 3, snap.Schedules[0].Runs)
	assert.EqualValues(t, 1, snap.Schedules[0].Failures)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "boom", snap.History[0].Err)
	assert.Empty(t, snap.History[1].Err)
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	require.NoError(t, s.AddInterval("panicky", time.Hour, 0, func(context.Context) error { panic("nope") }))
	err := s.RunNow(context.Background(), "panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.False(t, s.Snapshot().Schedules[0].Running)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.AddSchedule("slow", "1h", 0, func(context.Context) error {
		close(entered)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-entered

	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrRunning)
	s.mu.Lock()
	d := s.findLocked("slow")
	s.mu.Unlock()
	s.trigger(d)

	close(release)
	require.NoError(t, <-done)
	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Schedules[0].Skips)
	assert.True(t, snap.History[0].Skipped)
}

func TestStartRegistersAndRemove(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	job := func(context.Context) error { return nil }
	require.NoError(t, s.AddSchedule("retention", "@daily", 0, job))

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	require.NoError(t, s.AddInterval("sweep", time.Hour, 0, job))

	snap := s.Snapshot()
	require.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 2)
	for _, it := range snap.Schedules {
		assert.False(t, it.Next.IsZero(), it.Name)
	}
	// interval first run is delayed by at most one extra interval
	assert.WithinDuration(t, time.Now().Add(time.Hour), snap.Schedules[1].Next, maxStartupSpread+2*time.Second)

	assert.True(t, s.Remove("sweep"))
	assert.False(t, s.Remove("sweep"))
	assert.Len(t, s.Snapshot().Schedules, 1)
}

func TestApplyTogglesTriggering(t *testing.T) {
	s := New(Config{}, logx.Nop())
	require.NoError(t, s.AddSchedule("retention", "@daily", 0, func(context.Context) error { return nil }))
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	assert.False(t, s.Snapshot().Running)
	s.Apply(Config{Enabled: true})
	assert.True(t, s.Snapshot().Running)
	assert.False(t, s.Snapshot().Schedules[0].Next.IsZero())

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	assert.Equal(t, "UTC", s.Snapshot().Timezone)

	s.Apply(Config{Enabled: false})
	assert.False(t, s.Snapshot().Running)
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	entered := make(chan struct{})
	require.NoError(t, s.AddSchedule("long", "1h", time.Minute, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start(context.Background())

	s.mu.Lock()
	d := s.findLocked("long")
	s.mu.Unlock()
	go s.trigger(d)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	require.Eventually(t, func() bool { return !s.Snapshot().Schedules[0].Running }, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.Snapshot().History[0].Err, "context canceled")
}

func TestValidateScheduleChecksCron(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"@daily", "0 3 * * *", "6h", "02:30", "cron:*/5 * * * *"} {
		assert.NoError(t, ValidateSchedule(ok), ok)
	}
	for _, bad := range []string{"", "not a schedule", "@weekdays", "61 * * * *"} {
		assert.Error(t, ValidateSchedule(bad), bad)
	}
}
