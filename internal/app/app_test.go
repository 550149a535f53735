package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darklook/internal/config"
	"darklook/internal/directory"
	"darklook/internal/eventbus"
	"darklook/internal/profile"
	"darklook/internal/ratelimit"
	"darklook/internal/storage"
	"darklook/internal/task/scheduler"
	"darklook/internal/tracker"
	logx "darklook/pkg/logx"
)

func decode(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.yaml", []byte(raw))
	require.NoError(t, err)
	return cfg
}

const minimalYAML = `
telegram:
  token: "123:abc"
  admin_ids: [1]
storage:
  driver: memory
`

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := decode(t, minimalYAML)
	require.NoError(t, validate(cfg))

	mc, err := mapMonitorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, mc.Interval)

	gc, err := mapGuardConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.DefaultCooldown, gc.Cooldown)
	assert.Equal(t, ratelimit.DefaultWindowSize, gc.WindowSize)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, time.Minute, nc.DedupWindow)

	sc, plan, err := mapRetention(cfg)
	require.NoError(t, err)
	assert.False(t, sc.Enabled)
	assert.Equal(t, "@daily", plan.Schedule)
	assert.Equal(t, 90*24*time.Hour, plan.Keep)

	st, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Driver)

	assert.Equal(t, 5, mapTrackerConfig(cfg).MaxPerOwner)
	assert.Equal(t, []int64{1}, mapRouterSettings(cfg).Admins)
}

func TestMappingOverrides(t *testing.T) {
	t.Parallel()
	cfg := decode(t, minimalYAML+`
monitor:
  poll_interval_seconds: 60
  workers: 4
rate_limit:
  command_cooldown: 0s
  window: 30s
  window_max: 5
retention:
  enabled: true
  schedule: "03:00"
  keep_days: 7
`)
	require.NoError(t, validate(cfg))

	mc, _ := mapMonitorConfig(cfg)
	assert.Equal(t, time.Minute, mc.Interval)
	assert.Equal(t, 4, mc.Workers)

	gc, _ := mapGuardConfig(cfg)
	assert.Equal(t, ratelimit.Config{Cooldown: 0, WindowSize: 30 * time.Second, WindowMax: 5}, gc)

	sc, plan, _ := mapRetention(cfg)
	assert.True(t, sc.Enabled)
	assert.Equal(t, 7*24*time.Hour, plan.Keep)
}

func TestValidateRejectsUnmappableConfig(t *testing.T) {
	t.Parallel()
	bad := []string{
		"retention:\n  schedule: \"not a schedule\"\n",
		"directory:\n  timeout: soon\n",
		"notifier:\n  enabled: true\n  retry_base: x\n",
		"storage:\n  driver: memory\n  busy_timeout: -1s\n",
	}
	for _, extra := range bad {
		cfg := decode(t, "telegram:\n  token: t\n"+extra)
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "memory"
		}
		assert.Error(t, validate(cfg), extra)
	}
}

func TestCheckConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	cfg, err := CheckConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.PrimaryAdmin())

	require.NoError(t, os.WriteFile(path, []byte("telegram: {}\n"), 0o600))
	_, err = CheckConfig(path)
	assert.Error(t, err)
}

func TestMigrateSQLiteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	db := filepath.Join(dir, "darklook.db")
	raw := "telegram:\n  token: t\nstorage:\n  driver: sqlite\n  path: " + db + "\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	require.NoError(t, Migrate(context.Background(), path, logx.Nop()))
	_, err := os.Stat(db)
	require.NoError(t, err)
	// idempotent
	require.NoError(t, Migrate(context.Background(), path, logx.Nop()))
}

func TestRetentionJobPrunesAndPublishes(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	old := time.Now().Add(-200 * 24 * time.Hour)
	require.NoError(t, st.AppendAction(ctx, storage.ActionLogEntry{Actor: 7, Kind: tracker.ActionStart, OccurredAt: old}))
	require.NoError(t, st.AppendAction(ctx, storage.ActionLogEntry{Actor: 7, Kind: tracker.ActionStart, OccurredAt: time.Now()}))

	dir := directory.ClientFunc(func(context.Context, int64) (profile.Profile, error) { return profile.Profile{}, nil })
	a := &App{
		log:     logx.Nop(),
		bus:     eventbus.New(),
		store:   st,
		tracker: tracker.New(st, dir, tracker.Config{}, logx.Nop()),
		sched:   scheduler.New(scheduler.Config{}, logx.Nop()),
	}
	events, unsub := a.bus.Subscribe(4, eventbus.TypeRetentionPruned)
	defer unsub()

	cfg := decode(t, minimalYAML+"retention:\n  enabled: true\n  keep_days: 30\n")
	sc, plan, err := mapRetention(cfg)
	require.NoError(t, err)
	require.NoError(t, a.applyRetention(sc, plan))
	require.NoError(t, a.sched.RunNow(ctx, retentionJobName))

	select {
	case e := <-events:
		res, ok := e.Data.(storage.PruneResult)
		require.True(t, ok)
		assert.Equal(t, int64(1), res.Actions)
	case <-time.After(time.Second):
		t.Fatal("no retention event")
	}

	snap := a.sched.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, uint64(1), snap.Schedules[0].Runs)
}

func TestStepHonorsLimit(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	start := time.Now()
	release := make(chan struct{})
	a.step(context.Background(), "slow", 50*time.Millisecond, func(c context.Context) error {
		<-release
		return nil
	})
	close(release)
	assert.Less(t, time.Since(start), time.Second)

	called := false
	a.step(context.Background(), "fast", time.Second, func(context.Context) error { called = true; return nil })
	assert.True(t, called)
}
