package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "telegram": {"token": "file-token", "admin_ids": [42, 7], "poll_timeout": "10s"},
  "logging": {"level": "debug", "console": true},
  "monitor": {"poll_interval_seconds": 30, "max_tracked_per_owner": 3},
  "directory": {"timeout": "5s", "rate_per_sec": 10},
  "rate_limit": {"command_cooldown": "3s", "window": "1m", "window_max": 10},
  "storage": {"driver": "sqlite", "path": "./data/darklook.db"},
  "retention": {"enabled": true, "keep_days": 30}
}`

const sampleYAML = `
telegram:
  token: file-token
  admin_ids: [42, 7]
  poll_timeout: 10s
logging:
  level: debug
  console: true
monitor:
  poll_interval_seconds: 30
  max_tracked_per_owner: 3
directory:
  timeout: 5s
  rate_per_sec: 10
rate_limit:
  command_cooldown: 3s
  window: 1m
  window_max: 10
storage:
  driver: sqlite
  path: ./data/darklook.db
retention:
  enabled: true
  keep_days: 30
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAMLMatchesJSON(t *testing.T) {
	t.Parallel()
	fromJSON, err := Decode("config.json", []byte(sampleJSON))
	require.NoError(t, err)
	fromYAML, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, []int64{42, 7}, fromJSON.Telegram.AdminIDs)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"telegram": {"tokn": "x"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)

	_, err = Decode("c.yml", []byte("monitor:\n  workerz: 2\n"))
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram:  TelegramConfig{AdminIDs: []int64{-1}},
		Monitor:   MonitorConfig{PollIntervalSeconds: -5},
		RateLimit: RateLimitConfig{Window: "soon"},
		Storage:   StorageConfig{Driver: "postgres"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"telegram.token",
		"telegram.admin_ids",
		"monitor.poll_interval_seconds",
		"rate_limit.window",
		"storage.driver",
	} {
		assert.Contains(t, err.Error(), want)
	}

	ok := &Config{Telegram: TelegramConfig{Token: "t"}, Storage: StorageConfig{Driver: "memory"}}
	assert.NoError(t, ok.Validate())

	noPath := &Config{Telegram: TelegramConfig{Token: "t"}}
	assert.ErrorContains(t, noPath.Validate(), "storage.path")
}

func TestDefaultsAndHelpers(t *testing.T) {
	t.Parallel()
	cfg := &Config{Telegram: TelegramConfig{AdminIDs: []int64{9, 10}}}
	assert.Equal(t, 15*time.Second, cfg.PollInterval())
	assert.Equal(t, 5, cfg.MaxTrackedPerOwner())
	assert.Equal(t, DefaultNotifier(), cfg.NotifierOrDefault())
	assert.True(t, cfg.IsAdmin(10))
	assert.False(t, cfg.IsAdmin(11))
	assert.EqualValues(t, 9, cfg.PrimaryAdmin())

	d, err := ParseDurationUnlessEmpty("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = ParseDurationUnlessEmpty("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", sampleJSON)
	t.Setenv("DARKLOOK_TELEGRAM_TOKEN", "env-token")
	t.Setenv("DARKLOOK_STORAGE_PATH", "/var/lib/darklook/db.sqlite")
	t.Setenv("DARKLOOK_TELEGRAM_ADMIN_IDS", "1,2,3")

	m := NewManager(p)
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "/var/lib/darklook/db.sqlite", cfg.Storage.Path)
	assert.Equal(t, []int64{1, 2, 3}, cfg.Telegram.AdminIDs)
	assert.Same(t, cfg, m.Get())
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.json", []byte(sampleJSON))
	require.NoError(t, err)
	b, err := Decode("b.json", []byte(sampleJSON))
	require.NoError(t, err)

	sections, _ := SummarizeChange(a, b)
	assert.Empty(t, sections)

	b.Monitor.PollIntervalSeconds = 60
	b.Storage.Path = "other.db"
	b.Notifier = &NotifierConfig{Enabled: false}
	sections, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"monitor", "notifier", "storage"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(sections))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", sampleJSON)
	m := NewManager(p)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		m.Unsubscribe(sub)
	})

	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"telegram": {"token": "x"}, "storage": {"driver": "bogus"}}`)
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, "file-token", m.Get().Telegram.Token)

	updated := `{"telegram": {"token": "new-token"}, "storage": {"driver": "memory"}}`
	writeFile(t, dir, "config.json", updated)

	select {
	case cfg := <-sub:
		assert.Equal(t, "new-token", cfg.Telegram.Token)
		assert.Equal(t, "memory", cfg.Storage.Driver)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
