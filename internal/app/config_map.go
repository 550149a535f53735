package app

import (
	"fmt"
	"strings"
	"time"

	"darklook/internal/config"
	"darklook/internal/directory"
	"darklook/internal/monitor"
	"darklook/internal/notifier"
	"darklook/internal/ratelimit"
	"darklook/internal/storage"
	"darklook/internal/task/scheduler"
	"darklook/internal/tracker"
	telegram "darklook/internal/transport/telegram/adapter"
	"darklook/internal/transport/telegram/router"
	logx "darklook/pkg/logx"
)

const retentionJobName = "retention.prune"

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pt}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory", BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	ft, err := config.ParseDurationOrDefault("monitor.fetch_timeout", cfg.Monitor.FetchTimeout, monitor.DefaultFetchTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		Interval:     cfg.PollInterval(),
		Workers:      cfg.Monitor.Workers,
		FetchTimeout: ft,
	}, nil
}

func mapTrackerConfig(cfg *config.Config) tracker.Config {
	return tracker.Config{MaxPerOwner: cfg.MaxTrackedPerOwner()}
}

func mapDirectoryConfig(cfg *config.Config) (directory.Config, error) {
	d := cfg.Directory
	out := directory.Config{RatePerSec: d.RatePerSec, BreakerTrip: d.BreakerTrip}
	var err error
	if out.Timeout, err = config.ParseDurationField("directory.timeout", d.Timeout); err != nil {
		return directory.Config{}, err
	}
	if out.BreakerBaseDelay, err = config.ParseDurationField("directory.breaker_base_delay", d.BreakerBaseDelay); err != nil {
		return directory.Config{}, err
	}
	if out.BreakerMaxDelay, err = config.ParseDurationField("directory.breaker_max_delay", d.BreakerMaxDelay); err != nil {
		return directory.Config{}, err
	}
	if out.BreakerResetAfter, err = config.ParseDurationField("directory.breaker_reset_after", d.BreakerResetAfter); err != nil {
		return directory.Config{}, err
	}
	return out, nil
}

func mapGuardConfig(cfg *config.Config) (ratelimit.Config, error) {
	r := cfg.RateLimit
	cool, err := config.ParseDurationUnlessEmpty("rate_limit.command_cooldown", r.CommandCooldown, ratelimit.DefaultCooldown)
	if err != nil {
		return ratelimit.Config{}, err
	}
	win, err := config.ParseDurationOrDefault("rate_limit.window", r.Window, ratelimit.DefaultWindowSize)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{Cooldown: cool, WindowSize: win, WindowMax: r.WindowMax}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.NotifierOrDefault()
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.send_timeout", n.SendTimeout, &out.SendTimeout},
		{"notifier.dedup_window", n.DedupWindow, &out.DedupWindow},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return notifier.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// retentionPlan is the retention section resolved for the scheduler.
type retentionPlan struct {
	Enabled  bool
	Schedule string
	Keep     time.Duration
	Timeout  time.Duration
}

func mapRetention(cfg *config.Config) (scheduler.Config, retentionPlan, error) {
	r := cfg.Retention
	timeout, err := config.ParseDurationOrDefault("retention.timeout", r.Timeout, time.Minute)
	if err != nil {
		return scheduler.Config{}, retentionPlan{}, err
	}
	schedule := strings.TrimSpace(r.Schedule)
	if schedule == "" {
		schedule = config.DefaultRetentionSchedule
	}
	if err := scheduler.ValidateSchedule(schedule); err != nil {
		return scheduler.Config{}, retentionPlan{}, fmt.Errorf("retention.schedule: %w", err)
	}
	days := r.KeepDays
	if days <= 0 {
		days = config.DefaultRetentionKeepDays
	}
	sc := scheduler.Config{Enabled: r.Enabled, Timezone: r.Timezone, DefaultTimeout: timeout}
	return sc, retentionPlan{
		Enabled:  r.Enabled,
		Schedule: schedule,
		Keep:     time.Duration(days) * 24 * time.Hour,
		Timeout:  timeout,
	}, nil
}

func mapRouterSettings(cfg *config.Config) router.Settings {
	return router.Settings{
		Admins:       append([]int64(nil), cfg.Telegram.AdminIDs...),
		PollInterval: cfg.PollInterval(),
	}
}

// validate maps every section so a config that cannot be applied is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	steps := []func(*config.Config) error{
		func(c *config.Config) error { _, err := mapAdapterConfig(c); return err },
		func(c *config.Config) error { _, err := mapStorageConfig(c); return err },
		func(c *config.Config) error { _, err := mapMonitorConfig(c); return err },
		func(c *config.Config) error { _, err := mapDirectoryConfig(c); return err },
		func(c *config.Config) error { _, err := mapGuardConfig(c); return err },
		func(c *config.Config) error { _, err := mapNotifierConfig(c); return err },
		func(c *config.Config) error { _, _, err := mapRetention(c); return err },
	}
	for _, s := range steps {
		if err := s(cfg); err != nil {
			return err
		}
	}
	return nil
}
