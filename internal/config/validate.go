package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field ranges and duration syntax. It does not apply
// defaults; the app maps zero values to component defaults.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set DARKLOOK_TELEGRAM_TOKEN)"))
	}
	for _, id := range c.Telegram.AdminIDs {
		if id <= 0 {
			add(fmt.Errorf("telegram.admin_ids: invalid user id %d", id))
		}
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	nonNeg("logging.telegram.rate_per_sec", c.Logging.Telegram.RatePerSec)
	nonNeg("logging.file.max_size_mb", c.Logging.File.MaxSizeMB)
	nonNeg("logging.file.max_backups", c.Logging.File.MaxBackups)
	nonNeg("logging.file.max_age_days", c.Logging.File.MaxAgeDays)
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	nonNeg("monitor.poll_interval_seconds", c.Monitor.PollIntervalSeconds)
	nonNeg("monitor.max_tracked_per_owner", c.Monitor.MaxTrackedPerOwner)
	nonNeg("monitor.workers", c.Monitor.Workers)
	dur("monitor.fetch_timeout", c.Monitor.FetchTimeout)

	nonNeg("directory.rate_per_sec", c.Directory.RatePerSec)
	dur("directory.timeout", c.Directory.Timeout)
	dur("directory.breaker_base_delay", c.Directory.BreakerBaseDelay)
	dur("directory.breaker_max_delay", c.Directory.BreakerMaxDelay)
	dur("directory.breaker_reset_after", c.Directory.BreakerResetAfter)

	nonNeg("rate_limit.window_max", c.RateLimit.WindowMax)
	dur("rate_limit.command_cooldown", c.RateLimit.CommandCooldown)
	dur("rate_limit.window", c.RateLimit.Window)

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if n := c.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	nonNeg("retention.keep_days", c.Retention.KeepDays)
	dur("retention.timeout", c.Retention.Timeout)
	if tz := strings.TrimSpace(c.Retention.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("retention.timezone: invalid %q: %w", tz, err))
		}
	}

	return errors.Join(errs...)
}

// PollInterval is monitor.poll_interval_seconds with its default.
func (c *Config) PollInterval() time.Duration {
	s := c.Monitor.PollIntervalSeconds
	if s <= 0 {
		s = DefaultPollIntervalSeconds
	}
	return time.Duration(s) * time.Second
}

func (c *Config) MaxTrackedPerOwner() int {
	if c.Monitor.MaxTrackedPerOwner <= 0 {
		return DefaultMaxTrackedPerOwner
	}
	return c.Monitor.MaxTrackedPerOwner
}

// NotifierOrDefault resolves an omitted notifier section.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

// IsAdmin reports whether id is listed in telegram.admin_ids.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.Telegram.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// PrimaryAdmin is the chat that receives admin notices, or 0.
func (c *Config) PrimaryAdmin() int64 {
	if len(c.Telegram.AdminIDs) == 0 {
		return 0
	}
	return c.Telegram.AdminIDs[0]
}
