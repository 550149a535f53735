package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("10s", "1m"); an empty duration means the component default.
//
// Secrets and deployment paths can be overridden from the environment; see
// the env tags (DARKLOOK_*).
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Monitor   MonitorConfig   `json:"monitor"`
	Directory DirectoryConfig `json:"directory"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Retention RetentionConfig `json:"retention"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"DARKLOOK_TELEGRAM_TOKEN"`
	// AdminIDs may run admin commands; the first one also receives
	// new-user and new-tracking notices.
	AdminIDs    []int64 `json:"admin_ids" env:"DARKLOOK_TELEGRAM_ADMIN_IDS" env-separator:","`
	PollTimeout string  `json:"poll_timeout"`
	// LogChatID receives log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty" env:"DARKLOOK_TELEGRAM_LOG_CHAT_ID"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"DARKLOOK_LOG_LEVEL"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type MonitorConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	MaxTrackedPerOwner  int    `json:"max_tracked_per_owner"`
	Workers             int    `json:"workers,omitempty"`
	FetchTimeout        string `json:"fetch_timeout,omitempty"`
}

type DirectoryConfig struct {
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// BreakerTrip < 0 disables the circuit breaker around getChat.
	BreakerTrip       int    `json:"breaker_trip,omitempty"`
	BreakerBaseDelay  string `json:"breaker_base_delay,omitempty"`
	BreakerMaxDelay   string `json:"breaker_max_delay,omitempty"`
	BreakerResetAfter string `json:"breaker_reset_after,omitempty"`
}

type RateLimitConfig struct {
	// CommandCooldown applies to /track and /stop. "0s" disables it.
	CommandCooldown string `json:"command_cooldown,omitempty"`
	Window          string `json:"window,omitempty"`
	WindowMax       int    `json:"window_max,omitempty"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "sqlite", "path": "./data/darklook.db" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"DARKLOOK_STORAGE_DRIVER"`
	Path        string `json:"path" env:"DARKLOOK_STORAGE_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline. When the section
// is omitted the notifier runs enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// RetentionConfig drives the history pruning job. Disabled by default: the
// change history is kept forever unless an operator opts in.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "@daily"
	KeepDays int    `json:"keep_days,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

const (
	DefaultPollIntervalSeconds = 15
	DefaultMaxTrackedPerOwner  = 5
	DefaultRetentionSchedule   = "@daily"
	DefaultRetentionKeepDays   = 90
)

// DefaultNotifier is what an omitted notifier section means.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      20,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
