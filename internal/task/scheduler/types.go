package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "darklook/pkg/logx"
)

// Job is one scheduled unit of work. ctx carries the per-run timeout and is
// cancelled when the scheduler stops.
type Job func(ctx context.Context) error

type Config struct {
	Enabled        bool
	Timezone       string // IANA name, empty means Local
	DefaultTimeout time.Duration
	HistorySize    int
}

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultHistorySize = 50
)

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

type scheduleDef struct {
	name    string
	spec    string // cron expression or "@every <d>"
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	spread  time.Duration

	running  atomic.Bool
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef
	now    func() time.Time

	// base is the parent of every run context; set by Start.
	base    context.Context
	cancel  context.CancelFunc
	started bool

	histMu sync.Mutex
	hist   []HistoryItem
}

// HistoryItem records one finished (or skipped) run.
type HistoryItem struct {
	Name      string
	StartedAt time.Time
	Duration  time.Duration
	Skipped   bool
	Err       string
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skips    uint64
	Failures uint64
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []HistoryItem
}
