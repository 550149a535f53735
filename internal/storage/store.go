package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"darklook/internal/profile"
	logx "darklook/pkg/logx"
)

// Store is the persistence API used by the tracker service, the monitor loop
// and the notifier.
type Store interface {
	ListTracked(ctx context.Context, owner int64) ([]TrackedIdentity, error)
	GetTracked(ctx context.Context, owner, target int64) (TrackedIdentity, error)
	CountTracked(ctx context.Context, owner int64) (int, error)
	// UpsertTracked inserts the (owner, target) row or merges into the existing
	// one using the store's MergePolicy. It never writes change history.
	UpsertTracked(ctx context.Context, owner, target int64, p profile.Profile) (bool, error)
	RemoveTracked(ctx context.Context, owner, target int64) (bool, error)
	// ApplyFieldChange updates one field of a tracked row and appends the
	// matching change record in a single transaction. It returns ErrNoChange,
	// writing nothing, when the row already holds d.New.
	ApplyFieldChange(ctx context.Context, owner, target int64, d profile.FieldDelta) error
	TouchChecked(ctx context.Context, owner, target int64, at time.Time) error

	TouchBotUser(ctx context.Context, u BotUser) (created bool, err error)
	ListBotUsers(ctx context.Context, limit int) ([]BotUser, error)
	AppendAction(ctx context.Context, e ActionLogEntry) error
	RecentActions(ctx context.Context, limit int) ([]ActionLogEntry, error)

	ListChanges(ctx context.Context, f ChangeFilter) ([]ChangeRecord, error)
	Stats(ctx context.Context) (Stats, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (PruneResult, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Migrator is implemented by stores with schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Option customizes Open.
type Option func(*options)

type options struct {
	hook   TxHook
	now    func() time.Time
	merge  MergePolicy
	noMigr bool
}

// WithTxHook installs a hook that runs inside ApplyFieldChange transactions.
func WithTxHook(h TxHook) Option { return func(o *options) { o.hook = h } }

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithMergePolicy overrides the UpsertTracked conflict rule.
func WithMergePolicy(p MergePolicy) Option { return func(o *options) { o.merge = p } }

// WithoutMigrations skips goose on open; callers run Migrate themselves.
func WithoutMigrations() Option { return func(o *options) { o.noMigr = true } }

// Open initializes the configured store and applies pending migrations.
// Any error here is fatal for the process: there is no degraded mode.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := options{now: time.Now, merge: MergeLastWriteWins}
	for _, fn := range opts {
		fn(&o)
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage: sqlite path is required")
		}
		return openSQLite(ctx, cfg, log, o)
	case "memory":
		cfg.Path = ":memory:"
		return openSQLite(ctx, cfg, log, o)
	default:
		return nil, errors.New("storage: unknown driver: " + driver)
	}
}
