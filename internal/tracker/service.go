// Package tracker implements the actor-facing operations around the
// monitor: registering and removing tracked identities under a per-owner
// quota, activity bookkeeping and the admin read models.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"darklook/internal/directory"
	"darklook/internal/profile"
	"darklook/internal/storage"
	logx "darklook/pkg/logx"
)

var (
	ErrQuotaExceeded = errors.New("tracker: tracking quota exceeded")
	ErrNotTracked    = errors.New("tracker: identity not tracked")
	ErrInvalidTarget = errors.New("tracker: invalid target")
)

// Action kinds written to the action log.
const (
	ActionStart        = "start"
	ActionTrackAttempt = "track_attempt"
	ActionTrackSuccess = "track_success"
	ActionTrackDenied  = "track_denied"
	ActionStop         = "stop"
	ActionInfo         = "info"
	ActionRetention    = "retention"
)

const DefaultMaxPerOwner = 5

type Config struct {
	MaxPerOwner int
}

type Service struct {
	store storage.Store
	dir   directory.Client
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config

	// owners serializes Track per owner so the quota check and the insert
	// are not interleaved by the same process.
	owners sync.Map // int64 -> *sync.Mutex
}

func New(store storage.Store, dir directory.Client, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, dir: dir, log: log, now: time.Now}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = DefaultMaxPerOwner
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) MaxPerOwner() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxPerOwner
}

func (s *Service) ownerLock(owner int64) *sync.Mutex {
	v, _ := s.owners.LoadOrStore(owner, &sync.Mutex{})
	return v.(*sync.Mutex)
}

type TrackResult struct {
	Identity storage.TrackedIdentity
	// Created is false when an already tracked identity was refreshed.
	Created bool
	Used    int
	Max     int
}

// Track registers target for owner with its current profile. Re-adding a
// tracked target refreshes it and never counts against the quota.
func (s *Service) Track(ctx context.Context, owner, target int64, p profile.Profile) (TrackResult, error) {
	if target == 0 {
		return TrackResult{}, ErrInvalidTarget
	}
	mu := s.ownerLock(owner)
	mu.Lock()
	defer mu.Unlock()

	limit := s.MaxPerOwner()
	created := false
	if _, err := s.store.GetTracked(ctx, owner, target); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return TrackResult{}, err
		}
		created = true
		used, err := s.store.CountTracked(ctx, owner)
		if err != nil {
			return TrackResult{}, err
		}
		if used >= limit {
			s.logAction(ctx, owner, ActionTrackDenied, fmt.Sprintf("target=%d used=%d max=%d", target, used, limit))
			return TrackResult{Used: used, Max: limit}, ErrQuotaExceeded
		}
	}

	if _, err := s.store.UpsertTracked(ctx, owner, target, p); err != nil {
		return TrackResult{}, err
	}
	row, err := s.store.GetTracked(ctx, owner, target)
	if err != nil {
		return TrackResult{}, err
	}
	used, err := s.store.CountTracked(ctx, owner)
	if err != nil {
		return TrackResult{}, err
	}
	s.logAction(ctx, owner, ActionTrackSuccess, fmt.Sprintf("target=%d label=%s", target, profile.Label(target, p)))
	s.log.Info("identity tracked", logx.Int64("owner", owner), logx.Int64("target", target), logx.Bool("created", created))
	return TrackResult{Identity: row, Created: created, Used: used, Max: limit}, nil
}

// Untrack removes one tracked identity of owner.
func (s *Service) Untrack(ctx context.Context, owner, target int64) error {
	ok, err := s.store.RemoveTracked(ctx, owner, target)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotTracked
	}
	s.logAction(ctx, owner, ActionStop, fmt.Sprintf("target=%d", target))
	return nil
}

func (s *Service) List(ctx context.Context, owner int64) ([]storage.TrackedIdentity, error) {
	return s.store.ListTracked(ctx, owner)
}

// Get returns one tracked identity of owner or ErrNotTracked.
func (s *Service) Get(ctx context.Context, owner, target int64) (storage.TrackedIdentity, error) {
	row, err := s.store.GetTracked(ctx, owner, target)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.TrackedIdentity{}, ErrNotTracked
	}
	return row, err
}

// History returns owner's change records, newest first. target 0 selects all
// of owner's identities.
func (s *Service) History(ctx context.Context, owner, target int64, limit int) ([]storage.ChangeRecord, error) {
	if owner == 0 {
		return nil, ErrInvalidTarget
	}
	return s.store.ListChanges(ctx, storage.ChangeFilter{Owner: owner, Target: target, Limit: limit})
}

// Lookup fetches the live profile of target.
func (s *Service) Lookup(ctx context.Context, actor, target int64) (profile.Profile, error) {
	if target == 0 {
		return profile.Profile{}, ErrInvalidTarget
	}
	p, err := s.dir.FetchProfile(ctx, target)
	if err != nil {
		return profile.Profile{}, err
	}
	s.logAction(ctx, actor, ActionInfo, fmt.Sprintf("target=%d", target))
	return p, nil
}

// RecordActivity upserts the bot user; created reports a first interaction.
func (s *Service) RecordActivity(ctx context.Context, u storage.BotUser) (bool, error) {
	if u.LastActiveAt.IsZero() {
		u.LastActiveAt = s.now()
	}
	return s.store.TouchBotUser(ctx, u)
}

func (s *Service) LogAction(ctx context.Context, actor int64, kind, details string) error {
	return s.store.AppendAction(ctx, storage.ActionLogEntry{Actor: actor, Kind: kind, Details: details, OccurredAt: s.now()})
}

// logAction records best-effort; a failure is only logged.
func (s *Service) logAction(ctx context.Context, actor int64, kind, details string) {
	if err := s.LogAction(ctx, actor, kind, details); err != nil {
		s.log.Warn("action log write failed", logx.String("kind", kind), logx.Err(err))
	}
}

func (s *Service) Stats(ctx context.Context) (storage.Stats, error) { return s.store.Stats(ctx) }

func (s *Service) Users(ctx context.Context, limit int) ([]storage.BotUser, error) {
	return s.store.ListBotUsers(ctx, limit)
}

func (s *Service) RecentActions(ctx context.Context, limit int) ([]storage.ActionLogEntry, error) {
	return s.store.RecentActions(ctx, limit)
}

// Prune drops change history and action log rows older than keep.
func (s *Service) Prune(ctx context.Context, keep time.Duration) (storage.PruneResult, error) {
	if keep <= 0 {
		return storage.PruneResult{}, fmt.Errorf("tracker: prune: keep must be positive, got %s", keep)
	}
	res, err := s.store.PruneBefore(ctx, s.now().Add(-keep))
	if err != nil {
		return res, err
	}
	s.logAction(ctx, 0, ActionRetention, fmt.Sprintf("changes=%d actions=%d dedup=%d", res.Changes, res.Actions, res.Dedup))
	return res, nil
}
