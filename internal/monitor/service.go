// Package monitor runs the change-detection loop: it periodically snapshots
// the tracked identities, fetches their current profiles, applies detected
// field changes to the store and notifies owners. Failures are isolated per
// identity and never stop the loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"darklook/internal/directory"
	"darklook/internal/eventbus"
	"darklook/internal/profile"
	"darklook/internal/storage"
	logx "darklook/pkg/logx"
)

// ErrTickInProgress is returned by Tick while another pass is running.
var ErrTickInProgress = errors.New("monitor: tick in progress")

// Store is the part of storage.Store the loop needs.
type Store interface {
	ListTracked(ctx context.Context, owner int64) ([]storage.TrackedIdentity, error)
	ApplyFieldChange(ctx context.Context, owner, target int64, d profile.FieldDelta) error
	TouchChecked(ctx context.Context, owner, target int64, at time.Time) error
}

// Notifier delivers one aggregated notice per changed identity. Delivery is
// best-effort; an error never rolls back committed changes.
type Notifier interface {
	NotifyChanges(ctx context.Context, n Notice) error
}

type Config struct {
	Interval time.Duration
	// Workers > 1 processes identities concurrently; each identity is still
	// handled start to finish by one goroutine.
	Workers      int
	FetchTimeout time.Duration
}

const (
	DefaultInterval     = 15 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

type Option func(*Service)

// WithClock overrides the time source of report and check timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithTickHook runs fn after every completed tick, from the loop goroutine.
func WithTickHook(fn func(TickReport)) Option { return func(s *Service) { s.onTick = fn } }

// WithBus publishes tick and change events.
func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

type Service struct {
	store    Store
	dir      directory.Client
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	onTick   func(TickReport)

	state atomic.Int32
	ticks atomic.Uint64

	mu   sync.Mutex
	cfg  Config
	last *TickReport
}

func New(cfg Config, store Store, dir directory.Client, n Notifier, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:    store,
		dir:      dir,
		notifier: n,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the configuration; it takes effect at the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) State() State { return State(s.state.Load()) }

// LastReport returns the most recent completed tick, if any.
func (s *Service) LastReport() (TickReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TickReport{}, false
	}
	return *s.last, true
}

// Ticks returns the number of completed ticks.
func (s *Service) Ticks() uint64 { return s.ticks.Load() }

// Run ticks, then sleeps the full interval, until ctx is done. Tick errors
// are logged and never end the loop.
func (s *Service) Run(ctx context.Context) error {
	log := s.log
	log.Info("monitoring started", logx.Duration("interval", s.Config().Interval))
	for {
		report, err := s.Tick(ctx)
		switch {
		case errors.Is(err, ErrTickInProgress):
		case err != nil && ctx.Err() == nil:
			log.Error("tick failed", logx.String("tick_id", report.ID), logx.Err(err))
		case err == nil:
			s.logReport(report)
		}

		t := time.NewTimer(s.Config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("monitoring stopped", logx.Uint64("ticks", s.Ticks()))
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) logReport(r TickReport) {
	fields := []logx.Field{
		logx.String("tick_id", r.ID),
		logx.Int("identities", r.Identities),
		logx.Int("changes", r.Changes),
		logx.Int("notified", r.Notified),
		logx.Duration("took", r.Duration),
	}
	for _, o := range []Outcome{OutcomeNotFound, OutcomeTransient, OutcomeStoreFault, OutcomeNotifyFailed, OutcomePanicked, OutcomeSkipped} {
		if n := r.Counts[o]; n > 0 {
			fields = append(fields, logx.Int(string(o), n))
		}
	}
	if len(r.Errors) > 0 {
		s.log.Warn("tick completed with errors", fields...)
		return
	}
	s.log.Debug("tick completed", fields...)
}

// Tick performs one pass over a snapshot of every tracked identity. The
// returned error is non-nil only when the snapshot could not be read; all
// per-identity failures are in the report.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateTicking)) {
		return TickReport{}, ErrTickInProgress
	}
	defer s.state.Store(int32(StateIdle))

	cfg := s.Config()
	report := TickReport{ID: uuid.NewString(), StartedAt: s.now(), Counts: map[Outcome]int{}}
	log := s.log.With(logx.String("tick_id", report.ID))

	rows, err := s.store.ListTracked(ctx, storage.AllOwners)
	if err != nil {
		report.Duration = s.now().Sub(report.StartedAt)
		return report, fmt.Errorf("monitor: list tracked: %w", err)
	}
	report.Identities = len(rows)

	results := make([]identityRun, len(rows))
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i := range rows {
		if ctx.Err() != nil {
			for j := i; j < len(rows); j++ {
				results[j] = identityRun{IdentityResult: IdentityResult{Owner: rows[j].Owner, Target: rows[j].Target, Outcome: OutcomeSkipped}}
			}
			break
		}
		row := rows[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = identityRun{IdentityResult: IdentityResult{Owner: row.Owner, Target: row.Target, Outcome: OutcomeSkipped}}
				return nil
			}
			defer func() {
				if r := recover(); r != nil {
					results[i] = panicked(row, r)
					log.Error("identity processing panicked",
						logx.Int64("owner", row.Owner), logx.Int64("target", row.Target),
						logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			results[i] = s.process(ctx, log, cfg, report.ID, row)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.Results = append(report.Results, r.IdentityResult)
		report.Counts[r.Outcome]++
		report.Changes += r.Applied
		if r.notified {
			report.Notified++
		}
		report.Errors = append(report.Errors, r.errs...)
	}
	report.Duration = s.now().Sub(report.StartedAt)

	s.ticks.Add(1)
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	s.publish(eventbus.TypeMonitorTick, report)
	if s.onTick != nil {
		s.onTick(report)
	}
	return report, nil
}

type identityRun struct {
	IdentityResult
	notified bool
	errs     []*IdentityError
}

func panicked(row storage.TrackedIdentity, r any) identityRun {
	return identityRun{
		IdentityResult: IdentityResult{Owner: row.Owner, Target: row.Target, Outcome: OutcomePanicked},
		errs: []*IdentityError{{
			Kind: KindPanic, Owner: row.Owner, Target: row.Target,
			Err: fmt.Errorf("panic: %v", r),
		}},
	}
}

// process handles one identity end to end. Store writes and the notification
// run on a context detached from shutdown so a started identity finishes
// consistently; shutdown is observed between identities.
func (s *Service) process(ctx context.Context, log logx.Logger, cfg Config, tickID string, row storage.TrackedIdentity) identityRun {
	run := identityRun{IdentityResult: IdentityResult{Owner: row.Owner, Target: row.Target}}
	log = log.With(logx.Int64("owner", row.Owner), logx.Int64("target", row.Target))
	fail := func(kind ErrorKind, field profile.Field, err error) {
		run.errs = append(run.errs, &IdentityError{Kind: kind, Owner: row.Owner, Target: row.Target, Field: field, Err: err})
	}

	work := context.WithoutCancel(ctx)
	fetchCtx, cancel := context.WithTimeout(work, cfg.FetchTimeout)
	fresh, err := s.dir.FetchProfile(fetchCtx, row.Target)
	cancel()
	if err != nil {
		if directory.KindOf(err) == directory.KindNotFound {
			run.Outcome = OutcomeNotFound
			fail(KindDirectoryNotFound, "", err)
			log.Info("identity not resolvable, skipped", logx.Err(err))
		} else {
			run.Outcome = OutcomeTransient
			fail(KindDirectoryTransient, "", err)
			log.Warn("identity fetch failed, retry next tick", logx.Err(err))
		}
		return run
	}

	deltas := profile.Diff(row.Profile(), fresh)
	if len(deltas) == 0 {
		run.Outcome = OutcomeUnchanged
		if err := s.store.TouchChecked(work, row.Owner, row.Target, s.now()); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				run.Outcome = OutcomeRemoved
				return run
			}
			run.Outcome = OutcomeStoreFault
			fail(KindStoreFault, "", err)
			log.Error("touch checked failed", logx.Err(err))
		}
		return run
	}

	applied := make([]profile.FieldDelta, 0, len(deltas))
	for _, d := range deltas {
		err := s.store.ApplyFieldChange(work, row.Owner, row.Target, d)
		if err == nil {
			applied = append(applied, d)
			continue
		}
		if errors.Is(err, storage.ErrNoChange) {
			// an upsert after the snapshot already stored this value
			log.Debug("delta already stored", logx.String("field", string(d.Field)))
			continue
		}
		if errors.Is(err, storage.ErrNotFound) {
			run.Outcome = OutcomeRemoved
			log.Debug("identity removed during tick")
		} else {
			run.Outcome = OutcomeStoreFault
			fail(KindStoreFault, d.Field, err)
			log.Error("apply field change failed", logx.String("field", string(d.Field)), logx.Err(err))
		}
		break
	}
	run.Applied = len(applied)
	if len(applied) == 0 {
		if run.Outcome == "" {
			run.Outcome = OutcomeUnchanged
		}
		return run
	}
	if run.Outcome == OutcomeRemoved {
		// the owner stopped tracking mid-tick; the committed fields stay in
		// history but nobody is told about them
		return run
	}

	label := profile.Label(row.Target, fresh)
	if fresh.Username == "" {
		label = profile.Label(row.Target, row.Profile())
	}
	notice := Notice{TickID: tickID, Owner: row.Owner, Target: row.Target, Label: label, Deltas: applied}
	s.publish(eventbus.TypeProfileChanged, notice)
	log.Info("profile changed", logx.Int("fields", len(applied)))

	if s.notifier != nil {
		if err := s.notifier.NotifyChanges(work, notice); err != nil {
			fail(KindNotifyFailure, "", err)
			log.Warn("change notification failed", logx.Err(err))
			if run.Outcome == "" {
				run.Outcome = OutcomeNotifyFailed
			}
			return run
		}
		run.notified = true
	}
	if run.Outcome == "" {
		run.Outcome = OutcomeChanged
	}
	return run
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
