// Package app wires darklook's components together and owns their
// lifecycle: construction, start, config hot-reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"darklook/internal/config"
	"darklook/internal/directory"
	"darklook/internal/eventbus"
	"darklook/internal/monitor"
	"darklook/internal/notifier"
	"darklook/internal/ratelimit"
	rtsup "darklook/internal/runtime/supervisor"
	"darklook/internal/storage"
	"darklook/internal/task/scheduler"
	"darklook/internal/tracker"
	"darklook/internal/transport"
	telegram "darklook/internal/transport/telegram/adapter"
	"darklook/internal/transport/telegram/router"
	logx "darklook/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *sdNotifier

	store   storage.Store
	adapter *telegram.Adapter
	dir     *directory.TelegramClient
	tracker *tracker.Service
	guard   *ratelimit.Guard
	notif   *notifier.Service
	changes *notifier.ChangeNotifier
	mon     *monitor.Service
	sched   *scheduler.Service

	cmdm *router.CommandManager
	serv *router.Services

	retentionKeep atomic.Int64
	updates       chan transport.Update
}

// New loads the config and builds every component. A storage failure is
// fatal: there is no degraded mode without the store.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
	adCfg, _ := mapAdapterConfig(cfg)
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn about a
	// missing target; the final config is applied once the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      newSDNotifier(log.With(logx.String("comp", "systemd"))),
		store:   store,
		adapter: ad,
		updates: make(chan transport.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	dc, _ := mapDirectoryConfig(cfg)
	gc, _ := mapGuardConfig(cfg)
	nc, _ := mapNotifierConfig(cfg)
	mc, _ := mapMonitorConfig(cfg)
	schedCfg, plan, err := mapRetention(cfg)
	if err != nil {
		return err
	}

	a.dir = directory.NewTelegramClient(a.adapter, dc, a.log.With(logx.String("comp", "directory")))
	a.tracker = tracker.New(a.store, a.dir, mapTrackerConfig(cfg), a.log.With(logx.String("comp", "tracker")))
	a.guard = ratelimit.New(gc)
	a.notif = notifier.New(nc, a.adapter, a.log.With(logx.String("comp", "notifier")), a.bus, a.store)
	a.changes = notifier.NewChangeNotifier(a.notif, router.RenderNotice)
	a.mon = monitor.New(mc, a.store, a.dir, a.changes, a.log.With(logx.String("comp", "monitor")),
		monitor.WithBus(a.bus),
		monitor.WithTickHook(a.sd.Tick),
	)
	a.sched = scheduler.New(schedCfg, a.log.With(logx.String("comp", "scheduler")))
	if err := a.applyRetention(schedCfg, plan); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	a.serv = &router.Services{
		Tracker:     a.tracker,
		Guard:       a.guard,
		Announcer:   a.changes,
		Monitor:     a.mon,
		Scheduler:   a.sched,
		Supervisors: router.NewSupervisorRegistry(),
	}
	a.cmdm = router.NewCommandManager(a.log.With(logx.String("comp", "commands")), a.adapter, a.serv, mapRouterSettings(cfg))
	return nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.serv.Supervisors.Set("telegram.adapter", a.adapter.Supervisor())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.serv.Supervisors.Set("notifier", a.notif.Supervisor())
	}
	a.sched.Start(a.sup.Context())

	a.sup.GoRestart("monitor.loop", a.mon.Run, rtsup.WithRestartBackoff(time.Second, time.Minute))
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if admin := a.cfgm.Get().PrimaryAdmin(); admin != 0 {
		if err := a.changes.Announce(a.sup.Context(), admin, router.StartupText, 5); err != nil {
			a.log.Warn("startup notice failed", logx.Err(err))
		}
	}
	a.sd.Ready()
	a.log.Info("app started", logx.Duration("poll_interval", a.mon.Config().Interval))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeNotifierFailed, eventbus.TypeNotifierDropped:
				a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			default:
				// ticks fire every few seconds
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes a committed config to every live component. Mapping
// errors cannot happen here: the validator ran the same mappings.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(next.Telegram.LogChatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.cmdm.Apply(mapRouterSettings(next))
	a.tracker.Apply(mapTrackerConfig(next))
	if gc, err := mapGuardConfig(next); err == nil {
		a.guard.Apply(gc, time.Now())
	}
	if dc, err := mapDirectoryConfig(next); err == nil {
		a.dir.Apply(dc)
	}
	if mc, err := mapMonitorConfig(next); err == nil {
		a.mon.Apply(mc)
	}
	if nc, err := mapNotifierConfig(next); err == nil {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.serv.Supervisors.Delete("notifier")
			a.log.Info("notifier disabled via config")
		case !wasEnabled && nc.Enabled:
			a.notif.Start(ctx)
			a.serv.Supervisors.Set("notifier", a.notif.Supervisor())
			a.log.Info("notifier enabled via config")
		}
	}
	if sc, plan, err := mapRetention(next); err == nil {
		if err := a.applyRetention(sc, plan); err != nil {
			a.log.Warn("retention schedule rejected; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels the run context and shuts components down in order, each
// step bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	// monitor and dispatcher use the store; wait for them before closing it
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
