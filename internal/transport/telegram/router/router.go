// Package router turns transport updates into command, forward and callback
// requests and runs them on a supervised worker pool.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"darklook/internal/monitor"
	"darklook/internal/ratelimit"
	rtsup "darklook/internal/runtime/supervisor"
	"darklook/internal/task/scheduler"
	"darklook/internal/tracker"
	"darklook/internal/transport"
	logx "darklook/pkg/logx"
	"darklook/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

// Guard selects which rate checks run before a command.
type Guard int

const (
	GuardNone Guard = iota
	// GuardWindow checks the sliding request window.
	GuardWindow
	// GuardCooldown checks the window and the per-actor cooldown.
	GuardCooldown
)

type HandlerFunc func(ctx context.Context, req *Request) error

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Guard       Guard
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	From    transport.User
	Command string
	Args    []string
	ReqID   string
	// Guard applied by MWRateGuard.
	Guard Guard

	Adapter  transport.Adapter
	Settings Settings
	Logger   logx.Logger
	Services *Services
	Now      time.Time
}

func (r *Request) reply(ctx context.Context, text string) (transport.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, htmlOpts(nil))
}

func (r *Request) replyMarkup(ctx context.Context, text string, markup any) (transport.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, htmlOpts(markup))
}

func htmlOpts(markup any) *transport.SendOptions {
	return &transport.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup}
}

// Announcer delivers operator messages through the notifier.
type Announcer interface {
	Announce(ctx context.Context, chatID int64, text string, priority int) error
}

type MonitorPort interface {
	State() monitor.State
	LastReport() (monitor.TickReport, bool)
	Ticks() uint64
}

type SchedulerPort interface {
	Snapshot() scheduler.Snapshot
}

type Services struct {
	Tracker   *tracker.Service
	Guard     *ratelimit.Guard
	Announcer Announcer
	Monitor   MonitorPort
	Scheduler SchedulerPort

	// AppSupervisor is set by the app once started; nil in tests.
	AppSupervisor *rtsup.Supervisor
	// Supervisors exposes subsystem supervisors for /status.
	Supervisors *SupervisorRegistry
}

// Settings is the hot-reloadable part of the router configuration.
type Settings struct {
	Admins         []int64
	PollInterval   time.Duration
	CommandTimeout time.Duration
	Workers        int
}

func (s Settings) IsAdmin(id int64) bool {
	for _, a := range s.Admins {
		if a == id {
			return true
		}
	}
	return false
}

// PrimaryAdmin receives operator notices; 0 disables them.
func (s Settings) PrimaryAdmin() int64 {
	if len(s.Admins) == 0 {
		return 0
	}
	return s.Admins[0]
}

const (
	defaultCommandTimeout = 30 * time.Second
	defaultWorkers        = 4
	jobQueueSize          = 256
	guardPruneEvery       = 5 * time.Minute
)

type CommandManager struct {
	mu       sync.RWMutex
	cmds     map[string]*Command
	ordered  []*Command
	cbs      map[string]CallbackRoute
	settings Settings

	log     logx.Logger
	adapter transport.Adapter
	serv    *Services
	now     func() time.Time

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter transport.Adapter, serv *Services, settings Settings) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if serv == nil {
		serv = &Services{}
	}
	m := &CommandManager{
		cbs:     map[string]CallbackRoute{},
		log:     log,
		adapter: adapter,
		serv:    serv,
		now:     time.Now,
		jobs:    make(chan func(), jobQueueSize),
	}
	m.Apply(settings)
	m.SetRegistry(m.builtinCommands(), m.builtinCallbacks())
	return m
}

// Apply swaps the settings; in-flight requests keep their snapshot.
func (m *CommandManager) Apply(s Settings) {
	s.Admins = append([]int64(nil), s.Admins...)
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = defaultCommandTimeout
	}
	if s.Workers <= 0 {
		s.Workers = defaultWorkers
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

func (m *CommandManager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetRegistry installs the command set and publishes the menu.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	index := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		index[name] = c
		ordered = append(ordered, c)
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, taken := index[sa]; !taken {
					index[sa] = c
				}
			}
		}
	}
	callbacks := map[string]CallbackRoute{}
	for _, r := range cbs {
		if r.Scope == "" || r.Action == "" || r.Handle == nil {
			continue
		}
		callbacks[r.Scope+":"+r.Action] = r
	}

	m.mu.Lock()
	m.cmds = index
	m.ordered = ordered
	m.cbs = callbacks
	m.mu.Unlock()

	m.publishMenu(ordered)
}

func (m *CommandManager) publishMenu(cmds []*Command) {
	up, ok := m.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(cmds)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}
	if m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go0("telegram.menu.update", run)
		return
	}
	go run(context.Background())
}

func (m *CommandManager) lookup(name string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[name]
	return c, ok
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := m.Settings().Workers
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.serv.Supervisors.Set("telegram.router", sup)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			return m.worker(c, i)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	if g := m.serv.Guard; g != nil {
		sup.Go0("ratelimit.prune", func(c context.Context) {
			t := time.NewTicker(guardPruneEvery)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					if n := g.Prune(m.now()); n > 0 {
						m.log.Debug("rate guard pruned", logx.Int("actors", n))
					}
				}
			}
		})
	}

	defer func() {
		m.setSupervisor(sup, false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.serv.Supervisors.Delete("telegram.router")
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) worker(ctx context.Context, idx int) error {
	m.log.Debug("command worker started", logx.Int("worker", idx))
	defer m.log.Debug("command worker stopped", logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		m.routeMessage(ctx, up)
	case transport.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func (m *CommandManager) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil || msg.From.IsBot {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if msg.Forwarded {
		// groups forward chatter all the time; tracking is private-chat only
		if msg.IsGroup {
			return
		}
		m.enqueue(ctx, up, chat, msg.From, Command{
			Name:   "forward",
			Guard:  GuardCooldown,
			Handle: handleForward,
		}, nil, nil)
		return
	}

	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, found := m.lookup(name)
	if !found {
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, textUnknownCommand, nil)
		}
		return
	}
	if cmd.Access == AccessAdminOnly && !m.Settings().IsAdmin(msg.From.ID) {
		// admin commands stay invisible to everyone else
		return
	}
	m.enqueue(ctx, up, chat, msg.From, *cmd, args, nil)
}

func (m *CommandManager) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	m.mu.RLock()
	route, found := m.cbs[scope+":"+action]
	m.mu.RUnlock()
	if !found {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessAdminOnly && !m.Settings().IsAdmin(cb.From.ID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, textForbidden)
		return
	}
	cmd := Command{
		Name:    "cb:" + scope + ":" + action,
		Timeout: route.Timeout,
		Guard:   GuardWindow,
		Handle: func(c context.Context, r *Request) error {
			return route.Handle(c, r, payload)
		},
	}
	chat := transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	m.enqueue(ctx, up, chat, cb.From, cmd, nil, func() {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	})
}

func (m *CommandManager) enqueue(ctx context.Context, up transport.Update, chat transport.ChatTarget, from transport.User, cmd Command, args []string, after func()) {
	settings := m.Settings()
	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     chat,
		From:     from,
		Command:  cmd.Name,
		Args:     args,
		ReqID:    rid,
		Guard:    cmd.Guard,
		Adapter:  m.adapter,
		Settings: settings,
		Services: m.serv,
		Now:      m.now(),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from.ID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = settings.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
		MWActivity(),
		MWRateGuard(),
	)
	if !m.tryEnqueue(func() {
		_ = final(ctx, req)
		if after != nil {
			after()
		}
	}) {
		m.log.Warn("command queue full", logx.String("cmd", cmd.Name))
		if up.Callback != nil {
			_ = m.adapter.AnswerCallback(ctx, up.Callback.ID, textBusy)
			return
		}
		_, _ = m.adapter.SendText(ctx, chat, textBusy, nil)
	}
}

// newReqID returns a short request id for log correlation.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
