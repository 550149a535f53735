package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"darklook/internal/eventbus"
	rtsup "darklook/internal/runtime/supervisor"
	"darklook/internal/transport"
	logx "darklook/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyCap = 300

type job struct {
	n   transport.Notification
	key string
}

// Service is safe for concurrent use. Start and Stop may be called repeatedly.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	dedup  *dedupCache

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	persist   chan dedupWrite
	sup       *rtsup.Supervisor
	accepting bool
	stopping  chan struct{}
	inflight  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus, dedup: newDedupCache(store)}
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

// Apply swaps the configuration. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.Config().Enabled }

// Running reports whether Notify currently accepts work.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if done := s.stopping; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan job, cfg.QueueSize)
	if cfg.PersistDedup && s.dedup.store != nil {
		s.persist = make(chan dedupWrite, 1024)
	}
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch := s.sup, s.queue, s.persist
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			return s.unexpectedExit(c, s.dedup.persistLoop(c, pch))
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.unexpectedExit(c, s.workerLoop(c, q))
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// unexpectedExit turns a loop return into a restartable error unless the
// service is shutting down. closed is true when the loop saw its channel close.
func (s *Service) unexpectedExit(ctx context.Context, closed bool) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	if stopping || closed {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("notifier loop exited unexpectedly")
}

// Stop rejects new work and drains the queue until ctx is done, after which
// the workers are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopping; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	q, pch, sup := s.queue, s.persist, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persist, s.sup, s.stopping = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop deadline reached, pending notifications dropped")
	}
}

// Notify enqueues n. A nil return means queued or suppressed as a duplicate.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg, q, pch := s.cfg, s.queue, s.persist
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	ev := Delivery{ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key}

	if cfg.DedupWindow > 0 && key != "" {
		if !s.dedup.allow(ctx, key, time.Now(), cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup, pch) {
			s.emit(eventbus.TypeNotifierDeduped, ev)
			return nil
		}
	}

	s.emit(eventbus.TypeNotifierQueued, ev)
	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.emit(eventbus.TypeNotifierDropped, ev)
		return ErrQueueFull
	}
}

// Send delivers n synchronously with the configured retry policy, bypassing
// the queue. It works whether or not the pipeline is enabled.
func (s *Service) Send(ctx context.Context, n transport.Notification) error {
	return s.deliver(ctx, job{n: n, key: dedupKey(n)})
}

func (s *Service) emit(typ string, d Delivery) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	d.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: d})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) (closed bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			if err := s.deliver(ctx, j); err != nil {
				s.log.Warn("notification failed", logx.Int64("chat_id", j.n.Target.ChatID), logx.Err(err))
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return errors.New("notifier: no sender")
	}
	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return nil
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(cctx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.n.Target.ChatID, text)
			s.emit(eventbus.TypeNotifierSent, Delivery{ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Key: j.key, Attempts: attempt})
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	s.emit(eventbus.TypeNotifierFailed, Delivery{
		ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Key: j.key,
		Attempts: attempts, Error: lastErr.Error(),
	})
	return lastErr
}

// retryDelay is the wait after a failed attempt (1-based): exponential from
// RetryBase, capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	cfg = withDefaults(cfg)
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func (s *Service) appendHistory(chatID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
	if n := len(s.history); n > historyCap {
		s.history = append(s.history[:0], s.history[n-historyCap:]...)
	}
	s.hmu.Unlock()
}

// Snapshot returns delivered notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Dispatch queues n, or sends it inline when the pipeline is disabled or
// stopped.
func (s *Service) Dispatch(ctx context.Context, n transport.Notification) error {
	err := s.Notify(ctx, n)
	if errors.Is(err, ErrDisabled) || errors.Is(err, ErrStopped) {
		return s.Send(ctx, n)
	}
	return err
}
