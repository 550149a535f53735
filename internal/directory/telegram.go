package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"darklook/internal/profile"
	logx "darklook/pkg/logx"
)

// ChatGetter is the part of the Telegram Bot API the client uses.
// *tele.Bot satisfies it.
type ChatGetter interface {
	ChatByID(id int64) (*tele.Chat, error)
}

type Config struct {
	// Timeout bounds a single getChat call.
	Timeout time.Duration
	// RatePerSec caps getChat calls across the process.
	RatePerSec int

	BreakerTrip       int // <0 disables the breaker
	BreakerBaseDelay  time.Duration
	BreakerMaxDelay   time.Duration
	BreakerResetAfter time.Duration
}

const (
	defaultTimeout    = 10 * time.Second
	defaultRatePerSec = 20
)

// TelegramClient resolves identities with getChat.
//
// A flood-wait answer pauses every fetch until the wait has passed, and a run
// of transient failures opens a circuit breaker; both surface as transient
// errors without touching the network.
type TelegramClient struct {
	api ChatGetter
	log logx.Logger
	now func() time.Time

	mu         sync.Mutex
	cfg        Config
	limiter    *rate.Limiter
	pauseUntil time.Time

	cb breaker
}

func NewTelegramClient(api ChatGetter, cfg Config, log logx.Logger) *TelegramClient {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &TelegramClient{api: api, log: log, now: time.Now}
	c.Apply(cfg)
	return c
}

// Apply swaps the client configuration. Breaker and pause state are kept.
func (c *TelegramClient) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	c.mu.Unlock()
	c.cb.configure(cfg.BreakerTrip, cfg.BreakerBaseDelay, cfg.BreakerMaxDelay, cfg.BreakerResetAfter)
}

func (c *TelegramClient) snapshot() (Config, *rate.Limiter, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.limiter, c.pauseUntil
}

func (c *TelegramClient) FetchProfile(ctx context.Context, id int64) (profile.Profile, error) {
	cfg, lim, pause := c.snapshot()
	now := c.now()

	if now.Before(pause) {
		return profile.Profile{}, Transient(id, errors.New("flood wait in effect"), pause.Sub(now))
	}
	if open, until := c.cb.open(now); open {
		return profile.Profile{}, Transient(id, errors.New("circuit open"), until.Sub(now))
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := lim.Wait(ctx); err != nil {
		c.cb.record(c.now(), true)
		return profile.Profile{}, Transient(id, fmt.Errorf("rate wait: %w", err), 0)
	}

	chat, err := c.getChat(ctx, id)
	if err == nil {
		c.cb.record(c.now(), false)
		return profileFromChat(chat), nil
	}

	err = c.classify(id, err)
	if errors.Is(err, ErrNotFound) {
		c.cb.record(c.now(), false)
	} else {
		c.cb.record(c.now(), true)
	}
	return profile.Profile{}, err
}

type chatResult struct {
	chat *tele.Chat
	err  error
}

// getChat runs the blocking API call and gives up at ctx's deadline. The call
// itself still finishes in the background under the HTTP client timeout.
func (c *TelegramClient) getChat(ctx context.Context, id int64) (*tele.Chat, error) {
	done := make(chan chatResult, 1)
	go func() {
		chat, err := c.api.ChatByID(id)
		done <- chatResult{chat: chat, err: err}
	}()
	select {
	case r := <-done:
		if r.err == nil && r.chat == nil {
			return nil, errors.New("empty getChat response")
		}
		return r.chat, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *TelegramClient) classify(id int64, err error) error {
	retryAfter, flooded := floodWait(err)
	if flooded {
		wait := time.Duration(retryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		c.mu.Lock()
		if until := c.now().Add(wait); until.After(c.pauseUntil) {
			c.pauseUntil = until
		}
		c.mu.Unlock()
		c.log.Warn("directory flood wait", logx.Int64("identity", id), logx.Duration("retry_after", wait))
		return Transient(id, fmt.Errorf("flood wait %s", wait), wait)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 403:
			return NotFound(id, err)
		}
		return Transient(id, err, 0)
	}
	return Transient(id, err, 0)
}

func floodWait(err error) (int, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return flood.RetryAfter, true
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return floodPtr.RetryAfter, true
	}
	return 0, false
}

func profileFromChat(ch *tele.Chat) profile.Profile {
	return profile.Profile{
		Username:  ch.Username,
		FirstName: ch.FirstName,
		LastName:  ch.LastName,
	}
}

// Failures returns the current consecutive transient failure count.
func (c *TelegramClient) Failures() int { return c.cb.failures() }
