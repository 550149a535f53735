// Package ratelimit gates command handling per actor with a cooldown
// between commands and a sliding request window.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultCooldown   = 3 * time.Second
	DefaultWindowSize = 60 * time.Second
	DefaultWindowMax  = 10
)

type Config struct {
	Cooldown   time.Duration
	WindowSize time.Duration
	WindowMax  int
}

func (c Config) withDefaults() Config {
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowMax <= 0 {
		c.WindowMax = DefaultWindowMax
	}
	return c
}

// Guard holds per-actor rate state for the whole process. It is safe for
// concurrent use; every decision is evaluated at the caller-supplied time.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	cool   map[int64]*rate.Limiter
	window map[int64][]time.Time
}

func New(cfg Config) *Guard {
	return &Guard{
		cfg:    cfg.withDefaults(),
		cool:   map[int64]*rate.Limiter{},
		window: map[int64][]time.Time{},
	}
}

func (g *Guard) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// CheckCooldown reports whether actor may run a cooldown-gated command at
// now, recording the use when allowed. The second value is the remaining wait
// when denied.
func (g *Guard) CheckCooldown(actor int64, now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.Cooldown == 0 {
		return true, 0
	}
	lim := g.cool[actor]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(g.cfg.Cooldown), 1)
		g.cool[actor] = lim
	}
	if lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - lim.TokensAt(now)
	wait := time.Duration(missing * float64(g.cfg.Cooldown))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// CheckAndRecord applies the sliding window: timestamps older than the window
// are dropped, the request is denied when WindowMax remain, otherwise now is
// recorded.
func (g *Guard) CheckAndRecord(actor int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	hits := trim(g.window[actor], now.Add(-g.cfg.WindowSize))
	if len(hits) >= g.cfg.WindowMax {
		g.window[actor] = hits
		return false
	}
	g.window[actor] = append(hits, now)
	return true
}

// trim drops timestamps at or before cutoff. hits is kept in append order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// Apply swaps the configuration. Existing cooldown limiters take the new rate
// from now on; window history is kept.
func (g *Guard) Apply(cfg Config, now time.Time) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.Cooldown != g.cfg.Cooldown {
		for id, lim := range g.cool {
			if cfg.Cooldown == 0 {
				delete(g.cool, id)
				continue
			}
			lim.SetLimitAt(now, rate.Every(cfg.Cooldown))
		}
	}
	g.cfg = cfg
}

// Prune forgets actors with no state that could still affect a decision at
// now. It returns the number of actors removed.
func (g *Guard) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	cutoff := now.Add(-g.cfg.WindowSize)
	for id, hits := range g.window {
		hits = trim(hits, cutoff)
		if len(hits) == 0 {
			delete(g.window, id)
			if _, ok := g.cool[id]; !ok {
				removed++
			}
			continue
		}
		g.window[id] = hits
	}
	for id, lim := range g.cool {
		if lim.TokensAt(now) >= 1 {
			delete(g.cool, id)
			if _, ok := g.window[id]; !ok {
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of actors with tracked state.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[int64]struct{}, len(g.window)+len(g.cool))
	for id := range g.window {
		seen[id] = struct{}{}
	}
	for id := range g.cool {
		seen[id] = struct{}{}
	}
	return len(seen)
}
