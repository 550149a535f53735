package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"darklook/internal/transport"
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache suppresses identical notifications inside a window. The memory
// map is authoritative; the store, when present, carries windows across
// restarts on a best-effort basis.
type dedupCache struct {
	store DedupStore

	mu sync.Mutex
	m  map[string]time.Time
}

func newDedupCache(store DedupStore) *dedupCache {
	return &dedupCache{store: store, m: map[string]time.Time{}}
}

func dedupKey(n transport.Notification) string {
	if n.Target.ChatID == 0 || n.Text == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (c *dedupCache) allow(ctx context.Context, key string, now time.Time, window time.Duration, maxEntries int, persist bool, pch chan<- dedupWrite) bool {
	c.mu.Lock()
	if until, ok := c.m[key]; ok && now.Before(until) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if persist && c.store != nil {
		qctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := c.store.GetDedup(qctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			c.mu.Lock()
			c.m[key] = until
			c.mu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	c.mu.Lock()
	c.m[key] = until
	c.pruneLocked(now, maxEntries)
	c.mu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneLocked drops expired keys, then the soonest-expiring ones above max.
func (c *dedupCache) pruneLocked(now time.Time, maxEntries int) {
	for k, until := range c.m {
		if !now.Before(until) {
			delete(c.m, k)
		}
	}
	for maxEntries > 0 && len(c.m) > maxEntries {
		var (
			oldest string
			at     time.Time
		)
		for k, until := range c.m {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(c.m, oldest)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// persistLoop writes windows to the store until ch closes (true) or ctx ends.
func (c *dedupCache) persistLoop(ctx context.Context, ch <-chan dedupWrite) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case w, ok := <-ch:
			if !ok {
				return true
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = c.store.PutDedup(wctx, w.key, w.until)
			cancel()
		}
	}
}
