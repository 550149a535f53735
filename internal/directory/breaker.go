package directory

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown.
// Only transient failures count; a NotFound answer is a healthy response.
type breaker struct {
	mu sync.Mutex

	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func (b *breaker) configure(trip int, base, maxD, reset time.Duration) {
	if trip == 0 {
		trip = 5
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	b.mu.Lock()
	b.trip, b.baseDelay, b.maxDelay, b.resetAfter = trip, base, maxD, reset
	b.mu.Unlock()
}

// open reports whether calls are currently rejected and until when.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trip < 0 {
		return false, time.Time{}
	}
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trip < 0 {
		return
	}
	b.maybeResetLocked(now)
	if !failed {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}
	d := b.baseDelay
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			break
		}
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	b.openUntil = now.Add(d)
}

func (b *breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && b.resetAfter > 0 && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

func (b *breaker) failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}
