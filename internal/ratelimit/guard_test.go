package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCooldown(t *testing.T) {
	t.Parallel()
	g := New(Config{Cooldown: 3 * time.Second})

	ok, _ := g.CheckCooldown(1, t0)
	require.True(t, ok)

	ok, wait := g.CheckCooldown(1, t0.Add(time.Second))
	assert.False(t, ok)
	assert.InDelta(t, float64(2*time.Second), float64(wait), float64(10*time.Millisecond))

	ok, _ = g.CheckCooldown(2, t0.Add(time.Second))
	assert.True(t, ok, "actors are independent")

	ok, _ = g.CheckCooldown(1, t0.Add(3*time.Second))
	assert.True(t, ok)
}

func TestCooldownDeniedCallDoesNotExtendWait(t *testing.T) {
	t.Parallel()
	g := New(Config{Cooldown: 3 * time.Second})
	ok, _ := g.CheckCooldown(1, t0)
	require.True(t, ok)
	for i := 1; i < 3; i++ {
		ok, _ = g.CheckCooldown(1, t0.Add(time.Duration(i)*time.Second))
		require.False(t, ok)
	}
	ok, _ = g.CheckCooldown(1, t0.Add(3*time.Second))
	assert.True(t, ok)
}

func TestSlidingWindow(t *testing.T) {
	t.Parallel()
	g := New(Config{WindowSize: time.Minute, WindowMax: 3})

	for i := 0; i < 3; i++ {
		require.True(t, g.CheckAndRecord(7, t0.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, g.CheckAndRecord(7, t0.Add(10*time.Second)))
	assert.True(t, g.CheckAndRecord(8, t0.Add(10*time.Second)))

	// the first hit leaves the window exactly one minute later
	assert.True(t, g.CheckAndRecord(7, t0.Add(time.Minute)))
	assert.False(t, g.CheckAndRecord(7, t0.Add(time.Minute)))
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := New(Config{}).Config()
	assert.Equal(t, DefaultWindowSize, cfg.WindowSize)
	assert.Equal(t, DefaultWindowMax, cfg.WindowMax)
	assert.Zero(t, cfg.Cooldown)

	ok, _ := New(Config{}).CheckCooldown(1, t0)
	assert.True(t, ok)
}

func TestApplyChangesCooldown(t *testing.T) {
	t.Parallel()
	g := New(Config{Cooldown: 10 * time.Second})
	ok, _ := g.CheckCooldown(1, t0)
	require.True(t, ok)

	g.Apply(Config{Cooldown: 0}, t0)
	ok, _ = g.CheckCooldown(1, t0.Add(time.Second))
	assert.True(t, ok)

	g.Apply(Config{Cooldown: time.Second, WindowMax: 1}, t0)
	assert.Equal(t, 1, g.Config().WindowMax)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	g := New(Config{Cooldown: time.Second, WindowSize: time.Minute, WindowMax: 5})
	g.CheckAndRecord(1, t0)
	g.CheckCooldown(1, t0)
	g.CheckAndRecord(2, t0.Add(50*time.Second))
	require.Equal(t, 2, g.Len())

	assert.Equal(t, 1, g.Prune(t0.Add(90*time.Second)))
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 1, g.Prune(t0.Add(5*time.Minute)))
	assert.Zero(t, g.Len())
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()
	g := New(Config{WindowSize: time.Hour, WindowMax: 50})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.CheckAndRecord(1, t0.Add(time.Duration(i)*time.Millisecond)) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
