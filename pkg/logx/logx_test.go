package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendLog(_ context.Context, _ int64, _ int, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "monitor"))
	l.Warn("tick failed", Int64("owner", 42), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "monitor", m["comp"])
	assert.Equal(t, "tick failed", m["message"])
	assert.EqualValues(t, 42, m["owner"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logx_test.go")
}

func TestFormatTelegramJSONSortsKeys(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"store fault","zeta":1,"alpha":"x","time":"t"}`))
	assert.Equal(t, "[WARN] store fault\n- alpha=x\n- zeta=1", got)

	raw := formatTelegramJSON([]byte("  not json  "))
	assert.Equal(t, "not json", raw)
}

func TestTelegramWriterFiltersByLevel(t *testing.T) {
	sender := &captureSender{}
	svc, _ := New(Config{Level: "debug"}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(-100, 0)
	svc.Apply(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}})

	w := &telegramWriter{svc: svc}
	_, _ = w.WriteLevel(zerolog.WarnLevel, []byte(`{"level":"warn","message":"skip"}`))
	_, _ = w.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"send"}`))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	assert.Equal(t, "[ERROR] send", sender.msgs[0])
	sender.mu.Unlock()
}
