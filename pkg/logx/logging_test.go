package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatAlertJSON(t *testing.T) {
	t.Parallel()

	got := formatAlertJSON([]byte(`{"level":"error","message":"run failed","run_id":"r1","comp":"engine","time":"x"}`))
	want := "[ERROR] run failed\n- comp=engine\n- run_id=r1"
	if got != want {
		t.Fatalf("formatAlertJSON:\n got %q\nwant %q", got, want)
	}

	raw := formatAlertJSON([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}})
	defer svc.Close()

	sender := &captureSender{got: make(chan struct{}, 4)}
	svc.SetAlertSender(sender)

	log.Warn("below threshold")
	log.Error("schedule broken", String("schedule_id", "nightly"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("alerts = %d, want 1: %v", len(sender.msgs), sender.msgs)
	}
	if !strings.Contains(sender.msgs[0], "schedule broken") || !strings.Contains(sender.msgs[0], "schedule_id=nightly") {
		t.Fatalf("unexpected alert text %q", sender.msgs[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.With(String("k", "v")).Info("ignored")
}
