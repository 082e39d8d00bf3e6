package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

func TestRegistryBuild(t *testing.T) {
	t.Parallel()

	r := Builtins()
	if got := strings.Join(r.Kinds(), ","); got != "discord,log,slack,telegram,webhook" {
		t.Fatalf("kinds = %s", got)
	}
	if !r.Has("Slack") {
		t.Fatalf("kind lookup should be case-insensitive")
	}

	cases := []struct {
		name    string
		cfg     model.Channel
		wantErr bool
	}{
		{"log", model.Channel{ID: "l", Kind: "log"}, false},
		{"unknown kind", model.Channel{ID: "x", Kind: "pager"}, true},
		{"webhook without url", model.Channel{ID: "w", Kind: "webhook"}, true},
		{"webhook bad scheme", model.Channel{ID: "w", Kind: "webhook", Settings: map[string]string{"url": "ftp://host/x"}}, true},
		{"slack without credentials", model.Channel{ID: "s", Kind: "slack"}, true},
		{"slack token without channel", model.Channel{ID: "s", Kind: "slack", Settings: map[string]string{"token": "xoxb-1"}}, true},
		{"slack webhook", model.Channel{ID: "s", Kind: "slack", Settings: map[string]string{"webhook_url": "https://hooks.example/x"}}, false},
		{"telegram without chat", model.Channel{ID: "t", Kind: "telegram", Settings: map[string]string{"token": "1:abc"}}, true},
		{"telegram bad chat", model.Channel{ID: "t", Kind: "telegram", Settings: map[string]string{"token": "1:abc", "chat_id": "room"}}, true},
		{"telegram ok", model.Channel{ID: "t", Kind: "telegram", Settings: map[string]string{"token": "1:abc", "chat_id": "-100123", "thread_id": "7"}}, false},
		{"discord without channel", model.Channel{ID: "d", Kind: "discord", Settings: map[string]string{"token": "abc"}}, true},
		{"discord ok", model.Channel{ID: "d", Kind: "discord", Settings: map[string]string{"token": "abc", "channel_id": "123"}}, false},
		{"discord webhook without token", model.Channel{ID: "d", Kind: "discord", Settings: map[string]string{"webhook_id": "42"}}, true},
		{"discord webhook", model.Channel{ID: "d", Kind: "discord", Settings: map[string]string{"webhook_id": "42", "webhook_token": "t"}}, false},
	}
	for _, tc := range cases {
		_, err := r.Build(tc.cfg, Deps{})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, model.ErrConfiguration) {
			t.Fatalf("%s: error is not a configuration error: %v", tc.name, err)
		}
	}
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv("FLEETRUN_TEST_HOOK", "https://hooks.example/from-env")
	cfg := model.Channel{ID: "w", Kind: "webhook", Settings: map[string]string{"url_env": "FLEETRUN_TEST_HOOK"}}
	if got := secret(cfg, "url"); got != "https://hooks.example/from-env" {
		t.Fatalf("secret = %q", got)
	}
}

func TestWebhookSend(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		got     webhookPayload
		gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch, err := Builtins().Build(model.Channel{ID: "ops", Kind: "webhook", Settings: map[string]string{
		"url":                  srv.URL,
		"header.Authorization": "Bearer t0k",
	}}, Deps{HTTP: srv.Client()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := Message{Text: "run r1 failed", Severity: model.SeverityError, RunID: "r1", PolicyID: "p1"}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Channel != "ops" || got.Text != msg.Text || got.Severity != model.SeverityError || got.RunID != "r1" || got.PolicyID != "p1" {
		t.Fatalf("payload = %+v", got)
	}
	if gotAuth != "Bearer t0k" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ch, err := NewWebhook(model.Channel{ID: "w", Settings: map[string]string{"url": srv.URL}}, Deps{HTTP: srv.Client()})
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	err = ch.Send(context.Background(), Message{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
}

func TestSlackWebhookSend(t *testing.T) {
	t.Parallel()

	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	ch, err := NewSlack(model.Channel{ID: "s", Settings: map[string]string{"webhook_url": srv.URL}}, Deps{HTTP: srv.Client()})
	if err != nil {
		t.Fatalf("NewSlack: %v", err)
	}
	if err := ch.Send(context.Background(), Message{Text: "backup finished"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if body := <-bodies; !strings.Contains(body, `"text":"backup finished"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestLogChannelAndAlertSender(t *testing.T) {
	t.Parallel()

	ch, err := NewLog(model.Channel{ID: "log"}, Deps{Log: logx.Nop()})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	if err := (AlertSender{Channel: ch}).SendAlert(context.Background(), "[ERROR] boom"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if err := (AlertSender{}).SendAlert(context.Background(), "ignored"); err != nil {
		t.Fatalf("nil channel SendAlert: %v", err)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()

	if got := clip("short", 10); got != "short" {
		t.Fatalf("clip short = %q", got)
	}
	got := clip(strings.Repeat("é", 50), 10)
	if n := len([]rune(got)); n != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("clip long = %q (%d runes)", got, n)
	}
}
