// Package channel implements notification destinations (log, webhook, Slack,
// Telegram, Discord) behind one Send capability, built from catalog entries
// by kind.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

// Message is a rendered notification.
type Message struct {
	Text     string         `json:"text"`
	Severity model.Severity `json:"severity"`
	RunID    string         `json:"run_id,omitempty"`
	PolicyID string         `json:"policy_id,omitempty"`
}

// Channel delivers messages to one destination. Implementations must be safe
// for concurrent use and must not retry.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// Deps are shared resources handed to channel factories.
type Deps struct {
	Log  logx.Logger
	HTTP *http.Client
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	return d
}

// Factory builds a channel from its catalog entry.
type Factory func(cfg model.Channel, deps Deps) (Channel, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry { return &Registry{factories: map[string]Factory{}} }

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(strings.TrimSpace(kind))] = f
	r.mu.Unlock()
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs the channel described by cfg. Failures are ConfigurationErrors.
func (r *Registry) Build(cfg model.Channel, deps Deps) (Channel, error) {
	r.mu.RLock()
	f := r.factories[strings.ToLower(strings.TrimSpace(cfg.Kind))]
	r.mu.RUnlock()
	if f == nil {
		return nil, model.ConfigErr("channel", cfg.ID, fmt.Errorf("unknown kind %q", cfg.Kind))
	}
	ch, err := f(cfg, deps.withDefaults())
	if err != nil {
		return nil, model.ConfigErr("channel", cfg.ID, err)
	}
	return ch, nil
}

// Builtins returns a registry with every built-in kind.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("log", NewLog)
	r.Register("webhook", NewWebhook)
	r.Register("slack", NewSlack)
	r.Register("telegram", NewTelegram)
	r.Register("discord", NewDiscord)
	return r
}

// setting returns a trimmed setting value.
func setting(cfg model.Channel, key string) string {
	return strings.TrimSpace(cfg.Settings[key])
}

// secret reads key directly, or from the environment variable named by key+"_env".
func secret(cfg model.Channel, key string) string {
	if v := setting(cfg, key); v != "" {
		return v
	}
	if env := setting(cfg, key+"_env"); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

var errMissingSetting = errors.New("missing setting")

func missing(key string) error { return fmt.Errorf("%w %q", errMissingSetting, key) }

// clip shortens text to at most n runes, marking the cut.
func clip(text string, n int) string {
	if n <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	const mark = "\n…"
	keep := n - len([]rune(mark))
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + mark
}

// AlertSender adapts a channel to the logging alert sink.
type AlertSender struct{ Channel Channel }

func (a AlertSender) SendAlert(ctx context.Context, text string) error {
	if a.Channel == nil {
		return nil
	}
	return a.Channel.Send(ctx, Message{Text: text, Severity: model.SeverityError})
}
