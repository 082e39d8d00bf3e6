package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"fleetrun/internal/model"
	"fleetrun/internal/task/cron"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  alert:
    enabled: true
    channel: ops
    min_level: error
scheduler:
  enabled: true
  tick: 15s
engine:
  max_parallel: 4
  retry:
    max_attempts: 3
    base: 200ms
    on: [connection_error]
storage:
  driver: sqlite
  path: /tmp/fleetrun.db
targets:
  - id: web1
    host: 10.0.0.5
    user: deploy
    tags: [prod, web]
  - id: here
templates:
  - id: upgrade
    name: Package upgrade
    job_type: packages.upgrade
    selector: { kind: tag, tags: [prod] }
    timeout: 10m
schedules:
  - id: nightly
    template: upgrade
    cron: "0 3 * * *"
  - id: paused
    template: upgrade
    cron: "*/5 * * * *"
    enabled: false
    overlap: allow
policies:
  - id: failures
    min_severity: warning
    rate_limit: { max: 1, window: 1h }
    channels: [ops]
channels:
  - id: ops
    kind: webhook
    settings:
      url: https://hooks.example.com/x
`

var validateOpts = model.ValidateOptions{
	KnownJobType:     func(n string) bool { return n == "packages.upgrade" || n == "shell" },
	KnownChannelKind: func(k string) bool { return k == "webhook" || k == "log" },
	ValidateCron:     cron.Validate,
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDecodeYAMLCatalog(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("fleetrun.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(validateOpts); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}

	web, ok := cat.Target("web1")
	if !ok || web.Mode != model.ModeRemote || web.Remote == nil || web.Remote.User != "deploy" {
		t.Fatalf("web1 = %+v", web)
	}
	if here, _ := cat.Target("here"); !here.IsLocal() {
		t.Fatalf("target without host should be local: %+v", here)
	}
	tpl, ok := cat.Template("upgrade")
	if !ok || tpl.Timeout != 10*time.Minute || tpl.Selector.Kind != model.SelectByTag {
		t.Fatalf("template = %+v", tpl)
	}

	byID := map[string]model.Schedule{}
	for _, s := range cat.Schedules {
		byID[s.ID] = s
	}
	if !byID["nightly"].Enabled || byID["paused"].Enabled || byID["paused"].Overlap != model.OverlapAllow {
		t.Fatalf("schedules = %+v", cat.Schedules)
	}

	p := cat.Policies[0]
	if p.MinSeverity != model.SeverityWarning || p.RateLimit.Max != 1 || p.RateLimit.Window != time.Hour {
		t.Fatalf("policy = %+v", p)
	}
	if cfg.Engine.Retry == nil || cfg.Engine.Retry.MaxAttempts != 3 {
		t.Fatalf("engine.retry = %+v", cfg.Engine.Retry)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, file, body string
	}{
		{"json unknown", "c.json", `{"logging":{"level":"info"},"telegram":{}}`},
		{"yaml unknown", "c.yaml", "scheduler:\n  enabled: true\n  timezone: UTC\n"},
		{"json trailing", "c.json", `{} {}`},
		{"yaml syntax", "c.yml", "targets: [\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
			t.Fatalf("%s: Decode succeeded", tc.name)
		}
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cfg.Scheduler.Tick = "soon"
	cfg.Storage.Driver = "mongo"
	cfg.Logging.Alert.Channel = "pager"
	cfg.Schedules = append(cfg.Schedules, ScheduleConfig{ID: "bad", Template: "upgrade", Cron: "61 * * * *"})
	cfg.Templates = append(cfg.Templates, TemplateConfig{ID: "x", JobType: "rm-rf", Selector: SelectorConfig{Kind: "all"}})

	err = cfg.Validate(validateOpts)
	if err == nil {
		t.Fatalf("Validate succeeded")
	}
	msg := err.Error()
	for _, want := range []string{"scheduler.tick", "mongo", "pager", `schedule "bad"`, "rm-rf"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %q", msg, want)
		}
	}
	if !errors.Is(err, model.ErrInvalidExpression) || !errors.Is(err, model.ErrUnknownJobType) {
		t.Fatalf("sentinels lost: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "fleetrun.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate(validateOpts) })
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("Reload unchanged err = %v", err)
	}

	// Invalid edits are rejected and the committed config survives.
	bad := strings.Replace(sampleYAML, `cron: "0 3 * * *"`, `cron: "nope"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("invalid config accepted")
	}
	if m.Get().Schedules[0].Cron != "0 3 * * *" {
		t.Fatalf("committed config replaced by invalid one")
	}

	good := strings.Replace(sampleYAML, `cron: "0 3 * * *"`, `cron: "30 4 * * *"`, 1)
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case got := <-sub:
		if got != cfg || got.Schedules[0].Cron != "30 4 * * *" {
			t.Fatalf("published %+v", got.Schedules)
		}
	default:
		t.Fatalf("reload not published")
	}
}

func TestWatchPublishesEdits(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "fleetrun.json", `{"scheduler":{"enabled":true}}`)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher (which starts asynchronously) sees it.
		_ = os.WriteFile(path, []byte(`{"scheduler":{"enabled":false}}`), 0o600)
		select {
		case cfg := <-sub:
			if cfg.Scheduler.Enabled {
				t.Fatalf("stale config published")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no config published after edit")
		}
	}
}

func TestCatalogSourceCachesUnchangedFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "fleetrun.yaml", sampleYAML)
	src := NewCatalogSource(NewConfigManager(path))
	a, err := src.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	b, _ := src.Catalog(context.Background())
	if a != b {
		t.Fatalf("unchanged file rebuilt the catalog")
	}

	edited := sampleYAML + "  - id: chat\n    kind: log\n"
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := src.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if c == a || len(c.Channels) != 2 {
		t.Fatalf("edited catalog not picked up: %+v", c.Channels)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs differ: %v", changed)
	}

	newCfg.Logging.Level = "info"
	newCfg.Storage.DSN = "postgres://user:secret@db/fleetrun"
	newCfg.Schedules[0].Cron = "0 4 * * *"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"catalog", "logging", "storage"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := diffIDs(scheduleIDs(oldCfg), scheduleIDs(newCfg), hashSchedules(oldCfg), hashSchedules(newCfg)); !slices.Equal(got, []string{"nightly"}) {
		t.Fatalf("schedules changed = %v", got)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("90s: %v %v", d, err)
	}
	for _, raw := range []string{"-1s", "ten"} {
		if _, err := ParseDurationField("x", raw); !errors.Is(err, model.ErrConfiguration) {
			t.Fatalf("%q: err = %v", raw, err)
		}
	}
}

func TestDecodeYAMLAnchorsAndMerge(t *testing.T) {
	t.Parallel()

	body := `
targets:
  - &web
    id: web1
    host: 10.0.0.5
    user: deploy
    tags: [web]
  - <<: *web
    id: web2
    host: 10.0.0.6
channels: []
`
	cfg, err := Decode("c.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("targets = %+v", cfg.Targets)
	}
	web2 := cfg.Targets[1]
	if web2.ID != "web2" || web2.Host != "10.0.0.6" || web2.User != "deploy" || !slices.Equal(web2.Tags, []string{"web"}) {
		t.Fatalf("merged target = %+v", web2)
	}

	if cfg, err := Decode("empty.yaml", nil); err != nil || len(cfg.Targets) != 0 {
		t.Fatalf("empty file: %+v %v", cfg, err)
	}
	if _, err := Decode("c.yaml", []byte("targets:\n  ? [a, b]\n  : x\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("non-scalar key err = %v", err)
	}
}
