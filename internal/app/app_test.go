package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetrun/internal/model"
)

const appYAML = `
logging:
  level: error
scheduler:
  enabled: false
storage:
  driver: file
  path: %STATE%
targets:
  - id: here
    tags: [local]
templates:
  - id: hello
    job_type: shell
    selector: { kind: all }
    params:
      command: echo hello
    timeout: 30s
  - id: broken
    job_type: shell
    selector: { kind: all }
    params:
      command: exit 3
schedules:
  - id: nightly
    template: hello
    cron: "0 3 * * *"
policies:
  - id: failures
    channels: [log]
channels:
  - id: log
    kind: log
`

func writeAppConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := []byte(strings.ReplaceAll(appYAML, "%STATE%", filepath.Join(dir, "state")))
	path := filepath.Join(dir, "fleetrun.yaml")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func waitTerminal(t *testing.T, a *App, id string) model.JobRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := a.GetRun(context.Background(), id)
		if err == nil && run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return model.JobRun{}
}

func TestAppRunsTemplatesEndToEnd(t *testing.T) {
	t.Parallel()

	a, err := New(writeAppConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	id, err := a.TriggerRunNow(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("TriggerRunNow: %v", err)
	}
	run := waitTerminal(t, a, id)
	if run.Status != model.RunSucceeded || len(run.Results) != 1 || run.Results[0].ExitCode != 0 {
		t.Fatalf("run = %+v", run)
	}

	id, err = a.TriggerRunNow(context.Background(), "broken", nil)
	if err != nil {
		t.Fatalf("TriggerRunNow: %v", err)
	}
	if run := waitTerminal(t, a, id); run.Status != model.RunFailed || run.Results[0].ExitCode != 3 {
		t.Fatalf("broken run = %+v", run)
	}

	if _, err := a.TriggerRunNow(context.Background(), "missing", nil); !errors.Is(err, model.ErrUnknownTemplate) {
		t.Fatalf("unknown template err = %v", err)
	}

	runs, err := a.ListRuns(context.Background(), 10)
	if err != nil || len(runs) != 2 {
		t.Fatalf("ListRuns = %d runs, %v", len(runs), err)
	}

	// The failure notification is recorded through storage.
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := a.ListDeliveries(context.Background(), id)
		if err != nil {
			t.Fatalf("ListDeliveries: %v", err)
		}
		if len(recs) == 1 && recs[0].ChannelID == "log" && recs[0].Status == model.DeliverySent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deliveries = %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if changed, err := a.ReloadConfig(context.Background()); err != nil || changed {
		t.Fatalf("ReloadConfig = %v, %v", changed, err)
	}
	if up := a.ListDueInNext(25 * time.Hour); len(up) == 0 || up[0].ScheduleID != "nightly" {
		t.Fatalf("upcoming = %+v", up)
	}
	if h := a.Health(); h["storage"] != true {
		t.Fatalf("health = %v", h)
	}

	if err := a.ReloadSchedules(model.EmptyCatalog()); err != nil {
		t.Fatalf("ReloadSchedules: %v", err)
	}
	if up := a.ListDueInNext(25 * time.Hour); len(up) != 0 {
		t.Fatalf("upcoming after empty catalog = %+v", up)
	}
	if _, err := a.TriggerRunNow(context.Background(), "hello", nil); !errors.Is(err, model.ErrUnknownTemplate) {
		t.Fatalf("template survived reload: %v", err)
	}
}

func TestValidateFile(t *testing.T) {
	t.Parallel()

	if _, err := ValidateFile(writeAppConfig(t)); err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	body := "engine:\n  enabled: false\nscheduler:\n  enabled: true\ntemplates:\n  - id: x\n    job_type: reboot\n    selector: { kind: all }\n"
	if err := os.WriteFile(bad, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := ValidateFile(bad)
	if !errors.Is(err, model.ErrUnknownJobType) {
		t.Fatalf("ValidateFile(bad) = %v", err)
	}
}

func TestPreviewFile(t *testing.T) {
	t.Parallel()

	up, err := PreviewFile(writeAppConfig(t), 48*time.Hour)
	if err != nil {
		t.Fatalf("PreviewFile: %v", err)
	}
	if len(up) != 2 {
		t.Fatalf("upcoming = %+v", up)
	}
	if up[1].At.Sub(up[0].At) != 24*time.Hour {
		t.Fatalf("fire times not a day apart: %+v", up)
	}
}

func TestMapEngineConfigRejectsDisabledEngineUnderScheduler(t *testing.T) {
	t.Parallel()

	path := writeAppConfig(t)
	cfg, err := ValidateFile(path)
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	off := false
	cfg.Engine.Enabled = &off
	if _, err := mapEngineConfig(cfg); err != nil {
		t.Fatalf("scheduler disabled, engine off should be fine: %v", err)
	}
	cfg.Scheduler.Enabled = true
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatalf("engine off under an enabled scheduler accepted")
	}
}
