package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"fleetrun/internal/jobtype"
	"fleetrun/internal/model"
	"fleetrun/internal/transport"
	logx "fleetrun/pkg/logx"
)

// stubJob behaves according to params["mode"].
type stubJob struct{}

func (stubJob) Name() string                     { return "stub" }
func (stubJob) Validate(map[string]string) error { return nil }
func (stubJob) Run(ctx context.Context, sess transport.Session, params map[string]string, out io.Writer) error {
	switch params["mode"] {
	case "ok":
		_, _ = io.WriteString(out, "all good")
		return nil
	case "exit":
		_, _ = io.WriteString(out, "bad things")
		return &transport.ExitError{Code: 7}
	case "hang":
		<-ctx.Done()
		return ctx.Err()
	case "flood":
		for i := 0; i < 100; i++ {
			_, _ = io.WriteString(out, "0123456789")
		}
		return nil
	case "conn":
		return &model.ConnectionError{TargetID: sess.Target().ID, Err: errors.New("reset")}
	}
	return errors.New("unknown mode")
}

type stubTransport struct{ openErr error }

type stubSession struct{ t model.Target }

func (s stubSession) Target() model.Target                           { return s.t }
func (s stubSession) Run(context.Context, transport.Command) error { return nil }
func (s stubSession) Close() error                                   { return nil }

func (s stubTransport) Open(_ context.Context, t model.Target) (transport.Session, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return stubSession{t: t}, nil
}

func newTestExecutor(openErr error, maxOut int) *Executor {
	return New(Config{MaxOutputBytes: maxOut}, jobtype.NewRegistry(stubJob{}), stubTransport{openErr: openErr}, logx.Nop())
}

var host = model.Target{ID: "h1", Mode: model.ModeRemote, Tags: []string{"web"}}

func TestExecuteClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mode    string
		timeout time.Duration
		want    model.TargetStatus
		code    int
	}{
		{"success", "ok", 0, model.TargetSucceeded, 0},
		{"non-zero exit", "exit", 0, model.TargetFailed, 7},
		{"timeout", "hang", 50 * time.Millisecond, model.TargetTimedOut, -1},
		{"connection lost mid-run", "conn", 0, model.TargetConnectionError, -1},
		{"job type error", "mystery", 0, model.TargetFailed, -1},
	}
	for _, tc := range cases {
		e := newTestExecutor(nil, 0)
		res := e.Execute(context.Background(), "stub", map[string]string{"mode": tc.mode}, host, tc.timeout)
		if res.Status != tc.want || res.ExitCode != tc.code {
			t.Fatalf("%s: status=%s code=%d, want %s/%d (err=%s)", tc.name, res.Status, res.ExitCode, tc.want, tc.code, res.Error)
		}
		if res.TargetID != "h1" || res.Attempts != 1 || len(res.TargetTags) != 1 {
			t.Fatalf("%s: result identity wrong: %+v", tc.name, res)
		}
		if tc.want != model.TargetSucceeded && res.Error == "" {
			t.Fatalf("%s: missing error text", tc.name)
		}
	}
}

func TestExecuteOutputCaptured(t *testing.T) {
	t.Parallel()

	res := newTestExecutor(nil, 0).Execute(context.Background(), "stub", map[string]string{"mode": "exit"}, host, 0)
	if res.Output != "bad things" || res.Truncated {
		t.Fatalf("output = %q truncated=%v", res.Output, res.Truncated)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	t.Parallel()

	res := newTestExecutor(nil, 25).Execute(context.Background(), "stub", map[string]string{"mode": "flood"}, host, 0)
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
	if res.Output != "0123456789012345678901234"+TruncationMarker {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Status != model.TargetSucceeded {
		t.Fatalf("truncation must not change status: %s", res.Status)
	}
}

func TestExecuteConnectionError(t *testing.T) {
	t.Parallel()

	res := newTestExecutor(errors.New("dial tcp: refused"), 0).Execute(context.Background(), "stub", map[string]string{"mode": "ok"}, host, time.Second)
	if res.Status != model.TargetConnectionError {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan model.TargetResult, 1)
	go func() { done <- e.Execute(ctx, "stub", map[string]string{"mode": "hang"}, host, time.Minute) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Status != model.TargetCancelled {
			t.Fatalf("status = %s, want cancelled", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("execute did not return after cancel")
	}

	res := e.Execute(ctx, "stub", map[string]string{"mode": "ok"}, host, 0)
	if res.Status != model.TargetCancelled {
		t.Fatalf("already-cancelled ctx: status = %s", res.Status)
	}
}

func TestExecuteUnknownJobType(t *testing.T) {
	t.Parallel()

	res := newTestExecutor(nil, 0).Execute(context.Background(), "nope", nil, host, 0)
	if res.Status != model.TargetFailed || !strings.Contains(res.Error, "unknown job type") {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteLocalShell(t *testing.T) {
	t.Parallel()

	e := New(Config{}, jobtype.Builtins(), transport.NewLocal(transport.LocalConfig{}), logx.Nop())
	res := e.Execute(context.Background(), "shell", map[string]string{"command": "echo out; echo err >&2; exit 2"}, model.LocalTarget(), 5*time.Second)
	if res.Status != model.TargetFailed || res.ExitCode != 2 {
		t.Fatalf("status=%s code=%d err=%s", res.Status, res.ExitCode, res.Error)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("output = %q", res.Output)
	}

	res = e.Execute(context.Background(), "shell", map[string]string{"command": "sleep 10"}, model.LocalTarget(), 100*time.Millisecond)
	if res.Status != model.TargetTimedOut {
		t.Fatalf("sleep status = %s (%s)", res.Status, res.Error)
	}
}
