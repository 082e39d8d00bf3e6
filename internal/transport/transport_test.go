package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

func TestShellQuote(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          "''",
		"nginx":     "nginx",
		"a b":       "'a b'",
		"it's":      `'it'"'"'s'`,
		"/usr/bin":  "/usr/bin",
		"$(reboot)": "'$(reboot)'",
	}
	for in, want := range cases {
		if got := ShellQuote(in); got != want {
			t.Fatalf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithEnvIsOrdered(t *testing.T) {
	t.Parallel()

	got := withEnv("run", map[string]string{"B": "2", "A": "x y"})
	want := "export A='x y'; export B=2; run"
	if got != want {
		t.Fatalf("withEnv = %q, want %q", got, want)
	}
}

func TestLocalRun(t *testing.T) {
	t.Parallel()

	sess, err := NewLocal(LocalConfig{}).Open(context.Background(), model.LocalTarget())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	err = sess.Run(context.Background(), Command{Script: `echo "hello $NAME"`, Env: map[string]string{"NAME": "fleet"}, Stdout: &out, Stderr: &out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.String()) != "hello fleet" {
		t.Fatalf("output = %q", out.String())
	}

	err = sess.Run(context.Background(), Command{Script: "exit 3", Stdout: &out, Stderr: &out})
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != 3 {
		t.Fatalf("exit err = %v", err)
	}

	out.Reset()
	err = sess.Run(context.Background(), Command{Script: "cat", Stdin: strings.NewReader("piped"), Stdout: &out})
	if err != nil || out.String() != "piped" {
		t.Fatalf("stdin run: %v %q", err, out.String())
	}
}

func TestLocalRunCancelKills(t *testing.T) {
	t.Parallel()

	sess, _ := NewLocal(LocalConfig{WaitDelay: 500 * time.Millisecond}).Open(context.Background(), model.LocalTarget())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sess.Run(ctx, Command{Script: "sleep 30", Stdout: &bytes.Buffer{}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process was not killed promptly")
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()

	r := Router{Local: NewLocal(LocalConfig{})}
	if _, err := r.Open(context.Background(), model.LocalTarget()); err != nil {
		t.Fatalf("local open: %v", err)
	}
	remote := model.Target{ID: "r", Mode: model.ModeRemote, Remote: &model.RemoteEndpoint{Host: "h"}}
	_, err := r.Open(context.Background(), remote)
	var ce *model.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("remote without transport err = %v", err)
	}
}

type fakeClient struct {
	mu         sync.Mutex
	closed     bool
	sessionErr error
}

func (f *fakeClient) NewSession() (*ssh.Session, error) { return nil, f.sessionErr }
func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func remoteTarget(id string) model.Target {
	return model.Target{ID: id, Mode: model.ModeRemote, Remote: &model.RemoteEndpoint{Host: id + ".example", User: "ops"}}
}

func TestSSHPoolReuseAndSweep(t *testing.T) {
	t.Parallel()

	s := NewSSH(SSHConfig{IdleTimeout: time.Minute}, logx.Nop())
	dials := 0
	fc := &fakeClient{}
	s.dial = func(context.Context, model.Target) (sshClient, error) {
		dials++
		return fc, nil
	}

	a, err := s.Open(context.Background(), remoteTarget("web"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := s.Open(context.Background(), remoteTarget("web"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if dials != 1 || s.PoolSize() != 1 {
		t.Fatalf("dials=%d pool=%d, want 1/1", dials, s.PoolSize())
	}

	if n := s.Sweep(time.Now().Add(2 * time.Minute)); n != 0 {
		t.Fatalf("swept %d connections with open sessions", n)
	}
	_ = a.Close()
	_ = b.Close()
	_ = b.Close()
	if n := s.Sweep(time.Now()); n != 0 {
		t.Fatalf("swept a fresh connection")
	}
	if n := s.Sweep(time.Now().Add(2 * time.Minute)); n != 1 || !fc.isClosed() {
		t.Fatalf("idle sweep n=%d closed=%v", n, fc.isClosed())
	}
}

func TestSSHDialFailureIsConnectionError(t *testing.T) {
	t.Parallel()

	s := NewSSH(SSHConfig{}, logx.Nop())
	s.dial = func(context.Context, model.Target) (sshClient, error) { return nil, errors.New("refused") }
	_, err := s.Open(context.Background(), remoteTarget("db"))
	var ce *model.ConnectionError
	if !errors.As(err, &ce) || ce.TargetID != "db" {
		t.Fatalf("err = %v", err)
	}
	if model.StatusOf(err) != model.TargetConnectionError {
		t.Fatalf("status = %s", model.StatusOf(err))
	}
}

func TestSSHBrokenConnectionIsEvicted(t *testing.T) {
	t.Parallel()

	s := NewSSH(SSHConfig{}, logx.Nop())
	fc := &fakeClient{sessionErr: errors.New("EOF")}
	s.dial = func(context.Context, model.Target) (sshClient, error) { return fc, nil }
	sess, err := s.Open(context.Background(), remoteTarget("db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = sess.Run(context.Background(), Command{Script: "true"})
	if model.StatusOf(err) != model.TargetConnectionError {
		t.Fatalf("run err = %v", err)
	}
	if s.PoolSize() != 0 || !fc.isClosed() {
		t.Fatalf("broken connection still pooled")
	}
}

func TestSSHOpenWithoutEndpoint(t *testing.T) {
	t.Parallel()

	s := NewSSH(SSHConfig{}, logx.Nop())
	_, err := s.Open(context.Background(), model.Target{ID: "x", Mode: model.ModeRemote})
	if model.StatusOf(err) != model.TargetConnectionError {
		t.Fatalf("err = %v", err)
	}
}
