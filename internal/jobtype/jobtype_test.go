package jobtype

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"fleetrun/internal/model"
	"fleetrun/internal/transport"
)

type recordingSession struct {
	target model.Target
	cmds   []transport.Command
	stdin  []string
	err    error
}

func (s *recordingSession) Target() model.Target { return s.target }
func (s *recordingSession) Close() error         { return nil }
func (s *recordingSession) Run(_ context.Context, c transport.Command) error {
	s.cmds = append(s.cmds, c)
	if c.Stdin != nil {
		b, _ := io.ReadAll(c.Stdin)
		s.stdin = append(s.stdin, string(b))
	}
	if c.Stdout != nil {
		_, _ = io.WriteString(c.Stdout, "ran\n")
	}
	return s.err
}

type fakeUnits struct {
	calls []string
	err   error
}

func (f *fakeUnits) Apply(_ context.Context, unit, action string, out io.Writer) error {
	f.calls = append(f.calls, action+" "+unit)
	_, _ = io.WriteString(out, "dbus\n")
	return f.err
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := Builtins()
	want := []string{"packages.upgradable", "packages.upgrade", "script", "shell", "systemd.unit"}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	if err := r.Register(Shell{}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := r.Validate("nope", nil); !errors.Is(err, model.ErrUnknownJobType) {
		t.Fatalf("Validate unknown = %v", err)
	}
	if err := r.Validate("shell", map[string]string{}); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("Validate shell without command = %v", err)
	}
}

func TestShellPassesEnvParams(t *testing.T) {
	t.Parallel()

	sess := &recordingSession{target: model.LocalTarget()}
	var out bytes.Buffer
	err := Shell{}.Run(context.Background(), sess, map[string]string{"command": "uptime", "env.MODE": "fast", "other": "x"}, &out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sess.cmds) != 1 || sess.cmds[0].Script != "uptime" || sess.cmds[0].Env["MODE"] != "fast" || len(sess.cmds[0].Env) != 1 {
		t.Fatalf("unexpected command %+v", sess.cmds)
	}
	if out.String() != "ran\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestScriptUsesStdin(t *testing.T) {
	t.Parallel()

	sess := &recordingSession{target: model.LocalTarget()}
	err := Script{}.Run(context.Background(), sess, map[string]string{"script": "echo a\necho b\n"}, io.Discard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.cmds[0].Script != "/bin/sh -s" || sess.stdin[0] != "echo a\necho b\n" {
		t.Fatalf("unexpected invocation %+v %q", sess.cmds[0], sess.stdin)
	}
}

func TestPackagesUpgradeQuotesNames(t *testing.T) {
	t.Parallel()

	if err := (PackagesUpgrade{}).Validate(map[string]string{"packages": "nginx -y"}); err == nil {
		t.Fatalf("flag-like package name accepted")
	}
	sess := &recordingSession{target: model.LocalTarget()}
	_ = PackagesUpgrade{}.Run(context.Background(), sess, map[string]string{"packages": "nginx openssl"}, io.Discard)
	if !strings.Contains(sess.cmds[0].Script, "--only-upgrade nginx openssl") {
		t.Fatalf("script = %q", sess.cmds[0].Script)
	}
}

func TestSystemdUnitRouting(t *testing.T) {
	t.Parallel()

	if err := (SystemdUnit{}).Validate(map[string]string{"unit": "nginx", "action": "explode"}); err == nil {
		t.Fatalf("bad action accepted")
	}
	if err := (SystemdUnit{}).Validate(map[string]string{"unit": "nginx; reboot", "action": "restart"}); err == nil {
		t.Fatalf("bad unit accepted")
	}

	units := &fakeUnits{}
	jt := SystemdUnit{Local: units}
	params := map[string]string{"unit": "nginx", "action": "restart"}

	local := &recordingSession{target: model.LocalTarget()}
	if err := jt.Run(context.Background(), local, params, io.Discard); err != nil {
		t.Fatalf("local run: %v", err)
	}
	if len(units.calls) != 1 || units.calls[0] != "restart nginx.service" || len(local.cmds) != 0 {
		t.Fatalf("local should use d-bus: calls=%v cmds=%v", units.calls, local.cmds)
	}

	remote := &recordingSession{target: model.Target{ID: "r", Mode: model.ModeRemote}}
	if err := jt.Run(context.Background(), remote, params, io.Discard); err != nil {
		t.Fatalf("remote run: %v", err)
	}
	if len(remote.cmds) != 1 || remote.cmds[0].Script != "systemctl restart nginx.service" {
		t.Fatalf("remote should use systemctl: %+v", remote.cmds)
	}
}

func TestSystemdUnitFallsBackWithoutDBus(t *testing.T) {
	t.Parallel()

	jt := SystemdUnit{Local: &fakeUnits{err: ErrUnitManagerUnavailable}}
	sess := &recordingSession{target: model.LocalTarget()}
	var out bytes.Buffer
	if err := jt.Run(context.Background(), sess, map[string]string{"unit": "cron.timer", "action": "status"}, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sess.cmds) != 1 || sess.cmds[0].Script != "systemctl status --no-pager cron.timer" {
		t.Fatalf("fallback command = %+v", sess.cmds)
	}
	if !strings.Contains(out.String(), "falling back to systemctl") {
		t.Fatalf("fallback not reported: %q", out.String())
	}
}
