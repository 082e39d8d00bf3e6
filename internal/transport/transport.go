// Package transport opens execution sessions on targets: local subprocesses
// for local targets and SSH sessions for remote ones.
//
// A Session runs shell commands and streams their output into the writers
// supplied by the caller. Errors opening a session are *model.ConnectionError;
// a command that ran and exited non-zero returns *ExitError.
package transport

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"fleetrun/internal/model"
)

// Command is one shell invocation.
type Command struct {
	// Script is passed to the target's shell ("/bin/sh -c" locally, the login shell over SSH).
	Script string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Session executes commands on one target. Sessions are not safe for concurrent Run calls.
type Session interface {
	Target() model.Target
	Run(ctx context.Context, cmd Command) error
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Open(ctx context.Context, t model.Target) (Session, error)
}

// ExitError reports a command that ran and exited non-zero. Code is -1 when
// the exit status is unknown (e.g. killed by a signal).
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Router dispatches by target mode.
type Router struct {
	Local  Transport
	Remote Transport
}

func (r Router) Open(ctx context.Context, t model.Target) (Session, error) {
	if t.IsLocal() {
		if r.Local == nil {
			return nil, &model.ConnectionError{TargetID: t.ID, Err: fmt.Errorf("local transport not configured")}
		}
		return r.Local.Open(ctx, t)
	}
	if r.Remote == nil {
		return nil, &model.ConnectionError{TargetID: t.ID, Err: fmt.Errorf("remote transport not configured")}
	}
	return r.Remote.Open(ctx, t)
}

// ShellQuote quotes s for POSIX shells.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == '@' || r == ',' || r == '+' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// withEnv prefixes script with export statements, in key order.
func withEnv(script string, env map[string]string) string {
	if len(env) == 0 {
		return script
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(ShellQuote(env[k]))
		b.WriteString("; ")
	}
	b.WriteString(script)
	return b.String()
}
