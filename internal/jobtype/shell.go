package jobtype

import (
	"context"
	"io"
	"strings"

	"fleetrun/internal/transport"
)

// Shell runs params["command"] through the target's shell. Params prefixed
// with "env." are exported into the command's environment.
type Shell struct{}

func (Shell) Name() string { return "shell" }

func (Shell) Validate(params map[string]string) error { return requireParams(params, "command") }

func (Shell) Run(ctx context.Context, sess transport.Session, params map[string]string, out io.Writer) error {
	return runScript(ctx, sess, params["command"], envParams(params), out)
}

// Script feeds params["script"] to "/bin/sh -s" on stdin, so multi-line
// scripts need no quoting.
type Script struct{}

func (Script) Name() string { return "script" }

func (Script) Validate(params map[string]string) error { return requireParams(params, "script") }

func (Script) Run(ctx context.Context, sess transport.Session, params map[string]string, out io.Writer) error {
	return sess.Run(ctx, transport.Command{
		Script: "/bin/sh -s",
		Env:    envParams(params),
		Stdin:  strings.NewReader(params["script"]),
		Stdout: out,
		Stderr: out,
	})
}

func envParams(params map[string]string) map[string]string {
	var env map[string]string
	for k, v := range params {
		name, ok := strings.CutPrefix(k, "env.")
		if !ok || name == "" {
			continue
		}
		if env == nil {
			env = map[string]string{}
		}
		env[name] = v
	}
	return env
}
