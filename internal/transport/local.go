package transport

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"time"

	"fleetrun/internal/model"
)

// LocalConfig configures local subprocess execution.
type LocalConfig struct {
	// Shell runs Command.Script with "-c". Default /bin/sh.
	Shell string
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed. Default 2s.
	WaitDelay time.Duration
}

// Local runs commands as subprocesses of fleetrun.
type Local struct {
	cfg LocalConfig
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &Local{cfg: cfg}
}

func (l *Local) Open(_ context.Context, t model.Target) (Session, error) {
	return &localSession{cfg: l.cfg, target: t}, nil
}

type localSession struct {
	cfg    LocalConfig
	target model.Target
}

func (s *localSession) Target() model.Target { return s.target }
func (s *localSession) Close() error         { return nil }

func (s *localSession) Run(ctx context.Context, c Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", c.Script)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = s.cfg.WaitDelay
	if len(c.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+c.Env[k])
		}
		cmd.Env = env
	}
	setProcessGroup(cmd)

	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode()}
	}
	return err
}
