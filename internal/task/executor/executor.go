// Package executor runs one job type against one target and classifies the outcome.
//
// The executor never retries. Retrying is the run coordinator's decision.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetrun/internal/jobtype"
	"fleetrun/internal/model"
	"fleetrun/internal/transport"
	logx "fleetrun/pkg/logx"
)

const DefaultMaxOutputBytes = 64 << 10

type Config struct {
	// MaxOutputBytes caps captured output per invocation. Default 64 KiB.
	MaxOutputBytes int
	// DefaultTimeout applies when Execute is called with timeout <= 0. 0 means no limit.
	DefaultTimeout time.Duration
}

type Executor struct {
	cfg       Config
	registry  *jobtype.Registry
	transport transport.Transport
	log       logx.Logger
}

func New(cfg Config, registry *jobtype.Registry, tr transport.Transport, log logx.Logger) *Executor {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, registry: registry, transport: tr, log: log}
}

// Execute runs jobType with params on target. The result status is one of
// succeeded, failed, timed_out, connection_error or cancelled; it is never pending.
//
// ctx is the run's cancellation scope; timeout bounds this invocation only.
func (e *Executor) Execute(ctx context.Context, jobType string, params map[string]string, target model.Target, timeout time.Duration) model.TargetResult {
	start := time.Now()
	res := model.TargetResult{
		TargetID:   target.ID,
		TargetTags: append([]string(nil), target.Tags...),
		StartedAt:  start,
		Attempts:   1,
		ExitCode:   -1,
	}
	finish := func(st model.TargetStatus, err error) model.TargetResult {
		res.Status = st
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
		}
		if st == model.TargetSucceeded {
			res.ExitCode = 0
		}
		return res
	}

	if ctx.Err() != nil {
		return finish(model.TargetCancelled, &model.CancellationError{})
	}

	jt, ok := e.registry.Lookup(jobType)
	if !ok {
		return finish(model.TargetFailed, model.ConfigErr("job type", jobType, model.ErrUnknownJobType))
	}
	if err := jt.Validate(params); err != nil {
		return finish(model.TargetFailed, err)
	}

	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	sess, err := e.transport.Open(runCtx, target)
	if err != nil {
		st, cerr := classify(ctx, runCtx, timeout, err)
		if st == model.TargetFailed {
			// Anything that kept the session from opening is a connection problem.
			st, cerr = model.TargetConnectionError, asConnErr(target.ID, err)
		}
		return finish(st, cerr)
	}
	defer sess.Close()

	buf := newBoundedBuffer(e.cfg.MaxOutputBytes)
	runErr := jt.Run(runCtx, sess, params, buf)
	res.Output, res.Truncated = buf.Result()

	var xe *transport.ExitError
	if errors.As(runErr, &xe) {
		res.ExitCode = xe.Code
	}
	st, cerr := classify(ctx, runCtx, timeout, runErr)
	e.log.Debug("target finished",
		logx.String("target", target.ID),
		logx.String("job_type", jobType),
		logx.String("status", string(st)),
		logx.Int("exit_code", res.ExitCode),
		logx.Duration("took", time.Since(start)),
	)
	return finish(st, cerr)
}

// classify maps an invocation error to a status and a typed error.
// Cancellation of the run wins over the per-target deadline.
func classify(parent, runCtx context.Context, timeout time.Duration, err error) (model.TargetStatus, error) {
	if err == nil {
		return model.TargetSucceeded, nil
	}
	if parent.Err() != nil {
		return model.TargetCancelled, &model.CancellationError{}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return model.TargetTimedOut, &model.TimeoutError{After: timeout}
	}
	var ce *model.ConnectionError
	if errors.As(err, &ce) {
		return model.TargetConnectionError, ce
	}
	var xe *transport.ExitError
	if errors.As(err, &xe) {
		return model.TargetFailed, &model.ExecutionError{ExitCode: xe.Code}
	}
	return model.TargetFailed, &model.ExecutionError{ExitCode: -1, Err: err}
}

func asConnErr(targetID string, err error) error {
	var ce *model.ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return &model.ConnectionError{TargetID: targetID, Err: fmt.Errorf("open session: %w", err)}
}
