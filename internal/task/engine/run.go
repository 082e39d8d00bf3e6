package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

type runPlan struct {
	jobType     string
	params      map[string]string
	targets     []model.Target
	timeout     time.Duration
	retry       model.RetryPolicy
	maxParallel int
	circuit     circuitCfg
	state       *RunState
}

// execute drives one run from pending to a terminal status. It returns only
// after every dispatched invocation has returned.
func (s *Service) execute(ctx context.Context, ar *activeRun, plan runPlan) {
	defer ar.cancel()

	release, ok := s.acquireRunSlot(ctx)
	if !ok {
		s.finalize(ctx, ar, plan)
		return
	}
	defer release()

	ar.mu.Lock()
	ar.run.Status = model.RunRunning
	ar.run.StartedAt = s.now().UTC()
	started := ar.run.Clone()
	ar.mu.Unlock()
	s.save(ctx, started)
	s.publish(EventRunStarted, RunEvent{RunID: started.ID, TemplateID: started.TemplateID, ScheduleID: started.ScheduleID, Status: started.Status, Targets: len(plan.targets)})

	var g errgroup.Group
	g.SetLimit(plan.maxParallel)
	for i, t := range plan.targets {
		i, t := i, t
		g.Go(func() error {
			res := s.invoke(ctx, plan, t)
			ar.mu.Lock()
			ar.run.Results[i] = res
			runID := ar.run.ID
			ar.mu.Unlock()
			s.publish(EventTargetFinished, TargetEvent{RunID: runID, TargetID: t.ID, Status: res.Status, Attempts: res.Attempts, Duration: res.Duration})
			return nil
		})
	}
	_ = g.Wait()

	s.finalize(ctx, ar, plan)
}

// invoke runs one target, applying the circuit breaker and the retry hook.
func (s *Service) invoke(ctx context.Context, plan runPlan, t model.Target) model.TargetResult {
	var res model.TargetResult
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return cancelledResult(t, attempt-1)
		}
		if open, until := s.circuits.isOpen(s.now(), t.ID, plan.circuit); open {
			return model.TargetResult{
				TargetID:   t.ID,
				TargetTags: append([]string(nil), t.Tags...),
				Status:     model.TargetConnectionError,
				ExitCode:   -1,
				StartedAt:  s.now().UTC(),
				Attempts:   attempt - 1,
				Error:      fmt.Sprintf("%v until %s", model.ErrCircuitOpen, until.UTC().Format(time.RFC3339)),
			}
		}

		res = s.exec.Execute(ctx, plan.jobType, plan.params, t, plan.timeout)
		res.Attempts = attempt
		if res.Status == model.TargetPending {
			// Executors must not return pending; treat it as a failure.
			res.Status = model.TargetFailed
		}
		s.circuits.record(s.now(), t.ID, plan.circuit, res.Status == model.TargetConnectionError)

		if attempt >= plan.retry.MaxAttempts || !plan.retry.Retries(res.Status) {
			return res
		}

		wait := s.retryDelay(plan.retry, attempt)
		s.log.Debug("target retry scheduled",
			logx.String("target", t.ID),
			logx.String("status", string(res.Status)),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelledResult(t, attempt)
		case <-timer.C:
		}
	}
}

func cancelledResult(t model.Target, attempts int) model.TargetResult {
	return model.TargetResult{
		TargetID:   t.ID,
		TargetTags: append([]string(nil), t.Tags...),
		Status:     model.TargetCancelled,
		ExitCode:   -1,
		StartedAt:  time.Now().UTC(),
		Attempts:   attempts,
		Error:      (&model.CancellationError{}).Error(),
	}
}

func (s *Service) retryDelay(p model.RetryPolicy, attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return backoffDelay(p, attempt, s.rng)
}

// finalize computes the terminal status and hands the run off. Targets that
// never produced a result are recorded as cancelled first.
func (s *Service) finalize(ctx context.Context, ar *activeRun, plan runPlan) {
	ar.mu.Lock()
	// Read under ar.mu so Cancel either lands before aggregation or sees
	// the terminal status.
	cancelled := ar.cancelRequested.Load() || ctx.Err() != nil
	for i := range ar.run.Results {
		if ar.run.Results[i].Status == model.TargetPending {
			ar.run.Results[i].Status = model.TargetCancelled
			ar.run.Results[i].ExitCode = -1
			ar.run.Results[i].Error = (&model.CancellationError{}).Error()
		}
	}
	ar.run.Status = Aggregate(ar.run.Results, cancelled)
	ar.run.EndedAt = s.now().UTC()
	if ar.run.StartedAt.IsZero() {
		ar.run.StartedAt = ar.run.EndedAt
	}
	final := ar.run.Clone()
	ar.mu.Unlock()

	s.save(context.Background(), final)
	s.remember(final)

	s.mu.Lock()
	delete(s.active, final.ID)
	s.mu.Unlock()
	plan.state.release()

	counts := final.CountByStatus()
	s.log.Info("run finished",
		logx.String("run_id", final.ID),
		logx.String("template", final.TemplateID),
		logx.String("status", string(final.Status)),
		logx.Int("targets", len(final.Results)),
		logx.Int("succeeded", counts[model.TargetSucceeded]),
		logx.Int("failed", len(final.Results)-counts[model.TargetSucceeded]),
		logx.Duration("took", final.Duration()),
	)
	s.publish(EventRunFinished, RunEvent{RunID: final.ID, TemplateID: final.TemplateID, ScheduleID: final.ScheduleID, Status: final.Status, Targets: len(final.Results), Duration: final.Duration()})

	for _, o := range s.observers {
		o.RunFinished(final.Clone())
	}
	// Waiters wake only after observers have seen the run.
	close(ar.done)
}

// recoverInterrupted marks stored runs that are still pending or running, but
// not owned by this coordinator, as cancelled. Observers are not notified.
func (s *Service) recoverInterrupted(ctx context.Context) {
	if s.store == nil {
		return
	}
	runs, err := s.store.ListUnfinishedRuns(ctx)
	if err != nil {
		s.log.Warn("cannot list unfinished runs", logx.Err(err))
		return
	}
	for _, run := range runs {
		s.mu.Lock()
		_, live := s.active[run.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		for i := range run.Results {
			if run.Results[i].Status == model.TargetPending {
				run.Results[i].Status = model.TargetCancelled
				run.Results[i].ExitCode = -1
				run.Results[i].Error = (&model.CancellationError{}).Error()
			}
		}
		run.Status = Aggregate(run.Results, true)
		run.EndedAt = s.now().UTC()
		if run.StartedAt.IsZero() {
			run.StartedAt = run.EndedAt
		}
		s.save(ctx, run)
		s.log.Warn("interrupted run closed as cancelled",
			logx.String("run_id", run.ID),
			logx.String("template", run.TemplateID),
		)
	}
}

func (s *Service) remember(run model.JobRun) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, run)
	if len(s.history) > size {
		s.history = append([]model.JobRun(nil), s.history[len(s.history)-size:]...)
	}
	s.hmu.Unlock()
}

// acquireRunSlot waits for a free run slot. The returned func frees it.
func (s *Service) acquireRunSlot(ctx context.Context) (func(), bool) {
	s.mu.Lock()
	slots := s.runSlots
	s.mu.Unlock()
	if slots == nil {
		return func() {}, ctx.Err() == nil
	}
	select {
	case slots <- struct{}{}:
		return func() { <-slots }, true
	case <-ctx.Done():
		return nil, false
	}
}
