package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fleetrun/internal/model"
	"fleetrun/internal/task/engine"
	logx "fleetrun/pkg/logx"
)

// tick evaluates every enabled schedule once. A failing or panicking schedule
// never affects the others.
func (s *Service) tick(ctx context.Context, now time.Time) {
	now = now.UTC()
	cfg := s.config()
	s.ticks.Add(1)
	s.lastTick.Store(now.UnixNano())

	var tickErr error
	if cfg.RefreshFromSource && s.source != nil {
		if err := s.refresh(ctx); err != nil {
			tickErr = err
		}
	}

	snap := s.snap.Load()
	for _, e := range snap.entries {
		if !e.sched.Enabled {
			continue
		}
		if err := s.evaluate(ctx, snap, e, now, cfg.MisfireGrace); err != nil && tickErr == nil {
			tickErr = err
		}
	}

	if tickErr != nil {
		s.lastTickErr.Store(tickErr.Error())
	} else {
		s.lastTickErr.Store("")
	}
}

// refresh pulls a new catalog from the source. On failure the previous
// snapshot stays in place and the next tick tries again.
func (s *Service) refresh(ctx context.Context) error {
	cat, err := s.source.Catalog(ctx)
	if err != nil {
		s.warnThrottled("source", "catalog refresh failed; keeping previous snapshot", err)
		return fmt.Errorf("refresh: %w", err)
	}
	if err := s.Reload(cat); err != nil {
		s.warnThrottled("source.invalid", "refreshed catalog has invalid schedules", err)
	}
	return nil
}

// evaluate fires e if due. The slot is recorded before dispatch, so a slow or
// failing coordinator never causes a double fire.
func (s *Service) evaluate(ctx context.Context, snap *snapshot, e entry, now time.Time, grace time.Duration) (err error) {
	id := e.sched.ID
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule %s: panic: %v", id, r)
			s.log.Error("schedule evaluation panicked", logx.String("schedule", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.noteError(id, err)
		}
	}()

	c := s.claim(e, now, grace)
	if c.missed {
		s.log.Warn("missed fires skipped", logx.String("schedule", id), logx.Time("last_fired", c.last), logx.Duration("misfire_grace", grace))
	}
	if !c.due {
		return nil
	}
	if c.count > 1 {
		s.log.Debug("coalesced fires", logx.String("schedule", id), logx.Int("slots", c.count), logx.Time("slot", c.slot))
	}

	return s.dispatch(ctx, snap, e, c.slot, c.state)
}

type fireClaim struct {
	due    bool
	missed bool
	last   time.Time
	slot   time.Time
	count  int
	state  *engine.RunState
}

// claim decides whether e is due at now and, if so, records the slot as
// last fired.
func (s *Service) claim(e entry, now time.Time, grace time.Duration) fireClaim {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.sched.ID
	c := fireClaim{last: s.lastFired[id]}
	ref := c.last
	if !c.last.IsZero() && grace > 0 && now.Sub(c.last) > grace {
		// Slots older than the grace window are dropped, not replayed.
		ref = now.Add(-grace)
		if skipped, n, ok := e.expr.LastSlot(ref, c.last); ok {
			c.missed = n > 0
			s.lastFired[id] = skipped
		}
	}
	if !e.expr.IsDue(now, ref) {
		return c
	}
	if ref.IsZero() {
		ref = now.Truncate(time.Minute).Add(-time.Nanosecond)
	}
	c.slot, c.count, c.due = e.expr.LastSlot(now, ref)
	if !c.due {
		return c
	}
	s.lastFired[id] = c.slot
	if e.sched.Overlap != model.OverlapAllow {
		c.state = s.stateForLocked(id)
	}
	return c
}

func (s *Service) dispatch(ctx context.Context, snap *snapshot, e entry, slot time.Time, state *engine.RunState) error {
	id := e.sched.ID
	ev := FireEvent{ScheduleID: id, TemplateID: e.sched.TemplateID, Slot: slot}

	tpl, ok := snap.catalog.Template(e.sched.TemplateID)
	if !ok {
		err := model.ConfigErr("schedule", id, fmt.Errorf("%w: %q", model.ErrUnknownTemplate, e.sched.TemplateID))
		s.noteError(id, err)
		s.reportDispatchError(id, err)
		return err
	}
	if s.coord == nil {
		return model.ErrNotRunning
	}

	runID, err := s.coord.StartRun(ctx, engine.Request{
		Template:   tpl,
		ScheduleID: id,
		Trigger:    model.TriggerSchedule,
		Targets:    snap.catalog,
		State:      state,
	})
	if err != nil {
		if errors.Is(err, model.ErrOverlapSkip) {
			s.noteSkipped(id)
			ev.Reason = "overlap"
			s.publish(EventScheduleSkipped, ev)
		} else {
			s.noteError(id, err)
		}
		s.reportDispatchError(id, err)
		if errors.Is(err, model.ErrOverlapSkip) {
			return nil
		}
		return fmt.Errorf("schedule %s: %w", id, err)
	}

	s.noteFired(id, runID)
	ev.RunID = runID
	s.publish(EventScheduleFired, ev)
	s.log.Info("schedule fired", logx.String("schedule", id), logx.String("template", e.sched.TemplateID), logx.String("run_id", runID), logx.Time("slot", slot))
	return nil
}

// stateForLocked returns the overlap guard for a schedule. Call with s.mu held.
func (s *Service) stateForLocked(id string) *engine.RunState {
	st := s.states[id]
	if st == nil {
		st = &engine.RunState{}
		s.states[id] = st
	}
	return st
}

func (s *Service) statsForLocked(id string) *scheduleStats {
	st := s.stats[id]
	if st == nil {
		st = &scheduleStats{}
		s.stats[id] = st
	}
	return st
}

func (s *Service) noteFired(id, runID string) {
	s.mu.Lock()
	st := s.statsForLocked(id)
	st.fired++
	st.lastRunID = runID
	st.lastErr = ""
	s.mu.Unlock()
}

func (s *Service) noteSkipped(id string) {
	s.mu.Lock()
	s.statsForLocked(id).skipped++
	s.mu.Unlock()
}

func (s *Service) noteError(id string, err error) {
	s.mu.Lock()
	s.statsForLocked(id).lastErr = err.Error()
	s.mu.Unlock()
}
