package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetrun/internal/eventbus"
	"fleetrun/internal/model"
	"fleetrun/internal/task/engine"
	logx "fleetrun/pkg/logx"

	rtsup "fleetrun/internal/runtime/supervisor"
)

type Option func(*Service)

// WithSource enables per-tick catalog refresh from src (when
// Config.RefreshFromSource is set).
func WithSource(src Source) Option { return func(s *Service) { s.source = src } }

// WithValidation sets the registry checks Reload applies to each schedule's
// template (job type, params). Cron is always validated.
func WithValidation(opt model.ValidateOptions) Option {
	return func(s *Service) { s.validate = opt }
}

func New(cfg Config, coord Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		coord:     coord,
		lastFired: map[string]time.Time{},
		states:    map[string]*engine.RunState{},
		stats:     map[string]*scheduleStats{},
		lastWarn:  map[string]time.Time{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.snap.Store(&snapshot{catalog: model.EmptyCatalog()})
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates the loop settings. A new tick interval takes effect after the
// current wait.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the polling loop under a supervisor. It is a no-op when the
// scheduler is disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("scheduler.loop", s.loop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("service started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Duration("misfire_grace", s.cfg.MisfireGrace),
		logx.Int("schedules", len(s.snap.Load().entries)),
	)
}

// Stop ends the loop. Runs already dispatched keep going; they belong to the coordinator.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("stop timed out")
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context) error {
	s.tick(ctx, s.now())
	for {
		t := time.NewTimer(s.config().Tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		s.tick(ctx, s.now())
	}
}

// Catalog returns the current catalog snapshot. Callers must not modify it.
func (s *Service) Catalog() *model.Catalog { return s.snap.Load().catalog }

// RunNow starts a manual run of templateID, bypassing cron, overlap and
// last-fired bookkeeping.
func (s *Service) RunNow(ctx context.Context, templateID string, overrides map[string]string) (string, error) {
	cat := s.snap.Load().catalog
	tpl, ok := cat.Template(templateID)
	if !ok {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownTemplate, templateID)
	}
	if s.coord == nil {
		return "", model.ErrNotRunning
	}
	runID, err := s.coord.StartRun(ctx, engine.Request{
		Template:  tpl,
		Overrides: overrides,
		Trigger:   model.TriggerManual,
		Targets:   cat,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("manual run triggered", logx.String("template", templateID), logx.String("run_id", runID))
	return runID, nil
}

// ListDueInNext previews fire times of enabled schedules in (now, now+d],
// ordered by time then schedule id.
func (s *Service) ListDueInNext(d time.Duration) []Upcoming {
	if d <= 0 {
		return []Upcoming{}
	}
	now := s.now().UTC()
	out := []Upcoming{}
	for _, e := range s.snap.Load().entries {
		if !e.sched.Enabled {
			continue
		}
		for _, at := range e.expr.Upcoming(now, now.Add(d), maxPreview) {
			out = append(out, Upcoming{ScheduleID: e.sched.ID, TemplateID: e.sched.TemplateID, At: at})
		}
	}
	sortUpcoming(out)
	return out
}

// maxPreview caps previewed fire times per schedule.
const maxPreview = 1000

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
