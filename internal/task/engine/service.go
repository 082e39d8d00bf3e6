// Package engine is the run coordinator: it turns a job template into a run,
// fans the run out over the template's targets with a bounded worker pool,
// aggregates per-target outcomes into one run status, and hands finished runs
// to storage and observers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetrun/internal/eventbus"
	"fleetrun/internal/model"
	"fleetrun/internal/task/target"
	logx "fleetrun/pkg/logx"

	rtsup "fleetrun/internal/runtime/supervisor"
)

type Service struct {
	mu        sync.Mutex
	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	exec      Executor
	store     Store
	observers []Observer

	sup      *rtsup.Supervisor
	runSlots chan struct{}

	active map[string]*activeRun

	hmu     sync.Mutex
	history []model.JobRun

	circuits circuitStore

	rngMu sync.Mutex
	rng   *rand.Rand

	// now is replaceable in tests.
	now func() time.Time
}

type activeRun struct {
	mu  sync.Mutex
	run model.JobRun

	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	done            chan struct{}
}

func (a *activeRun) snapshot() model.JobRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run.Clone()
}

type Option func(*Service)

// WithObserver registers o to receive every finalized run.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithStore persists runs to st.
func WithStore(st Store) Option { return func(s *Service) { s.store = st } }

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		exec:   exec,
		active: map[string]*activeRun{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates limits. MaxParallel, timeouts and retry defaults take effect
// for runs started afterwards; MaxConcurrentRuns takes effect on restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start makes the coordinator accept runs and closes out runs a previous
// process left unfinished in the store. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.start(ctx) {
		s.recoverInterrupted(ctx)
	}
}

func (s *Service) start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return false
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "coordinator"))),
		// A failing run must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.runSlots = make(chan struct{}, s.cfg.MaxConcurrentRuns)
	s.log.Info("run coordinator started",
		logx.Int("max_parallel", s.cfg.MaxParallel),
		logx.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns),
	)
	return true
}

// Stop cancels every active run and waits for them to finalize or for ctx to expire.
// Cancelled runs are finalized and persisted as cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	active := make([]*activeRun, 0, len(s.active))
	for _, ar := range s.active {
		active = append(active, ar)
	}
	s.mu.Unlock()
	if sup == nil {
		return
	}

	for _, ar := range active {
		ar.cancelRequested.Store(true)
	}
	if err := sup.Stop(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("run coordinator stop timed out", logx.Int("active_runs", len(active)))
		return
	}
	s.log.Info("run coordinator stopped")
}

// StartRun validates req, records a pending run and executes it in the
// background. It returns the run id immediately.
func (s *Service) StartRun(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()
	if sup == nil {
		return "", model.ErrNotRunning
	}

	tpl := req.Template.Clone()
	targets, err := target.Resolve(tpl.Selector, req.Targets)
	if err != nil {
		return "", model.ConfigErr("template", tpl.ID, err)
	}

	if !req.State.tryAcquire() {
		s.publish(EventRunSkipped, RunEvent{TemplateID: tpl.ID, ScheduleID: req.ScheduleID, Reason: "overlap"})
		return "", model.ErrOverlapSkip
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}
	now := s.now().UTC()
	run := model.JobRun{
		ID:           uuid.NewString(),
		TemplateID:   tpl.ID,
		TemplateName: tpl.Name,
		JobType:      tpl.JobType,
		ScheduleID:   req.ScheduleID,
		Trigger:      trigger,
		Params:       model.MergeParams(tpl.Params, req.Overrides),
		Status:       model.RunPending,
		CreatedAt:    now,
		Results:      make([]model.TargetResult, len(targets)),
	}
	for i, t := range targets {
		run.Results[i] = model.TargetResult{TargetID: t.ID, TargetTags: append([]string(nil), t.Tags...), Status: model.TargetPending}
	}

	runCtx, cancel := context.WithCancel(sup.Context())
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	s.save(ctx, run)

	timeout := tpl.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	retry := tpl.Retry
	if retry.MaxAttempts == 0 {
		retry = cfg.Retry
	}
	plan := runPlan{
		jobType:     tpl.JobType,
		params:      run.Params,
		targets:     targets,
		timeout:     timeout,
		retry:       retry,
		maxParallel: cfg.MaxParallel,
		circuit:     effectiveCircuitCfg(cfg),
		state:       req.State,
	}
	sup.Go("run."+run.ID, func(context.Context) error {
		s.execute(runCtx, ar, plan)
		return nil
	})

	s.log.Info("run created",
		logx.String("run_id", run.ID),
		logx.String("template", tpl.ID),
		logx.String("trigger", string(trigger)),
		logx.Int("targets", len(targets)),
	)
	return run.ID, nil
}

// Cancel requests cooperative cancellation of an active run. In-flight and
// not yet started targets are recorded as cancelled and the run ends cancelled.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	ar := s.active[runID]
	s.mu.Unlock()
	if ar != nil {
		ar.mu.Lock()
		if ar.run.Status.Terminal() {
			ar.mu.Unlock()
			return model.ErrRunFinished
		}
		ar.cancelRequested.Store(true)
		ar.mu.Unlock()
		ar.cancel()
		s.log.Info("run cancel requested", logx.String("run_id", runID))
		return nil
	}
	if _, err := s.Get(context.Background(), runID); err == nil {
		return model.ErrRunFinished
	}
	return fmt.Errorf("%w: %s", model.ErrRunNotFound, runID)
}

// Get returns a snapshot of the run: live state for active runs, then the
// in-memory history, then the store.
func (s *Service) Get(ctx context.Context, runID string) (model.JobRun, error) {
	s.mu.Lock()
	ar := s.active[runID]
	s.mu.Unlock()
	if ar != nil {
		return ar.snapshot(), nil
	}

	s.hmu.Lock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == runID {
			r := s.history[i].Clone()
			s.hmu.Unlock()
			return r, nil
		}
	}
	s.hmu.Unlock()

	if s.store != nil {
		r, err := s.store.GetRun(ctx, runID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, model.ErrRunNotFound) {
			return model.JobRun{}, err
		}
	}
	return model.JobRun{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, runID)
}

// Wait blocks until the run is finalized or ctx is done, then returns it.
func (s *Service) Wait(ctx context.Context, runID string) (model.JobRun, error) {
	s.mu.Lock()
	ar := s.active[runID]
	s.mu.Unlock()
	if ar != nil {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return ar.snapshot(), ctx.Err()
		}
	}
	return s.Get(ctx, runID)
}

// List returns up to limit runs, newest first: active runs, the in-memory
// history and then stored runs, without duplicates.
func (s *Service) List(ctx context.Context, limit int) ([]model.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	seen := map[string]struct{}{}
	var out []model.JobRun
	add := func(r model.JobRun) {
		if _, ok := seen[r.ID]; ok {
			return
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}

	s.mu.Lock()
	active := make([]*activeRun, 0, len(s.active))
	for _, ar := range s.active {
		active = append(active, ar)
	}
	s.mu.Unlock()
	for _, ar := range active {
		add(ar.snapshot())
	}

	s.hmu.Lock()
	for i := len(s.history) - 1; i >= 0; i-- {
		add(s.history[i].Clone())
	}
	s.hmu.Unlock()

	if s.store != nil && len(out) < limit {
		stored, err := s.store.ListRuns(ctx, limit)
		if err != nil {
			s.log.Warn("list stored runs failed", logx.Err(err))
		}
		for _, r := range stored {
			add(r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	activeN := len(s.active)
	s.mu.Unlock()

	s.hmu.Lock()
	hl := len(s.history)
	s.hmu.Unlock()

	ct, co := s.circuits.snapshot(s.now())
	return Snapshot{
		Enabled:           cfg.Enabled,
		Running:           running,
		ActiveRuns:        activeN,
		MaxParallel:       cfg.MaxParallel,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		DefaultTimeout:    cfg.DefaultTimeout,
		HistoryLen:        hl,
		CircuitTotal:      ct,
		CircuitOpen:       co,
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) save(ctx context.Context, run model.JobRun) {
	if s.store == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.SaveRun(sctx, run); err != nil {
		s.log.Warn("persist run failed", logx.String("run_id", run.ID), logx.String("status", string(run.Status)), logx.Err(err))
	}
}
