package engine

import (
	"context"
	"sync"
	"time"

	"fleetrun/internal/model"
	"fleetrun/internal/task/target"
)

// Event types published on the bus.
const (
	EventRunStarted     = "run.started"
	EventRunFinished    = "run.finished"
	EventRunSkipped     = "run.skipped"
	EventTargetFinished = "target.finished"
)

// Config controls the run coordinator.
type Config struct {
	Enabled bool

	// MaxParallel bounds concurrent target invocations within one run.
	MaxParallel int
	// MaxConcurrentRuns bounds runs executing at once; further runs stay
	// pending until a slot frees up.
	MaxConcurrentRuns int

	// DefaultTimeout is used when a template has no timeout.
	DefaultTimeout time.Duration

	// HistorySize is the number of finished runs kept in memory.
	HistorySize int

	// Retry is the default per-target retry hook, used when a template sets none.
	Retry model.RetryPolicy

	// Target circuit breaker (consecutive connection errors).
	// CircuitTripFailures < 0 disables it; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 16
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Request starts one run.
type Request struct {
	Template   model.JobTemplate
	Overrides  map[string]string
	ScheduleID string
	Trigger    model.Trigger

	// Targets is the directory the template's selector is resolved against.
	Targets target.Directory

	// State gates overlapping runs (skip-if-running). nil allows overlap.
	State *RunState
}

// Executor runs one invocation. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, jobType string, params map[string]string, t model.Target, timeout time.Duration) model.TargetResult
}

// Store persists runs. A nil Store keeps runs in memory only.
type Store interface {
	SaveRun(ctx context.Context, run model.JobRun) error
	GetRun(ctx context.Context, id string) (model.JobRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.JobRun, error)
	ListUnfinishedRuns(ctx context.Context) ([]model.JobRun, error)
}

// Observer receives every finalized run. It must not block.
type Observer interface {
	RunFinished(run model.JobRun)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(run model.JobRun)

func (f ObserverFunc) RunFinished(run model.JobRun) { f(run) }

// RunState tracks whether a schedule's run is in flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// InFlight reports whether a run holding s is still executing.
func (s *RunState) InFlight() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// RunEvent is the bus payload for run lifecycle events.
type RunEvent struct {
	RunID      string          `json:"run_id"`
	TemplateID string          `json:"template_id"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	Status     model.RunStatus `json:"status"`
	Targets    int             `json:"targets"`
	Duration   time.Duration   `json:"duration"`
	Reason     string          `json:"reason,omitempty"`
}

// TargetEvent is the bus payload for target.finished.
type TargetEvent struct {
	RunID    string             `json:"run_id"`
	TargetID string             `json:"target_id"`
	Status   model.TargetStatus `json:"status"`
	Attempts int                `json:"attempts"`
	Duration time.Duration      `json:"duration"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled           bool
	Running           bool
	ActiveRuns        int
	MaxParallel       int
	MaxConcurrentRuns int
	DefaultTimeout    time.Duration
	HistoryLen        int

	CircuitTotal int
	CircuitOpen  int
}
