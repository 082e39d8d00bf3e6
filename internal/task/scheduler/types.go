package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fleetrun/internal/eventbus"
	"fleetrun/internal/model"
	"fleetrun/internal/task/cron"
	"fleetrun/internal/task/engine"
	logx "fleetrun/pkg/logx"

	rtsup "fleetrun/internal/runtime/supervisor"
)

// Event types published on the bus.
const (
	EventScheduleFired   = "schedule.fired"
	EventScheduleSkipped = "schedule.skipped"
)

// Config controls the scheduler loop.
type Config struct {
	Enabled bool
	// Tick is the polling interval (default 30s).
	Tick time.Duration
	// MisfireGrace bounds how far back a missed fire is still honoured
	// (default 5m). Older slots are skipped, not replayed.
	MisfireGrace time.Duration
	// RefreshFromSource re-reads the catalog from the Source on every tick.
	RefreshFromSource bool
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 5 * time.Minute
	}
	return c
}

// Dispatcher starts runs. *engine.Service satisfies it.
type Dispatcher interface {
	StartRun(ctx context.Context, req engine.Request) (string, error)
}

// Source supplies a fresh catalog, typically by re-reading the config file.
type Source interface {
	Catalog(ctx context.Context) (*model.Catalog, error)
}

// entry is one schedule that passed validation, with its parsed expression.
type entry struct {
	sched model.Schedule
	expr  cron.Expr
}

// snapshot is immutable once published.
type snapshot struct {
	catalog  *model.Catalog
	entries  []entry
	rejected int
}

type scheduleStats struct {
	fired     uint64
	skipped   uint64
	lastRunID string
	lastErr   string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	coord  Dispatcher
	source Source
	// validate is applied to every schedule and its template on Reload.
	validate model.ValidateOptions

	snap atomic.Pointer[snapshot]

	// lastFired and states are keyed by schedule id; guarded by mu and
	// never held across dispatch.
	lastFired map[string]time.Time
	states    map[string]*engine.RunState
	stats     map[string]*scheduleStats

	sup *rtsup.Supervisor

	ticks       atomic.Uint64
	lastTick    atomic.Int64 // unix nanos
	lastTickErr atomic.Value // string

	// Warning throttling: key is schedule id (or "source").
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// ScheduleInfo describes one schedule for diagnostics.
type ScheduleInfo struct {
	ID         string              `json:"id"`
	TemplateID string              `json:"template_id"`
	Cron       string              `json:"cron"`
	Enabled    bool                `json:"enabled"`
	Overlap    model.OverlapPolicy `json:"overlap"`
	Next       time.Time           `json:"next,omitempty"`
	LastFired  time.Time           `json:"last_fired,omitempty"`
	InFlight   bool                `json:"in_flight"`
	Fired      uint64              `json:"fired"`
	Skipped    uint64              `json:"skipped"`
	LastRunID  string              `json:"last_run_id,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled       bool           `json:"enabled"`
	Running       bool           `json:"running"`
	Tick          time.Duration  `json:"tick"`
	MisfireGrace  time.Duration  `json:"misfire_grace"`
	Ticks         uint64         `json:"ticks"`
	LastTick      time.Time      `json:"last_tick,omitempty"`
	LastTickError string         `json:"last_tick_error,omitempty"`
	Rejected      int            `json:"rejected"`
	Schedules     []ScheduleInfo `json:"schedules"`
}

// Upcoming is one previewed fire time.
type Upcoming struct {
	ScheduleID string    `json:"schedule_id"`
	TemplateID string    `json:"template_id"`
	At         time.Time `json:"at"`
}

// FireEvent is the bus payload for schedule.fired and schedule.skipped.
type FireEvent struct {
	ScheduleID string    `json:"schedule_id"`
	TemplateID string    `json:"template_id"`
	Slot       time.Time `json:"slot"`
	RunID      string    `json:"run_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}
