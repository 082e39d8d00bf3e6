package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fleetrun/internal/api"
	"fleetrun/internal/config"
	"fleetrun/internal/eventbus"
	"fleetrun/internal/jobtype"
	"fleetrun/internal/model"
	"fleetrun/internal/notifier"
	"fleetrun/internal/notifier/channel"
	"fleetrun/internal/storage"
	"fleetrun/internal/task/engine"
	"fleetrun/internal/task/executor"
	"fleetrun/internal/task/scheduler"
	"fleetrun/internal/transport"
	logx "fleetrun/pkg/logx"

	rtsup "fleetrun/internal/runtime/supervisor"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	jobs     *jobtype.Registry
	channels *channel.Registry
	ssh      *transport.SSH

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	api    *api.Service

	startedAt time.Time
}

// New loads and validates the config at cfgPath and wires every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	jobs := jobtype.Builtins()
	channels := channel.Builtins()
	if err := validateConfig(cfg, validateOptions(jobs, channels)); err != nil {
		return nil, err
	}
	// Mappings cannot fail past validateConfig.
	engCfg, _ := mapEngineConfig(cfg)
	execCfg, _ := mapExecutorConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	notifCfg, _ := mapNotifierConfig(cfg)
	storeCfg, _ := mapStorageConfig(cfg)
	localCfg, sshCfg, _ := mapTransportConfig(cfg)
	cat, _ := cfg.Catalog()

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", storeCfg.Driver))
	}

	ssh := transport.NewSSH(sshCfg, log.With(logx.String("comp", "ssh")))
	exec := executor.New(execCfg, jobs, transport.Router{
		Local:  transport.NewLocal(localCfg),
		Remote: ssh,
	}, log.With(logx.String("comp", "executor")))

	var notifOpts []notifier.Option
	engOpts := []engine.Option{}
	if store != nil {
		notifOpts = append(notifOpts, notifier.WithStore(store))
		engOpts = append(engOpts, engine.WithStore(store))
	}
	notif := notifier.New(notifCfg, channels, log.With(logx.String("comp", "notifier")), bus, notifOpts...)
	engOpts = append(engOpts, engine.WithObserver(notif))
	eng := engine.New(engCfg, exec, log.With(logx.String("comp", "engine")), bus, engOpts...)

	sched := scheduler.New(schedCfg, eng, log.With(logx.String("comp", "scheduler")), bus,
		scheduler.WithSource(config.NewCatalogSource(cfgm)),
		scheduler.WithValidation(validateOptions(jobs, channels)))

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		jobs:     jobs,
		channels: channels,
		ssh:      ssh,
		engine:   eng,
		sched:    sched,
		notif:    notif,
	}
	a.api = api.New(mapAPIConfig(cfg), a, log.With(logx.String("comp", "api")))
	a.applyCatalog(cat)
	a.applyAlertChannel(cfg)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	opt := validateOptions(a.jobs, a.channels)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg, opt)
	})

	run := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	a.api.Start(run)

	a.sup.Go("ssh.janitor", a.ssh.Janitor)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug only; frequent schedules would be noisy.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("api", a.api.Enabled()),
	)
	return nil
}

// applyConfig fans a committed config out to the running components.
// Storage and transport settings need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "transport" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.applyAlertChannel(next)

	// Validated before commit; errors here would mean a mapping bug.
	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		prevOn := a.engine.Enabled()
		a.engine.Apply(ec)
		switch {
		case prevOn && !ec.Enabled:
			a.log.Info("engine disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !prevOn && ec.Enabled:
			a.log.Info("engine enabled via config")
			a.engine.Start(ctx)
		}
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prevOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case prevOn && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevOn && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if cat, err := next.Catalog(); err != nil {
		a.log.Warn("invalid catalog; keeping previous", logx.Err(err))
	} else {
		a.applyCatalog(cat)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prevOn := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case prevOn && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevOn && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	a.api.Reconfigure(ctx, mapAPIConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyCatalog swaps the catalog into the scheduler and the notifier.
// Rejected entries are logged by the component; the rest keep working.
func (a *App) applyCatalog(cat *model.Catalog) {
	if err := a.sched.Reload(cat); err != nil {
		a.log.Warn("some schedules were rejected", logx.Err(err))
	}
	if err := a.notif.SetCatalog(cat.Policies, cat.Channels); err != nil {
		a.log.Warn("some channels are unavailable", logx.Err(err))
	}
}

func (a *App) applyAlertChannel(cfg *config.Config) {
	ch := strings.TrimSpace(cfg.Logging.Alert.Channel)
	if !cfg.Logging.Alert.Enabled || ch == "" {
		a.logs.SetAlertSender(nil)
		return
	}
	a.logs.SetAlertSender(a.notif.AlertSender(ch))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first, then the runs they started, then the consumers of finished runs.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ssh", time.Second, func(context.Context) error { return a.ssh.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.SetAlertSender(nil)
	return a.logs.Close()
}

