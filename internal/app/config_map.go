package app

import (
	"errors"
	"strings"
	"time"

	"fleetrun/internal/api"
	"fleetrun/internal/config"
	"fleetrun/internal/notifier"
	"fleetrun/internal/storage"
	"fleetrun/internal/task/engine"
	"fleetrun/internal/task/executor"
	"fleetrun/internal/task/scheduler"
	"fleetrun/internal/transport"
	logx "fleetrun/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			// The sink needs a destination; without one it stays off.
			Enabled:    cfg.Logging.Alert.Enabled && strings.TrimSpace(cfg.Logging.Alert.Channel) != "",
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	enabled := true
	if ec.Enabled != nil {
		enabled = *ec.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, errors.New("engine.enabled cannot be false while scheduler.enabled is true")
	}

	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		errs = append(errs, err)
		return d
	}
	out := engine.Config{
		Enabled:             enabled,
		MaxParallel:         ec.MaxParallel,
		MaxConcurrentRuns:   ec.MaxConcurrentRuns,
		DefaultTimeout:      dur("engine.default_timeout", ec.DefaultTimeout),
		HistorySize:         ec.HistorySize,
		CircuitTripFailures: ec.Circuit.TripFailures,
		CircuitBaseDelay:    dur("engine.circuit.base_delay", ec.Circuit.BaseDelay),
		CircuitMaxDelay:     dur("engine.circuit.max_delay", ec.Circuit.MaxDelay),
		CircuitResetAfter:   dur("engine.circuit.reset_after", ec.Circuit.ResetAfter),
	}
	retry, err := ec.RetryPolicy()
	errs = append(errs, err)
	out.Retry = retry
	return out, errors.Join(errs...)
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	def, err := config.ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{MaxOutputBytes: cfg.Engine.MaxOutputBytes, DefaultTimeout: def}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:           cfg.Scheduler.Enabled,
		Tick:              tick,
		MisfireGrace:      grace,
		RefreshFromSource: cfg.Scheduler.RefreshFromFile,
	}, nil
}

// mapNotifierConfig: an omitted notifier section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	timeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     nc.Enabled,
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		SendTimeout: timeout,
		HistorySize: nc.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxRuns:     sc.MaxRuns,
	}, nil
}

func mapTransportConfig(cfg *config.Config) (transport.LocalConfig, transport.SSHConfig, error) {
	tc := cfg.Transport
	connect, err := config.ParseDurationOrDefault("transport.ssh.connect_timeout", tc.SSH.ConnectTimeout, 10*time.Second)
	if err != nil {
		return transport.LocalConfig{}, transport.SSHConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("transport.ssh.idle_timeout", tc.SSH.IdleTimeout, 5*time.Minute)
	if err != nil {
		return transport.LocalConfig{}, transport.SSHConfig{}, err
	}
	return transport.LocalConfig{Shell: strings.TrimSpace(tc.Local.Shell)},
		transport.SSHConfig{
			ConnectTimeout: connect,
			IdleTimeout:    idle,
			KnownHostsPath: strings.TrimSpace(tc.SSH.KnownHosts),
			DefaultUser:    strings.TrimSpace(tc.SSH.DefaultUser),
			DefaultKeyPath: strings.TrimSpace(tc.SSH.DefaultKeyPath),
		}, nil
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Enabled: cfg.API.Enabled,
		Addr:    strings.TrimSpace(cfg.API.Addr),
		Pprof:   cfg.API.Pprof,
	}
}
