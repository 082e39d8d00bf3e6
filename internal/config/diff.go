package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fleetrun/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (channel settings, storage
// DSN) never appear in the attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
			logx.String("logging.alert_channel", newCfg.Logging.Alert.Channel),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.misfire_grace", strings.TrimSpace(newCfg.Scheduler.MisfireGrace)),
			logx.Bool("scheduler.refresh_from_file", newCfg.Scheduler.RefreshFromFile),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		enabled := newCfg.Engine.Enabled == nil || *newCfg.Engine.Enabled
		attrs = append(attrs,
			logx.Bool("engine.enabled", enabled),
			logx.Int("engine.max_parallel", newCfg.Engine.MaxParallel),
			logx.Int("engine.max_concurrent_runs", newCfg.Engine.MaxConcurrentRuns),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
			logx.Bool("engine.retry_set", newCfg.Engine.Retry != nil),
			logx.Int("engine.circuit.trip_failures", newCfg.Engine.Circuit.TripFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.ssh.connect_timeout", strings.TrimSpace(newCfg.Transport.SSH.ConnectTimeout)),
			logx.String("transport.ssh.idle_timeout", strings.TrimSpace(newCfg.Transport.SSH.IdleTimeout)),
			logx.Bool("transport.ssh.known_hosts_set", strings.TrimSpace(newCfg.Transport.SSH.KnownHosts) != ""),
		)
	}

	// nil means runtime defaults.
	defN := NotifierConfig{Enabled: true}
	oldN, newN := defN, defN
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	// nil means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	if hashJSON(catalogSections(oldCfg)) != hashJSON(catalogSections(newCfg)) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.Int("catalog.targets", len(newCfg.Targets)),
			logx.Int("catalog.templates", len(newCfg.Templates)),
			logx.Int("catalog.schedules", len(newCfg.Schedules)),
			logx.Int("catalog.policies", len(newCfg.Policies)),
			logx.Int("catalog.channels", len(newCfg.Channels)),
			logx.Any("catalog.schedules_changed", diffIDs(scheduleIDs(oldCfg), scheduleIDs(newCfg), hashSchedules(oldCfg), hashSchedules(newCfg))),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func scheduleIDs(c *Config) []string {
	out := make([]string, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		out = append(out, s.ID)
	}
	return out
}

func hashSchedules(c *Config) map[string]uint64 {
	out := make(map[string]uint64, len(c.Schedules))
	for _, s := range c.Schedules {
		out[s.ID] = hashJSON(s)
	}
	return out
}

// diffIDs lists ids that were added, removed or whose content hash changed.
func diffIDs(oldIDs, newIDs []string, oldH, newH map[string]uint64) []string {
	set := map[string]struct{}{}
	for _, id := range oldIDs {
		set[id] = struct{}{}
	}
	for _, id := range newIDs {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldH[id]
		n, inNew := newH[id]
		if inOld != inNew || o != n {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
