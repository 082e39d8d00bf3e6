package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"fleetrun/internal/model"
)

// Validate checks the runtime sections and the catalog. opt carries the
// registries (job types, channel kinds, cron parser) the catalog is checked
// against. All problems are returned joined.
func (c *Config) Validate(opt model.ValidateOptions) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("scheduler.tick", c.Scheduler.Tick)
	dur("scheduler.misfire_grace", c.Scheduler.MisfireGrace)

	dur("engine.default_timeout", c.Engine.DefaultTimeout)
	if c.Engine.MaxParallel < 0 || c.Engine.MaxConcurrentRuns < 0 || c.Engine.HistorySize < 0 || c.Engine.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("engine: limits must be >= 0"))
	}
	if c.Engine.Retry != nil {
		if _, err := c.Engine.Retry.toModel("engine.retry"); err != nil {
			errs = append(errs, err)
		}
	}
	dur("engine.circuit.base_delay", c.Engine.Circuit.BaseDelay)
	dur("engine.circuit.max_delay", c.Engine.Circuit.MaxDelay)
	dur("engine.circuit.reset_after", c.Engine.Circuit.ResetAfter)

	dur("transport.ssh.connect_timeout", c.Transport.SSH.ConnectTimeout)
	dur("transport.ssh.idle_timeout", c.Transport.SSH.IdleTimeout)

	if n := c.Notifier; n != nil {
		dur("notifier.send_timeout", n.SendTimeout)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.HistorySize < 0 {
			errs = append(errs, errors.New("notifier: limits must be >= 0"))
		}
	}

	if s := c.Storage; s != nil {
		dur("storage.busy_timeout", s.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(s.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required for postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	if c.API.Enabled && strings.TrimSpace(c.API.Addr) != "" {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			errs = append(errs, fmt.Errorf("api.addr: %w", err))
		}
	}

	cat, err := c.Catalog()
	if err != nil {
		errs = append(errs, err)
	}
	if err := cat.Validate(opt); err != nil {
		errs = append(errs, err)
	}

	if a := c.Logging.Alert; a.Enabled {
		if strings.TrimSpace(a.Channel) == "" {
			errs = append(errs, errors.New("logging.alert.channel is required when alerts are enabled"))
		} else if _, ok := cat.Channel(a.Channel); !ok {
			errs = append(errs, fmt.Errorf("logging.alert.channel: %w: %q", model.ErrUnknownChannel, a.Channel))
		}
	}

	return errors.Join(errs...)
}
