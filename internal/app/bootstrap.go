package app

import (
	"errors"
	"fmt"
	"time"

	"fleetrun/internal/config"
	"fleetrun/internal/jobtype"
	"fleetrun/internal/model"
	"fleetrun/internal/notifier/channel"
	"fleetrun/internal/task/cron"
	"fleetrun/internal/task/scheduler"
	logx "fleetrun/pkg/logx"
)

// validateOptions checks the catalog against the registries the app runs with.
func validateOptions(jobs *jobtype.Registry, channels *channel.Registry) model.ValidateOptions {
	return model.ValidateOptions{
		KnownJobType:     jobs.Has,
		KnownChannelKind: channels.Has,
		ValidateCron:     cron.Validate,
		ValidateParams:   jobs.Validate,
	}
}

// validateConfig is the full check run at startup and before every reload
// is committed: config sections, catalog and the runtime mappings.
func validateConfig(cfg *config.Config, opt model.ValidateOptions) error {
	if err := cfg.Validate(opt); err != nil {
		return err
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapEngineConfig(cfg)
	collect(err)
	_, err = mapSchedulerConfig(cfg)
	collect(err)
	_, err = mapNotifierConfig(cfg)
	collect(err)
	_, err = mapStorageConfig(cfg)
	collect(err)
	_, _, err = mapTransportConfig(cfg)
	collect(err)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ValidateFile loads and validates the config at path without starting anything.
func ValidateFile(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg, validateOptions(jobtype.Builtins(), channel.Builtins())); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PreviewFile lists the fire times of the schedules in the config at path
// over the next d. No runs are started.
func PreviewFile(path string, d time.Duration) ([]scheduler.Upcoming, error) {
	cfg, err := ValidateFile(path)
	if err != nil {
		return nil, err
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	s := scheduler.New(scheduler.Config{}, nil, logx.Nop(), nil,
		scheduler.WithValidation(validateOptions(jobtype.Builtins(), channel.Builtins())))
	if err := s.Reload(cat); err != nil {
		return nil, err
	}
	return s.ListDueInNext(d), nil
}
