package config

import (
	"errors"
	"fmt"
	"strings"

	"fleetrun/internal/model"
)

// Catalog converts the catalog sections into a model.Catalog. Field-level
// problems (bad durations, unknown severities) are returned joined; the
// catalog is still built from what parsed so callers can report everything
// at once. Referential checks are left to model.Catalog.Validate.
func (c *Config) Catalog() (*model.Catalog, error) {
	if c == nil {
		return model.EmptyCatalog(), nil
	}
	var errs []error
	add := func(obj, id string, err error) { errs = append(errs, model.ConfigErr(obj, id, err)) }

	targets := make([]model.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		mt, err := t.toModel()
		if err != nil {
			add("target", t.ID, err)
		}
		targets = append(targets, mt)
	}

	templates := make([]model.JobTemplate, 0, len(c.Templates))
	for _, t := range c.Templates {
		timeout, err := ParseDurationField("timeout", t.Timeout)
		if err != nil {
			add("template", t.ID, err)
		}
		var retry model.RetryPolicy
		if t.Retry != nil {
			if retry, err = t.Retry.toModel("retry"); err != nil {
				add("template", t.ID, err)
			}
		}
		templates = append(templates, model.JobTemplate{
			ID:      strings.TrimSpace(t.ID),
			Name:    strings.TrimSpace(t.Name),
			JobType: strings.TrimSpace(t.JobType),
			Selector: model.Selector{
				Kind:      model.SelectorKind(strings.ToLower(strings.TrimSpace(t.Selector.Kind))),
				Tags:      t.Selector.Tags,
				TargetIDs: t.Selector.Targets,
			},
			Params:  t.Params,
			Timeout: timeout,
			Retry:   retry,
		})
	}

	schedules := make([]model.Schedule, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		schedules = append(schedules, model.Schedule{
			ID:         strings.TrimSpace(s.ID),
			TemplateID: strings.TrimSpace(s.Template),
			Cron:       strings.TrimSpace(s.Cron),
			Enabled:    enabled,
			Overlap:    model.OverlapPolicy(strings.ToLower(strings.TrimSpace(s.Overlap))),
		})
	}

	policies := make([]model.NotificationPolicy, 0, len(c.Policies))
	for _, p := range c.Policies {
		sev, err := model.ParseSeverity(p.MinSeverity)
		if err != nil {
			add("policy", p.ID, err)
		}
		var rl model.RateLimit
		if p.RateLimit != nil {
			w, err := ParseDurationField("rate_limit.window", p.RateLimit.Window)
			if err != nil {
				add("policy", p.ID, err)
			}
			rl = model.RateLimit{Max: p.RateLimit.Max, Window: w}
		}
		policies = append(policies, model.NotificationPolicy{
			ID:          strings.TrimSpace(p.ID),
			JobTypes:    p.JobTypes,
			TargetTags:  p.TargetTags,
			MinSeverity: sev,
			RateLimit:   rl,
			Template:    p.Template,
			Channels:    p.Channels,
		})
	}

	channels := make([]model.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		channels = append(channels, model.Channel{
			ID:       strings.TrimSpace(ch.ID),
			Kind:     strings.ToLower(strings.TrimSpace(ch.Kind)),
			Settings: ch.Settings,
		})
	}

	return model.NewCatalog(templates, schedules, targets, policies, channels), errors.Join(errs...)
}

func (t TargetConfig) toModel() (model.Target, error) {
	mode := model.TargetMode(strings.ToLower(strings.TrimSpace(t.Mode)))
	host := strings.TrimSpace(t.Host)
	if mode == "" {
		mode = model.ModeLocal
		if host != "" {
			mode = model.ModeRemote
		}
	}
	out := model.Target{ID: strings.TrimSpace(t.ID), Mode: mode, Tags: t.Tags}
	if mode != model.ModeRemote {
		if host != "" {
			return out, fmt.Errorf("host set on %s target", mode)
		}
		return out, nil
	}
	if t.Port < 0 || t.Port > 65535 {
		return out, fmt.Errorf("invalid port %d", t.Port)
	}
	out.Remote = &model.RemoteEndpoint{
		Host:                  host,
		Port:                  t.Port,
		User:                  strings.TrimSpace(t.User),
		KeyPath:               strings.TrimSpace(t.KeyPath),
		PasswordEnv:           strings.TrimSpace(t.PasswordEnv),
		KnownHostsPath:        strings.TrimSpace(t.KnownHosts),
		InsecureIgnoreHostKey: t.InsecureIgnoreHostKey,
	}
	return out, nil
}

func (r RetryConfig) toModel(path string) (model.RetryPolicy, error) {
	var errs []error
	base, err := ParseDurationField(path+".base", r.Base)
	errs = append(errs, err)
	maxDelay, err := ParseDurationField(path+".max_delay", r.MaxDelay)
	errs = append(errs, err)
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("%s.jitter must be within [0,1]", path))
	}
	on := make([]model.TargetStatus, 0, len(r.On))
	for _, s := range r.On {
		st := model.TargetStatus(strings.ToLower(strings.TrimSpace(s)))
		switch st {
		case model.TargetConnectionError, model.TargetTimedOut, model.TargetFailed:
			on = append(on, st)
		default:
			errs = append(errs, fmt.Errorf("%s.on: status %q is not retryable", path, s))
		}
	}
	return model.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Base:        base,
		MaxDelay:    maxDelay,
		Jitter:      r.Jitter,
		On:          on,
	}, errors.Join(errs...)
}

// RetryPolicy returns the coordinator-wide default retry policy. An omitted
// engine.retry section yields the zero policy (no retries).
func (e EngineConfig) RetryPolicy() (model.RetryPolicy, error) {
	if e.Retry == nil {
		return model.RetryPolicy{}, nil
	}
	return e.Retry.toModel("engine.retry")
}
