package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Catalog is the immutable configuration snapshot the core reads: templates,
// schedules, targets, notification policies and channels.
//
// Build it with NewCatalog; never mutate a catalog after it has been shared.
type Catalog struct {
	Templates []JobTemplate
	Schedules []Schedule
	Targets   []Target
	Policies  []NotificationPolicy
	Channels  []Channel

	templates map[string]int
	targets   map[string]int
	channels  map[string]int
}

// NewCatalog copies the inputs, sorts each collection by ID and indexes them.
func NewCatalog(templates []JobTemplate, schedules []Schedule, targets []Target, policies []NotificationPolicy, channels []Channel) *Catalog {
	c := &Catalog{
		Templates: make([]JobTemplate, 0, len(templates)),
		Schedules: append([]Schedule(nil), schedules...),
		Targets:   append([]Target(nil), targets...),
		Policies:  append([]NotificationPolicy(nil), policies...),
		Channels:  append([]Channel(nil), channels...),
	}
	for _, t := range templates {
		c.Templates = append(c.Templates, t.Clone())
	}
	sort.SliceStable(c.Templates, func(i, j int) bool { return c.Templates[i].ID < c.Templates[j].ID })
	sort.SliceStable(c.Schedules, func(i, j int) bool { return c.Schedules[i].ID < c.Schedules[j].ID })
	sort.SliceStable(c.Targets, func(i, j int) bool { return c.Targets[i].ID < c.Targets[j].ID })
	sort.SliceStable(c.Policies, func(i, j int) bool { return c.Policies[i].ID < c.Policies[j].ID })
	sort.SliceStable(c.Channels, func(i, j int) bool { return c.Channels[i].ID < c.Channels[j].ID })

	c.templates = make(map[string]int, len(c.Templates))
	for i, t := range c.Templates {
		c.templates[t.ID] = i
	}
	c.targets = make(map[string]int, len(c.Targets))
	for i, t := range c.Targets {
		c.targets[t.ID] = i
	}
	c.channels = make(map[string]int, len(c.Channels))
	for i, ch := range c.Channels {
		c.channels[ch.ID] = i
	}
	return c
}

// EmptyCatalog returns a catalog with no entries.
func EmptyCatalog() *Catalog { return NewCatalog(nil, nil, nil, nil, nil) }

// Template returns a copy of the template with the given id.
func (c *Catalog) Template(id string) (JobTemplate, bool) {
	if c == nil {
		return JobTemplate{}, false
	}
	i, ok := c.templates[id]
	if !ok {
		return JobTemplate{}, false
	}
	return c.Templates[i].Clone(), true
}

func (c *Catalog) Target(id string) (Target, bool) {
	if c == nil {
		return Target{}, false
	}
	i, ok := c.targets[id]
	if !ok {
		return Target{}, false
	}
	return c.Targets[i], true
}

func (c *Catalog) Channel(id string) (Channel, bool) {
	if c == nil {
		return Channel{}, false
	}
	i, ok := c.channels[id]
	if !ok {
		return Channel{}, false
	}
	return c.Channels[i], true
}

// AllTargets returns the targets sorted by ID. The slice is shared; do not modify it.
func (c *Catalog) AllTargets() []Target {
	if c == nil {
		return nil
	}
	return c.Targets
}

// ValidateOptions supplies the external knowledge catalog validation needs.
type ValidateOptions struct {
	// KnownJobType reports whether a job type is registered. nil skips the check.
	KnownJobType func(name string) bool
	// KnownChannelKind reports whether a channel kind can be built. nil skips the check.
	KnownChannelKind func(kind string) bool
	// ValidateCron parses a cron expression. nil skips the check.
	ValidateCron func(expr string) error
	// ValidateParams checks a template's params against its job type. It is
	// only consulted for known job types. nil skips the check.
	ValidateParams func(jobType string, params map[string]string) error
}

// Validate checks referential integrity and field-level rules. Every problem
// is reported as a ConfigurationError; the result joins all of them.
func (c *Catalog) Validate(opt ValidateOptions) error {
	if c == nil {
		return nil
	}
	var errs []error
	add := func(obj, id string, err error) { errs = append(errs, ConfigErr(obj, id, err)) }

	dup := func(obj string, ids []string) {
		seen := map[string]struct{}{}
		for _, id := range ids {
			if strings.TrimSpace(id) == "" {
				add(obj, id, errors.New("missing id"))
				continue
			}
			if _, ok := seen[id]; ok {
				add(obj, id, errors.New("duplicate id"))
			}
			seen[id] = struct{}{}
		}
	}
	dup("target", idsOf(c.Targets, func(t Target) string { return t.ID }))
	dup("template", idsOf(c.Templates, func(t JobTemplate) string { return t.ID }))
	dup("schedule", idsOf(c.Schedules, func(s Schedule) string { return s.ID }))
	dup("policy", idsOf(c.Policies, func(p NotificationPolicy) string { return p.ID }))
	dup("channel", idsOf(c.Channels, func(ch Channel) string { return ch.ID }))

	for _, t := range c.Targets {
		switch t.Mode {
		case ModeLocal, "":
		case ModeRemote:
			if t.Remote == nil || strings.TrimSpace(t.Remote.Host) == "" {
				add("target", t.ID, errors.New("remote target requires remote.host"))
			}
		default:
			add("target", t.ID, fmt.Errorf("unknown mode %q", t.Mode))
		}
	}

	for _, t := range c.Templates {
		if err := c.ValidateTemplate(t, opt); err != nil {
			errs = append(errs, err)
		}
	}

	// Templates were checked above; only the schedule's own fields here.
	for _, s := range c.Schedules {
		if err := c.validateScheduleFields(s, opt); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range c.Policies {
		if _, err := ParseSeverity(string(p.MinSeverity)); err != nil {
			add("policy", p.ID, err)
		}
		if len(p.Channels) == 0 {
			add("policy", p.ID, errors.New("no channels"))
		}
		for _, ch := range p.Channels {
			if _, ok := c.Channel(ch); !ok {
				add("policy", p.ID, fmt.Errorf("%w: %q", ErrUnknownChannel, ch))
			}
		}
		if p.RateLimit.Max > 0 && p.RateLimit.Window <= 0 {
			add("policy", p.ID, errors.New("rate_limit.window must be positive when rate_limit.max is set"))
		}
	}

	for _, ch := range c.Channels {
		if opt.KnownChannelKind != nil && !opt.KnownChannelKind(ch.Kind) {
			add("channel", ch.ID, fmt.Errorf("unknown kind %q", ch.Kind))
		}
	}

	return errors.Join(errs...)
}

// ValidateTemplate checks job type, params, selector and timeout of one
// template. All problems are joined into a single ConfigurationError.
func (c *Catalog) ValidateTemplate(t JobTemplate, opt ValidateOptions) error {
	var errs []error
	known := true
	if opt.KnownJobType != nil && !opt.KnownJobType(t.JobType) {
		known = false
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownJobType, t.JobType))
	}
	if known && opt.ValidateParams != nil {
		if err := opt.ValidateParams(t.JobType, t.Params); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.ValidateSelector(t.Selector); err != nil {
		errs = append(errs, err)
	}
	if t.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return ConfigErr("template", t.ID, errors.Join(errs...))
}

// ValidateSchedule checks one schedule against the catalog, including the
// template it fires. It returns a ConfigurationError or nil.
func (c *Catalog) ValidateSchedule(s Schedule, opt ValidateOptions) error {
	if err := c.validateScheduleFields(s, opt); err != nil {
		return err
	}
	tpl, _ := c.Template(s.TemplateID)
	if err := c.ValidateTemplate(tpl, opt); err != nil {
		return ConfigErr("schedule", s.ID, err)
	}
	return nil
}

func (c *Catalog) validateScheduleFields(s Schedule, opt ValidateOptions) error {
	if _, ok := c.Template(s.TemplateID); !ok {
		return ConfigErr("schedule", s.ID, fmt.Errorf("%w: %q", ErrUnknownTemplate, s.TemplateID))
	}
	switch s.Overlap {
	case "", OverlapSkip, OverlapAllow:
	default:
		return ConfigErr("schedule", s.ID, fmt.Errorf("unknown overlap policy %q", s.Overlap))
	}
	if opt.ValidateCron != nil {
		if err := opt.ValidateCron(s.Cron); err != nil {
			return ConfigErr("schedule", s.ID, err)
		}
	}
	return nil
}

// ValidateSelector rejects selectors that can never be resolved.
func (c *Catalog) ValidateSelector(sel Selector) error {
	switch sel.Kind {
	case SelectAll, SelectLocal:
		return nil
	case SelectByTag:
		if len(sel.Tags) == 0 {
			return fmt.Errorf("%w: tag selector without tags", ErrEmptySelector)
		}
		return nil
	case SelectExplicit:
		if len(sel.TargetIDs) == 0 {
			return fmt.Errorf("%w: explicit selector without target ids", ErrEmptySelector)
		}
		for _, id := range sel.TargetIDs {
			if _, ok := c.Target(id); !ok {
				return fmt.Errorf("%w: %q", ErrUnknownTarget, id)
			}
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing selector kind", ErrEmptySelector)
	}
	return fmt.Errorf("%w: unknown selector kind %q", ErrEmptySelector, sel.Kind)
}

func idsOf[T any](in []T, id func(T) string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, id(v))
	}
	return out
}
