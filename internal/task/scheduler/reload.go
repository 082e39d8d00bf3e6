package scheduler

import (
	"errors"
	"strings"

	"fleetrun/internal/model"
	"fleetrun/internal/task/cron"
	logx "fleetrun/pkg/logx"
)

// Reload validates every schedule of cat and atomically swaps in the valid
// ones. Invalid schedules are excluded, logged and returned as a joined
// ConfigurationError; the rest keep working. Last-fired slots of schedules
// that are gone are pruned. Runs already in flight are unaffected.
func (s *Service) Reload(cat *model.Catalog) error {
	if cat == nil {
		cat = model.EmptyCatalog()
	}
	opt := s.validate
	opt.ValidateCron = cron.Validate

	var (
		errs    []error
		entries = make([]entry, 0, len(cat.Schedules))
		seen    = map[string]struct{}{}
	)
	for _, sc := range cat.Schedules {
		if strings.TrimSpace(sc.ID) == "" {
			errs = append(errs, model.ConfigErr("schedule", sc.ID, errors.New("missing id")))
			continue
		}
		if _, dup := seen[sc.ID]; dup {
			errs = append(errs, model.ConfigErr("schedule", sc.ID, errors.New("duplicate id")))
			continue
		}
		if err := cat.ValidateSchedule(sc, opt); err != nil {
			errs = append(errs, err)
			s.log.Warn("schedule rejected", logx.String("schedule", sc.ID), logx.String("cron", sc.Cron), logx.Err(err))
			continue
		}
		seen[sc.ID] = struct{}{}
		if sc.Overlap == "" {
			sc.Overlap = model.OverlapSkip
		}
		entries = append(entries, entry{sched: sc, expr: cron.MustParse(sc.Cron)})
	}

	prev := s.snap.Swap(&snapshot{catalog: cat, entries: entries, rejected: len(errs)})

	s.mu.Lock()
	for id := range s.lastFired {
		if _, ok := seen[id]; !ok {
			delete(s.lastFired, id)
		}
	}
	for id := range s.states {
		if _, ok := seen[id]; !ok {
			delete(s.states, id)
		}
	}
	for id := range s.stats {
		if _, ok := seen[id]; !ok {
			delete(s.stats, id)
		}
	}
	s.mu.Unlock()

	if prev == nil || fingerprint(prev.entries) != fingerprint(entries) {
		s.log.Info("schedules reloaded", logx.Int("schedules", len(entries)), logx.Int("rejected", len(errs)))
	}
	return errors.Join(errs...)
}

// fingerprint summarizes the fields that change scheduling behaviour.
func fingerprint(entries []entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.sched.ID)
		b.WriteByte('|')
		b.WriteString(e.sched.TemplateID)
		b.WriteByte('|')
		b.WriteString(e.sched.Cron)
		b.WriteByte('|')
		b.WriteString(string(e.sched.Overlap))
		if e.sched.Enabled {
			b.WriteString("|on")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
