package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	snap := s.snap.Load()
	now := s.now().UTC()

	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	items := make([]ScheduleInfo, 0, len(snap.entries))
	for _, e := range snap.entries {
		it := ScheduleInfo{
			ID:         e.sched.ID,
			TemplateID: e.sched.TemplateID,
			Cron:       e.sched.Cron,
			Enabled:    e.sched.Enabled,
			Overlap:    e.sched.Overlap,
			LastFired:  s.lastFired[e.sched.ID],
			InFlight:   s.states[e.sched.ID].InFlight(),
		}
		if st := s.stats[e.sched.ID]; st != nil {
			it.Fired, it.Skipped, it.LastRunID, it.LastError = st.fired, st.skipped, st.lastRunID, st.lastErr
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	for i := range items {
		if items[i].Enabled {
			items[i].Next, _ = snap.entries[i].expr.Next(now)
		}
	}

	out := Snapshot{
		Enabled:      cfg.Enabled,
		Running:      running,
		Tick:         cfg.Tick,
		MisfireGrace: cfg.MisfireGrace,
		Ticks:        s.ticks.Load(),
		Rejected:     snap.rejected,
		Schedules:    items,
	}
	if ns := s.lastTick.Load(); ns != 0 {
		out.LastTick = time.Unix(0, ns).UTC()
	}
	if v, ok := s.lastTickErr.Load().(string); ok {
		out.LastTickError = v
	}
	return out
}

func sortUpcoming(out []Upcoming) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
}
