// Package scheduler decides when schedules fire.
//
// A single loop wakes every tick, evaluates each enabled schedule of the
// current catalog snapshot against its last-fired slot and hands due ones to
// the run coordinator without waiting for them. The scheduler is responsible
// only for:
//   - holding the catalog snapshot (swapped atomically on Reload)
//   - computing due and upcoming fire times
//   - starting runs through the coordinator (scheduled or RunNow)
package scheduler
