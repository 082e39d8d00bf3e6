package engine

import "fleetrun/internal/model"

type tally struct {
	total           int
	succeeded       int
	timedOut        int
	cancelled       int
	cancelRequested bool
}

// aggregateRule is one row of the run-status decision table.
type aggregateRule struct {
	name   string
	match  func(t tally) bool
	status model.RunStatus
}

// decisionTable is evaluated top to bottom; the first matching row wins.
// The last row matches everything, so aggregation is total.
var decisionTable = []aggregateRule{
	{"cancelled", func(t tally) bool { return t.cancelRequested || t.cancelled > 0 }, model.RunCancelled},
	{"no targets", func(t tally) bool { return t.total == 0 }, model.RunSucceeded},
	{"all succeeded", func(t tally) bool { return t.succeeded == t.total }, model.RunSucceeded},
	{"all timed out", func(t tally) bool { return t.timedOut == t.total }, model.RunTimedOut},
	{"none succeeded", func(t tally) bool { return t.succeeded == 0 }, model.RunFailed},
	{"mixed", func(tally) bool { return true }, model.RunPartiallyFailed},
}

// Aggregate computes a run's status from its per-target results.
// cancelRequested is true when the run was cancelled (by request or shutdown).
// A pending result counts as cancelled; callers finalize only after every
// invocation returned, so this only happens for targets never started.
func Aggregate(results []model.TargetResult, cancelRequested bool) model.RunStatus {
	t := tally{total: len(results), cancelRequested: cancelRequested}
	for _, r := range results {
		switch r.Status {
		case model.TargetSucceeded:
			t.succeeded++
		case model.TargetTimedOut:
			t.timedOut++
		case model.TargetCancelled, model.TargetPending, "":
			t.cancelled++
		}
	}
	for _, row := range decisionTable {
		if row.match(t) {
			return row.status
		}
	}
	return model.RunPartiallyFailed
}
