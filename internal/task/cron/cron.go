// Package cron evaluates five-field cron expressions in UTC.
//
// Grammar: minute hour day-of-month month day-of-week, each field accepting
// '*', single values, lists (1,15), ranges (1-5) and steps (*/5, 10-30/10).
// Month and weekday names (JAN, MON) and the @yearly/@monthly/@weekly/@daily/
// @hourly descriptors are accepted.
//
// Day-of-week is numbered 0 = Sunday through 6 = Saturday. When both
// day-of-month and day-of-week are restricted, a time matches if either does.
//
// Seconds fields, @every intervals and TZ=/CRON_TZ= prefixes are rejected:
// every evaluation happens in UTC.
package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"fleetrun/internal/model"
)

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// maxCatchUp bounds slot enumeration in LastSlot.
const maxCatchUp = 100000

// Expr is a parsed cron expression.
type Expr struct {
	src   string
	sched robfig.Schedule
}

// Parse validates expr. Failures wrap model.ErrInvalidExpression.
func Parse(expr string) (Expr, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Expr{}, fmt.Errorf("%w: empty expression", model.ErrInvalidExpression)
	}
	up := strings.ToUpper(s)
	if strings.HasPrefix(up, "TZ=") || strings.HasPrefix(up, "CRON_TZ=") {
		return Expr{}, fmt.Errorf("%w: %q: time zones are not supported, expressions are evaluated in UTC", model.ErrInvalidExpression, expr)
	}
	if strings.HasPrefix(strings.ToLower(s), "@every") {
		return Expr{}, fmt.Errorf("%w: %q: @every intervals are not supported", model.ErrInvalidExpression, expr)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return Expr{}, fmt.Errorf("%w: %q: %v", model.ErrInvalidExpression, expr, err)
	}
	return Expr{src: s, sched: sched}, nil
}

// MustParse is Parse for expressions known to be valid. It panics otherwise.
func MustParse(expr string) Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func (e Expr) String() string { return e.src }

// Next returns the first fire time strictly after from, in UTC.
// ok is false when the expression never fires again (e.g. "0 0 30 2 *").
func (e Expr) Next(from time.Time) (time.Time, bool) {
	if e.sched == nil {
		return time.Time{}, false
	}
	next := e.sched.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// reference is the point after which a fire counts as due.
// Without a previous fire only the current minute is eligible, so a newly
// loaded schedule never replays history.
func reference(now, lastFired time.Time) time.Time {
	if !lastFired.IsZero() {
		return lastFired.UTC()
	}
	return now.UTC().Truncate(time.Minute).Add(-time.Nanosecond)
}

// IsDue reports whether a fire time exists in (reference, now], where
// reference is lastFired or, when lastFired is zero, the instant just before
// now's minute.
func (e Expr) IsDue(now, lastFired time.Time) bool {
	next, ok := e.Next(reference(now, lastFired))
	return ok && !next.After(now.UTC())
}

// LastSlot returns the latest fire time in (after, now] together with the
// number of fire times in that interval. ok is false when there is none.
func (e Expr) LastSlot(now, after time.Time) (slot time.Time, count int, ok bool) {
	now = now.UTC()
	cur := after.UTC()
	for i := 0; i < maxCatchUp; i++ {
		next, more := e.Next(cur)
		if !more || next.After(now) {
			break
		}
		slot, cur, ok = next, next, true
		count++
	}
	return slot, count, ok
}

// Upcoming lists fire times in (from, until], at most limit of them (limit <= 0 means no cap).
func (e Expr) Upcoming(from, until time.Time, limit int) []time.Time {
	var out []time.Time
	cur := from.UTC()
	until = until.UTC()
	for limit <= 0 || len(out) < limit {
		next, ok := e.Next(cur)
		if !ok || next.After(until) {
			break
		}
		out = append(out, next)
		cur = next
		if len(out) >= maxCatchUp {
			break
		}
	}
	return out
}

// NextFireAfter parses expr and returns its first fire time strictly after from.
func NextFireAfter(expr string, from time.Time) (time.Time, bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := e.Next(from)
	return next, ok, nil
}

// IsDue parses expr and evaluates Expr.IsDue.
func IsDue(expr string, now, lastFired time.Time) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.IsDue(now, lastFired), nil
}
