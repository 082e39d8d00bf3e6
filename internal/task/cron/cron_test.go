package cron

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"fleetrun/internal/model"
)

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"* * * *",
		"0 * * * * *",
		"61 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"@every 5m",
		"TZ=Europe/Berlin 0 9 * * *",
		"CRON_TZ=UTC 0 9 * * *",
		"not a cron",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); !errors.Is(err, model.ErrInvalidExpression) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalidExpression", expr, err)
		}
	}
}

func TestParseAccepts(t *testing.T) {
	t.Parallel()

	good := []string{
		"* * * * *",
		"*/5 * * * *",
		"0,15,30,45 * * * *",
		"10-30/10 2 * * 1-5",
		"0 0 1 JAN *",
		"0 9 * * MON-FRI",
		"@hourly",
		"@daily",
	}
	for _, expr := range good {
		if _, err := Parse(expr); err != nil {
			t.Fatalf("Parse(%q): %v", expr, err)
		}
	}
}

func TestNextFireAfter(t *testing.T) {
	t.Parallel()

	// 2024-06-01 is a Saturday.
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"*/5 * * * *", utc(2024, 6, 1, 10, 3, 0), utc(2024, 6, 1, 10, 5, 0)},
		{"*/5 * * * *", utc(2024, 6, 1, 10, 5, 0), utc(2024, 6, 1, 10, 10, 0)},
		{"*/5 * * * *", utc(2024, 6, 1, 10, 4, 59), utc(2024, 6, 1, 10, 5, 0)},
		{"0 0 * * 0", utc(2024, 6, 1, 12, 0, 0), utc(2024, 6, 2, 0, 0, 0)},
		{"0 0 * * SUN", utc(2024, 6, 1, 12, 0, 0), utc(2024, 6, 2, 0, 0, 0)},
		{"0 9 * * 1-5", utc(2024, 6, 1, 10, 0, 0), utc(2024, 6, 3, 9, 0, 0)},
		{"30 23 31 12 *", utc(2024, 6, 1, 0, 0, 0), utc(2024, 12, 31, 23, 30, 0)},
		{"@hourly", utc(2024, 6, 1, 10, 0, 0), utc(2024, 6, 1, 11, 0, 0)},
	}
	for _, tc := range cases {
		got, ok, err := NextFireAfter(tc.expr, tc.from)
		if err != nil || !ok {
			t.Fatalf("NextFireAfter(%q, %s): ok=%v err=%v", tc.expr, tc.from, ok, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("NextFireAfter(%q, %s) = %s, want %s", tc.expr, tc.from, got, tc.want)
		}
		if got.Location() != time.UTC {
			t.Fatalf("NextFireAfter returned non-UTC time %s", got)
		}
	}
}

func TestDayOfWeekZeroIsSunday(t *testing.T) {
	t.Parallel()

	e := MustParse("0 12 * * 0")
	got, ok := e.Next(utc(2024, 6, 3, 0, 0, 0))
	if !ok || got.Weekday() != time.Sunday {
		t.Fatalf("dow 0 fired on %s (%s), want Sunday", got, got.Weekday())
	}
	sat := MustParse("0 12 * * 6")
	got, _ = sat.Next(utc(2024, 6, 3, 0, 0, 0))
	if got.Weekday() != time.Saturday {
		t.Fatalf("dow 6 fired on %s, want Saturday", got.Weekday())
	}
}

func TestNextNeverFires(t *testing.T) {
	t.Parallel()

	_, ok, err := NextFireAfter("0 0 30 2 *", utc(2024, 1, 1, 0, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("Feb 30 should never fire")
	}
}

func TestNextEvaluatesInUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	from := time.Date(2024, 6, 1, 8, 30, 0, 0, loc) // 01:30 UTC
	got, ok := MustParse("0 2 * * *").Next(from)
	if !ok || !got.Equal(utc(2024, 6, 1, 2, 0, 0)) {
		t.Fatalf("Next = %s, want 02:00 UTC", got)
	}
}

func TestNextMonotonicAndStrictlyAfter(t *testing.T) {
	t.Parallel()

	exprs := []string{"*/5 * * * *", "0 9 * * 1-5", "15 3 1,15 * *", "0 0 * * 0", "*/7 */3 * * *"}
	rng := rand.New(rand.NewSource(42))
	base := utc(2024, 1, 1, 0, 0, 0)
	for _, expr := range exprs {
		e := MustParse(expr)
		prevFrom := base
		prevNext, _ := e.Next(prevFrom)
		for i := 0; i < 500; i++ {
			from := prevFrom.Add(time.Duration(rng.Int63n(int64(36 * time.Hour))))
			next, ok := e.Next(from)
			if !ok {
				t.Fatalf("%q: no next after %s", expr, from)
			}
			if !next.After(from) {
				t.Fatalf("%q: Next(%s) = %s is not after from", expr, from, next)
			}
			if next.Before(prevNext) {
				t.Fatalf("%q: not monotonic: Next(%s)=%s < Next(%s)=%s", expr, from, next, prevFrom, prevNext)
			}
			prevFrom, prevNext = from, next
		}
	}
}

func TestIsDueEveryFiveMinutes(t *testing.T) {
	t.Parallel()

	e := MustParse("*/5 * * * *")
	at1003 := utc(2024, 6, 1, 10, 3, 0)
	at1005 := utc(2024, 6, 1, 10, 5, 0)

	if e.IsDue(at1003, time.Time{}) {
		t.Fatalf("must not be due at 10:03")
	}
	if !e.IsDue(at1005, time.Time{}) {
		t.Fatalf("must be due at 10:05")
	}
	if !e.IsDue(at1005.Add(20*time.Second), time.Time{}) {
		t.Fatalf("must be due later in the 10:05 minute")
	}
	if e.IsDue(at1005, at1005) {
		t.Fatalf("must not be due at 10:05 after firing at 10:05")
	}
	if !e.IsDue(utc(2024, 6, 1, 10, 10, 0), at1005) {
		t.Fatalf("must be due at 10:10 after firing at 10:05")
	}

	ok, err := IsDue("*/5 * * * *", at1005, time.Time{})
	if err != nil || !ok {
		t.Fatalf("IsDue package func: %v %v", ok, err)
	}
	if _, err := IsDue("nope", at1005, time.Time{}); !errors.Is(err, model.ErrInvalidExpression) {
		t.Fatalf("IsDue with bad expr err = %v", err)
	}
}

func TestLastSlot(t *testing.T) {
	t.Parallel()

	e := MustParse("*/5 * * * *")
	now := utc(2024, 6, 1, 10, 17, 0)
	slot, n, ok := e.LastSlot(now, utc(2024, 6, 1, 10, 0, 0))
	if !ok || n != 3 || !slot.Equal(utc(2024, 6, 1, 10, 15, 0)) {
		t.Fatalf("LastSlot = %s, %d, %v", slot, n, ok)
	}
	if _, _, ok := e.LastSlot(now, utc(2024, 6, 1, 10, 15, 0)); ok {
		t.Fatalf("no slot expected after 10:15 up to 10:17")
	}
}

func TestUpcoming(t *testing.T) {
	t.Parallel()

	e := MustParse("0 * * * *")
	from := utc(2024, 6, 1, 10, 30, 0)
	got := e.Upcoming(from, from.Add(3*time.Hour), 0)
	if len(got) != 3 || !got[0].Equal(utc(2024, 6, 1, 11, 0, 0)) || !got[2].Equal(utc(2024, 6, 1, 13, 0, 0)) {
		t.Fatalf("Upcoming = %v", got)
	}
	if got := e.Upcoming(from, from.Add(3*time.Hour), 2); len(got) != 2 {
		t.Fatalf("limit not applied: %v", got)
	}
}
