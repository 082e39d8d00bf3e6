package eventbus

import "testing"

func TestPublishFiltersAndDrops(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	runs, unsubRuns := b.Subscribe(1, "run.finished")

	b.Publish(Event{Type: "run.started"})
	b.Publish(Event{Type: "run.finished", Data: "r1"})
	b.Publish(Event{Type: "run.finished", Data: "r2"})

	if got := len(all); got != 3 {
		t.Fatalf("unfiltered subscriber got %d events, want 3", got)
	}
	e := <-runs
	if e.Type != "run.finished" || e.Data != "r1" || e.Time.IsZero() {
		t.Fatalf("filtered event = %+v", e)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}

	unsubRuns()
	unsubRuns()
	b.Publish(Event{Type: "run.finished"})
	if _, ok := <-runs; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}
