package target

import (
	"errors"
	"testing"

	"fleetrun/internal/model"
)

func testDirectory() *model.Catalog {
	return model.NewCatalog(nil, nil, []model.Target{
		{ID: "web-2", Mode: model.ModeRemote, Tags: []string{"web", "prod"}, Remote: &model.RemoteEndpoint{Host: "w2"}},
		{ID: "db-1", Mode: model.ModeRemote, Tags: []string{"db", "prod"}, Remote: &model.RemoteEndpoint{Host: "d1"}},
		{ID: "web-1", Mode: model.ModeRemote, Tags: []string{"web", "staging"}, Remote: &model.RemoteEndpoint{Host: "w1"}},
		{ID: "self", Mode: model.ModeLocal, Tags: []string{"prod"}},
	}, nil, nil)
}

func ids(ts []model.Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResolve(t *testing.T) {
	t.Parallel()

	dir := testDirectory()
	cases := []struct {
		name string
		sel  model.Selector
		want []string
	}{
		{"all", model.Selector{Kind: model.SelectAll}, []string{"db-1", "self", "web-1", "web-2"}},
		{"tag single", model.Selector{Kind: model.SelectByTag, Tags: []string{"web"}}, []string{"web-1", "web-2"}},
		{"tag intersection", model.Selector{Kind: model.SelectByTag, Tags: []string{"web", "prod"}}, []string{"web-2"}},
		{"tag no match", model.Selector{Kind: model.SelectByTag, Tags: []string{"gpu"}}, []string{}},
		{"explicit dedupe and order", model.Selector{Kind: model.SelectExplicit, TargetIDs: []string{"web-2", "db-1", "web-2"}}, []string{"db-1", "web-2"}},
		{"local", model.Selector{Kind: model.SelectLocal}, []string{"self"}},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.sel, dir)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !equal(ids(got), tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, ids(got), tc.want)
		}
	}
}

func TestResolveEmptyIsNotAnError(t *testing.T) {
	t.Parallel()

	got, err := Resolve(model.Selector{Kind: model.SelectAll}, model.EmptyCatalog())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", got)
	}
}

func TestResolveLocalWithoutConfiguredTarget(t *testing.T) {
	t.Parallel()

	got, err := Resolve(model.Selector{Kind: model.SelectLocal}, model.EmptyCatalog())
	if err != nil || len(got) != 1 || got[0].ID != "local" || !got[0].IsLocal() {
		t.Fatalf("Resolve(local) = %v, %v", got, err)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	dir := testDirectory()
	if _, err := Resolve(model.Selector{Kind: model.SelectExplicit, TargetIDs: []string{"ghost"}}, dir); !errors.Is(err, model.ErrUnknownTarget) {
		t.Fatalf("unknown explicit target err = %v", err)
	}
	if _, err := Resolve(model.Selector{Kind: "weird"}, dir); !errors.Is(err, model.ErrEmptySelector) {
		t.Fatalf("unknown kind err = %v", err)
	}
}
