// Package target resolves a job template's selector into the concrete hosts a run fans out to.
package target

import (
	"fmt"
	"sort"

	"fleetrun/internal/model"
)

// Directory is the set of known targets. *model.Catalog satisfies it.
type Directory interface {
	AllTargets() []model.Target
	Target(id string) (model.Target, bool)
}

// Resolve returns the targets matched by sel, deduplicated and ordered by ID.
//
// An empty result is valid. Explicit selectors naming unknown targets and
// selectors of unknown kind are configuration errors.
func Resolve(sel model.Selector, dir Directory) ([]model.Target, error) {
	var all []model.Target
	if dir != nil {
		all = dir.AllTargets()
	}

	var out []model.Target
	switch sel.Kind {
	case model.SelectAll:
		out = append(out, all...)
	case model.SelectByTag:
		if len(sel.Tags) == 0 {
			return nil, fmt.Errorf("%w: tag selector without tags", model.ErrEmptySelector)
		}
		for _, t := range all {
			if t.HasTags(sel.Tags) {
				out = append(out, t)
			}
		}
	case model.SelectExplicit:
		for _, id := range sel.TargetIDs {
			if dir == nil {
				return nil, fmt.Errorf("%w: %q", model.ErrUnknownTarget, id)
			}
			t, ok := dir.Target(id)
			if !ok {
				return nil, fmt.Errorf("%w: %q", model.ErrUnknownTarget, id)
			}
			out = append(out, t)
		}
	case model.SelectLocal:
		for _, t := range all {
			if t.IsLocal() {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			out = append(out, model.LocalTarget())
		}
	default:
		return nil, fmt.Errorf("%w: unknown selector kind %q", model.ErrEmptySelector, sel.Kind)
	}
	return dedupe(out), nil
}

func dedupe(in []model.Target) []model.Target {
	if len(in) == 0 {
		return []model.Target{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]model.Target, 0, len(in))
	for _, t := range in {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
