package notifier

import (
	"slices"
	"time"

	"fleetrun/internal/model"
)

// Delivery is one rendered message bound for one channel.
type Delivery struct {
	PolicyID  string
	ChannelID string
	RunID     string
	Severity  model.Severity
	Message   string
	// RenderErr is a *model.TemplateRenderError when Message is the degraded fallback.
	RenderErr error
}

// Engine evaluates notification policies. The rate-limit counters are its
// only state.
type Engine struct {
	limits *windowLimiter
	// now is replaceable in tests.
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{limits: newWindowLimiter(), now: time.Now}
}

// Matches reports whether p applies to a run of jobType touching targets
// with tags, at severity sev. Empty filters match anything; a target-tag
// filter matches when the run touched at least one of its tags.
func Matches(p model.NotificationPolicy, jobType string, tags []string, sev model.Severity) bool {
	if !sev.AtLeast(p.MinSeverity) {
		return false
	}
	if len(p.JobTypes) > 0 && !slices.Contains(p.JobTypes, jobType) {
		return false
	}
	if len(p.TargetTags) > 0 {
		hit := false
		for _, t := range p.TargetTags {
			if slices.Contains(tags, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Evaluate returns the deliveries run produces under policies, in policy
// order then channel order. A matching policy at its rate-limit quota is
// skipped. Counters of policies absent from policies are dropped.
func (e *Engine) Evaluate(run model.JobRun, policies []model.NotificationPolicy) []Delivery {
	sev := SeverityFor(run.Status)
	tags := run.TargetTags()
	now := e.now()
	keep := make(map[string]struct{}, len(policies))

	var out []Delivery
	for _, p := range policies {
		keep[p.ID] = struct{}{}
		if !Matches(p, run.JobType, tags, sev) {
			continue
		}
		if !e.limits.allow(p.ID, p.RateLimit, now) {
			continue
		}
		msg, err := Render(p.Template, run)
		if err != nil {
			err = &model.TemplateRenderError{PolicyID: p.ID, Err: err}
			msg = degraded(run)
		}
		for _, ch := range p.Channels {
			out = append(out, Delivery{
				PolicyID:  p.ID,
				ChannelID: ch,
				RunID:     run.ID,
				Severity:  sev,
				Message:   msg,
				RenderErr: err,
			})
		}
	}
	e.limits.retain(keep)
	return out
}
