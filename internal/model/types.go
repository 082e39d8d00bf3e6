package model

import (
	"sort"
	"time"
)

// SelectorKind picks how a job template chooses its targets.
type SelectorKind string

const (
	SelectAll      SelectorKind = "all"
	SelectByTag    SelectorKind = "tag"
	SelectExplicit SelectorKind = "explicit"
	SelectLocal    SelectorKind = "local"
)

// Selector describes the set of targets a run fans out to.
//
// For SelectByTag a target must carry every listed tag.
type Selector struct {
	Kind      SelectorKind `json:"kind"`
	Tags      []string     `json:"tags,omitempty"`
	TargetIDs []string     `json:"target_ids,omitempty"`
}

// RetryPolicy is the coordinator-side retry hook for a single target invocation.
// The executor itself never retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Base        time.Duration `json:"base"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      float64       `json:"jitter"`
	// On lists the target statuses that are retried. Empty means
	// connection_error and timed_out.
	On []TargetStatus `json:"on,omitempty"`
}

// Retries reports whether status st is eligible for another attempt.
func (p RetryPolicy) Retries(st TargetStatus) bool {
	if p.MaxAttempts <= 1 {
		return false
	}
	if len(p.On) == 0 {
		return st == TargetConnectionError || st == TargetTimedOut
	}
	for _, s := range p.On {
		if s == st {
			return true
		}
	}
	return false
}

// JobTemplate is a named, parameterized operation bound to a job type and a selector.
type JobTemplate struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	JobType  string            `json:"job_type"`
	Selector Selector          `json:"selector"`
	Params   map[string]string `json:"params,omitempty"`
	Timeout  time.Duration     `json:"timeout"`
	Retry    RetryPolicy       `json:"retry"`
}

// Clone returns a copy that shares no maps or slices with t.
func (t JobTemplate) Clone() JobTemplate {
	out := t
	out.Params = CloneParams(t.Params)
	out.Selector.Tags = append([]string(nil), t.Selector.Tags...)
	out.Selector.TargetIDs = append([]string(nil), t.Selector.TargetIDs...)
	out.Retry.On = append([]TargetStatus(nil), t.Retry.On...)
	return out
}

// MergeParams returns base overlaid with overrides. Neither input is modified.
func MergeParams(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func CloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	return MergeParams(in, nil)
}

// OverlapPolicy decides what happens when a schedule fires while its previous run is in flight.
type OverlapPolicy string

const (
	OverlapSkip  OverlapPolicy = "skip"
	OverlapAllow OverlapPolicy = "allow"
)

// Schedule binds a cron expression to a job template.
type Schedule struct {
	ID         string        `json:"id"`
	TemplateID string        `json:"template_id"`
	Cron       string        `json:"cron"`
	Enabled    bool          `json:"enabled"`
	Overlap    OverlapPolicy `json:"overlap,omitempty"`
}

type TargetMode string

const (
	ModeLocal  TargetMode = "local"
	ModeRemote TargetMode = "remote"
)

// RemoteEndpoint is the connection descriptor of a remote target.
type RemoteEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user"`

	KeyPath     string `json:"key_path,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`

	KnownHostsPath        string `json:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty"`
}

// Target is a host a job can run on.
type Target struct {
	ID     string          `json:"id"`
	Mode   TargetMode      `json:"mode"`
	Tags   []string        `json:"tags,omitempty"`
	Remote *RemoteEndpoint `json:"remote,omitempty"`
}

func (t Target) IsLocal() bool { return t.Mode == ModeLocal || t.Mode == "" }

// HasTags reports whether t carries every tag in want.
func (t Target) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, have := range t.Tags {
			if have == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LocalTarget is the synthetic target used when no local target is configured.
func LocalTarget() Target { return Target{ID: "local", Mode: ModeLocal} }

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// TargetResult is the outcome of one invocation on one target.
type TargetResult struct {
	TargetID   string        `json:"target_id"`
	TargetTags []string      `json:"target_tags,omitempty"`
	Status     TargetStatus  `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Output     string        `json:"output,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobRun is one execution of a job template across its resolved targets.
type JobRun struct {
	ID           string            `json:"id"`
	TemplateID   string            `json:"template_id"`
	TemplateName string            `json:"template_name,omitempty"`
	JobType      string            `json:"job_type"`
	ScheduleID   string            `json:"schedule_id,omitempty"`
	Trigger      Trigger           `json:"trigger"`
	Params       map[string]string `json:"params,omitempty"`
	Status       RunStatus         `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	EndedAt      time.Time         `json:"ended_at,omitempty"`
	Results      []TargetResult    `json:"results"`
	Error        string            `json:"error,omitempty"`
}

// Clone returns a deep copy of r.
func (r JobRun) Clone() JobRun {
	out := r
	out.Params = CloneParams(r.Params)
	if r.Results != nil {
		out.Results = make([]TargetResult, len(r.Results))
		for i, res := range r.Results {
			res.TargetTags = append([]string(nil), res.TargetTags...)
			out.Results[i] = res
		}
	}
	return out
}

// Duration is the wall time between start and end, or zero while the run is open.
func (r JobRun) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// TargetTags returns the union of the tags of every target in the run, sorted.
func (r JobRun) TargetTags() []string {
	seen := map[string]struct{}{}
	for _, res := range r.Results {
		for _, t := range res.TargetTags {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CountByStatus tallies results per target status.
func (r JobRun) CountByStatus() map[TargetStatus]int {
	out := make(map[TargetStatus]int, 6)
	for _, res := range r.Results {
		out[res.Status]++
	}
	return out
}

// RateLimit caps how many notifications a policy emits per sliding window.
// Max <= 0 disables limiting.
type RateLimit struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

// NotificationPolicy decides whether a finished run produces a notification.
type NotificationPolicy struct {
	ID          string    `json:"id"`
	JobTypes    []string  `json:"job_types,omitempty"`
	TargetTags  []string  `json:"target_tags,omitempty"`
	MinSeverity Severity  `json:"min_severity"`
	RateLimit   RateLimit `json:"rate_limit"`
	Template    string    `json:"template"`
	Channels    []string  `json:"channels"`
}

// Channel is a configured notification destination.
type Channel struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Settings map[string]string `json:"settings,omitempty"`
}

// DeliveryStatus is the outcome of one notification attempt.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryDropped DeliveryStatus = "dropped"
)

// DeliveryRecord is the audit entry of one notification attempt.
type DeliveryRecord struct {
	At        time.Time      `json:"at"`
	RunID     string         `json:"run_id"`
	PolicyID  string         `json:"policy_id"`
	ChannelID string         `json:"channel_id"`
	Severity  Severity       `json:"severity"`
	Status    DeliveryStatus `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
}
