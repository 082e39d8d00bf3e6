package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want TargetStatus
	}{
		{"nil", nil, TargetSucceeded},
		{"exec", &ExecutionError{ExitCode: 2}, TargetFailed},
		{"plain", errors.New("boom"), TargetFailed},
		{"timeout", fmt.Errorf("wrap: %w", &TimeoutError{After: time.Second}), TargetTimedOut},
		{"connection", &ConnectionError{TargetID: "a", Err: errors.New("refused")}, TargetConnectionError},
		{"cancel", &CancellationError{}, TargetCancelled},
	}
	for _, tc := range cases {
		if got := StatusOf(tc.err); got != tc.want {
			t.Fatalf("%s: StatusOf = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	t.Parallel()

	if !errors.Is(&TimeoutError{}, context.DeadlineExceeded) {
		t.Fatalf("TimeoutError should unwrap to DeadlineExceeded")
	}
	if !errors.Is(&CancellationError{}, context.Canceled) {
		t.Fatalf("CancellationError should unwrap to Canceled")
	}
	err := ConfigErr("schedule", "s1", ErrInvalidExpression)
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("ConfigErr should match both sentinels: %v", err)
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.ID != "s1" {
		t.Fatalf("errors.As ConfigurationError failed: %v", err)
	}
}

func TestSeverityOrdering(t *testing.T) {
	t.Parallel()

	if !SeverityError.AtLeast(SeverityWarning) || !SeverityWarning.AtLeast(SeverityInfo) {
		t.Fatalf("severity ordering broken")
	}
	if SeverityInfo.AtLeast(SeverityWarning) {
		t.Fatalf("info must be below warning")
	}
	if s, err := ParseSeverity("WARN"); err != nil || s != SeverityWarning {
		t.Fatalf("ParseSeverity(WARN) = %q, %v", s, err)
	}
	if _, err := ParseSeverity("critical"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("ParseSeverity(critical) err = %v", err)
	}
}

func TestRetryPolicyRetries(t *testing.T) {
	t.Parallel()

	var none RetryPolicy
	if none.Retries(TargetConnectionError) {
		t.Fatalf("zero policy must not retry")
	}
	def := RetryPolicy{MaxAttempts: 3}
	if !def.Retries(TargetConnectionError) || !def.Retries(TargetTimedOut) || def.Retries(TargetFailed) {
		t.Fatalf("default retry set wrong")
	}
	only := RetryPolicy{MaxAttempts: 2, On: []TargetStatus{TargetFailed}}
	if !only.Retries(TargetFailed) || only.Retries(TargetTimedOut) {
		t.Fatalf("explicit retry set wrong")
	}
}

func TestJobRunCloneIsDeep(t *testing.T) {
	t.Parallel()

	r := JobRun{
		Params:  map[string]string{"a": "1"},
		Results: []TargetResult{{TargetID: "h1", TargetTags: []string{"web"}}},
	}
	c := r.Clone()
	c.Params["a"] = "2"
	c.Results[0].Status = TargetFailed
	c.Results[0].TargetTags[0] = "db"
	if r.Params["a"] != "1" || r.Results[0].Status != "" || r.Results[0].TargetTags[0] != "web" {
		t.Fatalf("clone shares state with original: %+v", r)
	}
}

func TestCatalogValidate(t *testing.T) {
	t.Parallel()

	cat := NewCatalog(
		[]JobTemplate{
			{ID: "ok", JobType: "shell", Selector: Selector{Kind: SelectAll}},
			{ID: "badtype", JobType: "nope", Selector: Selector{Kind: SelectAll}},
			{ID: "badsel", JobType: "shell", Selector: Selector{Kind: SelectByTag}},
			{ID: "ghost", JobType: "shell", Selector: Selector{Kind: SelectExplicit, TargetIDs: []string{"missing"}}},
		},
		[]Schedule{
			{ID: "s1", TemplateID: "ok", Cron: "* * * * *"},
			{ID: "s2", TemplateID: "absent", Cron: "* * * * *"},
			{ID: "s3", TemplateID: "ok", Cron: "bad"},
		},
		[]Target{{ID: "h1", Mode: ModeRemote}},
		[]NotificationPolicy{{ID: "p1", MinSeverity: "error", Channels: []string{"nochan"}}},
		nil,
	)
	err := cat.Validate(ValidateOptions{
		KnownJobType: func(n string) bool { return n == "shell" },
		ValidateCron: func(expr string) error {
			if expr == "bad" {
				return ErrInvalidExpression
			}
			return nil
		},
	})
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []error{ErrUnknownJobType, ErrEmptySelector, ErrUnknownTarget, ErrUnknownTemplate, ErrInvalidExpression, ErrUnknownChannel} {
		if !errors.Is(err, want) {
			t.Fatalf("missing %v in %v", want, err)
		}
	}
}

func TestValidateScheduleChecksItsTemplate(t *testing.T) {
	t.Parallel()

	errNoCommand := errors.New("missing command")
	opt := ValidateOptions{
		KnownJobType: func(n string) bool { return n == "shell" },
		ValidateParams: func(jobType string, params map[string]string) error {
			if params["command"] == "" {
				return errNoCommand
			}
			return nil
		},
	}
	cat := NewCatalog(
		[]JobTemplate{
			{ID: "ok", JobType: "shell", Selector: Selector{Kind: SelectAll}, Params: map[string]string{"command": "true"}},
			{ID: "bare", JobType: "shell", Selector: Selector{Kind: SelectAll}},
			{ID: "alien", JobType: "nope", Selector: Selector{Kind: SelectAll}},
		},
		nil, nil, nil, nil,
	)

	cases := []struct {
		tpl  string
		want error
	}{
		{"ok", nil},
		{"bare", errNoCommand},
		{"alien", ErrUnknownJobType},
	}
	for _, tc := range cases {
		err := cat.ValidateSchedule(Schedule{ID: "s", TemplateID: tc.tpl, Cron: "* * * * *"}, opt)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.tpl, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) || !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: err = %v, want %v", tc.tpl, err, tc.want)
		}
	}
	// Params of unknown job types are not consulted.
	if err := cat.ValidateSchedule(Schedule{ID: "s", TemplateID: "alien", Cron: "* * * * *"}, opt); errors.Is(err, errNoCommand) {
		t.Fatalf("params checked for unknown job type: %v", err)
	}
}

func TestCatalogTemplateReturnsCopy(t *testing.T) {
	t.Parallel()

	cat := NewCatalog([]JobTemplate{{ID: "t", Params: map[string]string{"k": "v"}}}, nil, nil, nil, nil)
	tpl, ok := cat.Template("t")
	if !ok {
		t.Fatalf("template not found")
	}
	tpl.Params["k"] = "changed"
	again, _ := cat.Template("t")
	if again.Params["k"] != "v" {
		t.Fatalf("catalog template mutated through copy")
	}
}
