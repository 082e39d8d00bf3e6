package notifier

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"fleetrun/internal/model"
)

// DefaultTemplate is used by policies without a template.
const DefaultTemplate = `[{{upper .severity}}] {{.template_name}} {{.status}}: {{.targets_succeeded}}/{{.targets_total}} targets succeeded in {{.duration}} (run {{.run_id}})
{{- range .results}}{{if ne .status "succeeded"}}
- {{.target}}: {{.status}} (exit {{.exit_code}}){{end}}{{end}}`

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	// truncate keeps at most n runes of s.
	"truncate": func(n int, s string) string {
		r := []rune(s)
		if n < 0 || len(r) <= n {
			return s
		}
		return string(r[:n])
	},
}

// Vars builds the template variable map for run.
func Vars(run model.JobRun) map[string]any {
	counts := run.CountByStatus()
	results := make([]map[string]any, 0, len(run.Results))
	for _, r := range run.Results {
		results = append(results, map[string]any{
			"target":    r.TargetID,
			"status":    string(r.Status),
			"exit_code": r.ExitCode,
			"duration":  formatDuration(r.Duration),
			"output":    r.Output,
		})
	}
	name := run.TemplateName
	if name == "" {
		name = run.TemplateID
	}
	return map[string]any{
		"run_id":                   run.ID,
		"status":                   string(run.Status),
		"severity":                 string(SeverityFor(run.Status)),
		"job_type":                 run.JobType,
		"template_id":              run.TemplateID,
		"template_name":            name,
		"schedule_id":              run.ScheduleID,
		"trigger":                  string(run.Trigger),
		"started_at":               formatTime(run.StartedAt),
		"ended_at":                 formatTime(run.EndedAt),
		"duration":                 formatDuration(run.Duration()),
		"targets_total":            len(run.Results),
		"targets_succeeded":        counts[model.TargetSucceeded],
		"targets_failed":           counts[model.TargetFailed],
		"targets_timed_out":        counts[model.TargetTimedOut],
		"targets_connection_error": counts[model.TargetConnectionError],
		"targets_cancelled":        counts[model.TargetCancelled],
		"results":                  results,
		"error":                    run.Error,
	}
}

// Render executes text (DefaultTemplate when empty) against run's variables.
func Render(text string, run model.JobRun) (string, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tpl, err := template.New("notification").Funcs(templateFuncs).Option("missingkey=default").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, Vars(run)); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// degraded is sent when a policy template cannot be rendered.
func degraded(run model.JobRun) string {
	counts := run.CountByStatus()
	name := run.TemplateName
	if name == "" {
		name = run.TemplateID
	}
	return fmt.Sprintf("[%s] %s %s: %d/%d targets succeeded (run %s; notification template failed, showing fallback)",
		strings.ToUpper(string(SeverityFor(run.Status))), name, run.Status,
		counts[model.TargetSucceeded], len(run.Results), run.ID)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Millisecond).String()
}
