package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetrun/internal/model"
)

func TestParseParams(t *testing.T) {
	t.Parallel()

	got, err := parseParams([]string{"unit=nginx", " action =restart", "expr=a=b"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if got["unit"] != "nginx" || got["action"] != "restart" || got["expr"] != "a=b" {
		t.Fatalf("params = %v", got)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestRunCommandWaitsForResult(t *testing.T) {
	t.Parallel()

	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/runs":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["template_id"] != "restart" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"unknown template"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"run_id":"r1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/runs/r1":
			polls++
			st := model.RunRunning
			if polls > 1 {
				st = model.RunFailed
			}
			_ = json.NewEncoder(w).Encode(model.JobRun{ID: "r1", TemplateID: "restart", Status: st,
				Results: []model.TargetResult{{TargetID: "web1", Status: model.TargetFailed, ExitCode: 1}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "restart", "--api", srv.URL, "--wait", "--poll", "5ms", "-p", "unit=nginx"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("Execute err = %v", err)
	}
	if !strings.Contains(out.String(), "r1") || !strings.Contains(out.String(), "web1") {
		t.Fatalf("output = %q", out.String())
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "nope", "--api", srv.URL})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "unknown template") {
		t.Fatalf("unknown template err = %v", err)
	}
}
