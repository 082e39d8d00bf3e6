package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleetrun/internal/api"
	"fleetrun/internal/config"
	"fleetrun/internal/model"
)

// client talks to a running "fleetrun serve" over the HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(cfgPath, override string) *client {
	addr := strings.TrimSpace(override)
	if addr == "" {
		addr = api.DefaultAddr
		if cfg, err := config.NewConfigManager(cfgPath).Parse(); err == nil && strings.TrimSpace(cfg.API.Addr) != "" {
			addr = strings.TrimSpace(cfg.API.Addr)
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *client) getRun(ctx context.Context, id string) (model.JobRun, error) {
	var run model.JobRun
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &run)
	return run, err
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var (
		addr   string
		params []string
		wait   bool
		poll   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <template>",
		Short: "Trigger a template now on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseParams(params)
			if err != nil {
				return err
			}
			c := newClient(*cfgPath, addr)
			ctx := cmd.Context()

			var created struct {
				RunID string `json:"run_id"`
			}
			body := map[string]any{"template_id": args[0]}
			if len(overrides) > 0 {
				body["params"] = overrides
			}
			if err := c.do(ctx, http.MethodPost, "/v1/runs", body, &created); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, created.RunID)
			if !wait {
				return nil
			}

			t := time.NewTicker(poll)
			defer t.Stop()
			for {
				run, err := c.getRun(ctx, created.RunID)
				if err != nil {
					return err
				}
				if run.Status.Terminal() {
					printRun(out, run)
					if run.Status != model.RunSucceeded {
						return fmt.Errorf("run %s %s", run.ID, run.Status)
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "api", "", "API address (default: api.addr from config)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter override key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "poll interval with --wait")
	return cmd
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient(*cfgPath, addr).getRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "api", "", "API address (default: api.addr from config)")
	return cmd
}

func newCancelCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(*cfgPath, addr).do(cmd.Context(), http.MethodPost, "/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "api", "", "API address (default: api.addr from config)")
	return cmd
}

func parseParams(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.New("--param must be key=value, got " + kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printRun(w io.Writer, run model.JobRun) {
	fmt.Fprintf(w, "run %s  template=%s  status=%s\n", run.ID, run.TemplateID, run.Status)
	for _, r := range run.Results {
		line := fmt.Sprintf("  %-20s %-16s exit=%d attempts=%d", r.TargetID, r.Status, r.ExitCode, r.Attempts)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Fprintln(w, line)
	}
}
