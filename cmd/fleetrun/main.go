package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"fleetrun/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "fleetrun",
		Short:         "Scheduled job runner for a fleet of hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./fleetrun.yaml", "path to config (yaml or json)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newValidateCmd(&cfgPath),
		newNextCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		newCancelCmd(&cfgPath),
	)
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, coordinator, notifier and API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfgPath)
		},
	}
}

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	// No-op outside systemd (NOTIFY_SOCKET unset).
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.ValidateFile(*cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d targets, %d templates, %d schedules, %d policies, %d channels\n",
				len(cfg.Targets), len(cfg.Templates), len(cfg.Schedules), len(cfg.Policies), len(cfg.Channels))
			return nil
		},
	}
}

func newNextCmd(cfgPath *string) *cobra.Command {
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview upcoming scheduled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			up, err := app.PreviewFile(*cfgPath, within)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(up) == 0 {
				fmt.Fprintf(out, "nothing due within %s\n", within)
				return nil
			}
			for _, u := range up {
				fmt.Fprintf(out, "%s  %-20s %s\n", u.At.Format(time.RFC3339), u.ScheduleID, u.TemplateID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&within, "within", 24*time.Hour, "preview window")
	return cmd
}
