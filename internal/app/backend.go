package app

import (
	"context"
	"errors"
	"time"

	"fleetrun/internal/api"
	"fleetrun/internal/config"
	"fleetrun/internal/model"
	"fleetrun/internal/task/scheduler"
	logx "fleetrun/pkg/logx"
)

var _ api.Backend = (*App)(nil)

func (a *App) TriggerRunNow(ctx context.Context, templateID string, overrides map[string]string) (string, error) {
	// The run outlives the request.
	return a.sched.RunNow(context.WithoutCancel(ctx), templateID, overrides)
}

func (a *App) GetRun(ctx context.Context, runID string) (model.JobRun, error) {
	return a.engine.Get(ctx, runID)
}

func (a *App) ListRuns(ctx context.Context, limit int) ([]model.JobRun, error) {
	return a.engine.List(ctx, limit)
}

func (a *App) CancelRun(runID string) error { return a.engine.Cancel(runID) }

// ListDeliveries reads from storage when configured, otherwise from the
// notifier's in-memory history.
func (a *App) ListDeliveries(ctx context.Context, runID string) ([]model.DeliveryRecord, error) {
	if a.store != nil {
		return a.store.ListDeliveries(ctx, runID)
	}
	var out []model.DeliveryRecord
	for _, rec := range a.notif.Snapshot().History {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ReloadSchedules swaps in a catalog supplied by a caller other than the config
// file. Rejected schedules are reported in the returned error; the valid ones
// still take effect.
func (a *App) ReloadSchedules(cat *model.Catalog) error {
	if cat == nil {
		cat = model.EmptyCatalog()
	}
	err := a.sched.Reload(cat)
	if nerr := a.notif.SetCatalog(cat.Policies, cat.Channels); nerr != nil {
		a.log.Warn("some channels are unavailable", logx.Err(nerr))
	}
	return err
}

func (a *App) Schedules() scheduler.Snapshot { return a.sched.Snapshot() }

func (a *App) ListDueInNext(d time.Duration) []scheduler.Upcoming { return a.sched.ListDueInNext(d) }

// ReloadConfig re-reads the config file now instead of waiting for the watcher.
// The committed config is applied asynchronously by the reload loop.
func (a *App) ReloadConfig(ctx context.Context) (bool, error) {
	if _, err := a.cfgm.Reload(ctx); err != nil {
		if errors.Is(err, config.ErrUnchanged) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *App) Health() map[string]any {
	es := a.engine.Snapshot()
	ss := a.sched.Snapshot()
	ns := a.notif.Snapshot()
	out := map[string]any{
		"engine": map[string]any{
			"running":      es.Running,
			"active_runs":  es.ActiveRuns,
			"circuit_open": es.CircuitOpen,
		},
		"scheduler": map[string]any{
			"running":   ss.Running,
			"schedules": len(ss.Schedules),
			"rejected":  ss.Rejected,
			"last_tick": ss.LastTick,
		},
		"notifier": map[string]any{
			"running": ns.Running,
			"sent":    ns.Sent,
			"failed":  ns.Failed,
			"dropped": ns.Dropped,
		},
		"ssh_pool": a.ssh.PoolSize(),
		"storage":  a.store != nil,
	}
	if a.sup != nil {
		out["uptime"] = time.Since(a.startedAt).Round(time.Second).String()
		if err := a.sup.Err(); err != nil {
			out["error"] = err.Error()
		}
	}
	return out
}
