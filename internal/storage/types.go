package storage

import (
	"context"
	"errors"
	"time"

	"fleetrun/internal/model"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Path is used by the file and sqlite drivers, DSN by postgres.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRuns bounds how many runs the file driver keeps after compaction.
	MaxRuns int
}

// Store is the persistence API used by the coordinator and the notifier.
type Store interface {
	SaveRun(ctx context.Context, run model.JobRun) error
	// GetRun returns model.ErrRunNotFound (wrapped) for unknown ids.
	GetRun(ctx context.Context, id string) (model.JobRun, error)
	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]model.JobRun, error)
	// ListUnfinishedRuns returns every stored run that is still pending or
	// running, newest first.
	ListUnfinishedRuns(ctx context.Context) ([]model.JobRun, error)
	AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error
	// ListDeliveries returns the delivery records of runID, oldest first.
	ListDeliveries(ctx context.Context, runID string) ([]model.DeliveryRecord, error)
	Close() error
}

const defaultMaxRuns = 5000
