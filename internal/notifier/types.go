package notifier

import (
	"context"
	"time"

	"fleetrun/internal/model"
)

// Event types published on the bus.
const (
	EventSent    = "notify.sent"
	EventFailed  = "notify.failed"
	EventDropped = "notify.dropped"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// DeliveryStore records delivery attempts. storage.Store satisfies it.
type DeliveryStore interface {
	AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error
}

// DeliveryEvent is emitted on the event bus for each delivery attempt.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	RunID     string         `json:"run_id"`
	PolicyID  string         `json:"policy_id"`
	ChannelID string         `json:"channel_id"`
	Severity  model.Severity `json:"severity"`
	At        time.Time      `json:"at"`
	Error     string         `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled   bool                   `json:"enabled"`
	Running   bool                   `json:"running"`
	Workers   int                    `json:"workers"`
	QueueLen  int                    `json:"queue_len"`
	QueueCap  int                    `json:"queue_cap"`
	Policies  int                    `json:"policies"`
	Channels  []string               `json:"channels"`
	Sent      uint64                 `json:"sent"`
	Failed    uint64                 `json:"failed"`
	Dropped   uint64                 `json:"dropped"`
	RateState int                    `json:"rate_state"`
	History   []model.DeliveryRecord `json:"history"`
}
