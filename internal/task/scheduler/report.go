package scheduler

import (
	"errors"
	"time"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

const warnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(scheduleID string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, model.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", scheduleID), logx.Err(err))
		return
	}
	s.warnThrottled(scheduleID, "schedule failed to start run", err)
}

// warnThrottled logs at most one warning per key every warnThrottle.
func (s *Service) warnThrottled(key, msg string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()

	s.log.Warn(msg, logx.String("key", key), logx.Err(err))
}
