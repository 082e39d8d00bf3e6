package channel

import (
	"context"
	"strings"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

// Log writes notifications to the application log. Useful as a fallback
// destination and in development.
type Log struct {
	log   logx.Logger
	level string
}

// NewLog builds a log channel. Setting "level" (info|warn|error) pins the log
// level; by default it follows the message severity.
func NewLog(cfg model.Channel, deps Deps) (Channel, error) {
	return &Log{
		log:   deps.Log.With(logx.String("channel", cfg.ID)),
		level: strings.ToLower(setting(cfg, "level")),
	}, nil
}

func (l *Log) Send(_ context.Context, msg Message) error {
	fields := []logx.Field{
		logx.String("severity", string(msg.Severity)),
		logx.String("run_id", msg.RunID),
		logx.String("policy", msg.PolicyID),
		logx.String("text", msg.Text),
	}
	lvl := l.level
	if lvl == "" {
		switch msg.Severity {
		case model.SeverityError:
			lvl = "error"
		case model.SeverityWarning:
			lvl = "warn"
		default:
			lvl = "info"
		}
	}
	switch lvl {
	case "error":
		l.log.Error("notification", fields...)
	case "warn", "warning":
		l.log.Warn("notification", fields...)
	default:
		l.log.Info("notification", fields...)
	}
	return nil
}
