package model

import (
	"fmt"
	"strings"
)

type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
	RunTimedOut        RunStatus = "timed_out"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether s is a final run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartiallyFailed, RunFailed, RunTimedOut, RunCancelled:
		return true
	}
	return false
}

type TargetStatus string

const (
	TargetPending         TargetStatus = "pending"
	TargetSucceeded       TargetStatus = "succeeded"
	TargetFailed          TargetStatus = "failed"
	TargetTimedOut        TargetStatus = "timed_out"
	TargetConnectionError TargetStatus = "connection_error"
	TargetCancelled       TargetStatus = "cancelled"
)

// Severity orders notification importance: info < warning < error.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank returns the ordinal used for ">= minimum" comparisons.
// An empty severity ranks as info.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// ParseSeverity accepts "info", "warning"/"warn" and "error", case-insensitively.
// An empty string parses as info.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	}
	return "", fmt.Errorf("%w: unknown severity %q", ErrConfiguration, v)
}
