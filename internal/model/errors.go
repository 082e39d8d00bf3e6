package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration is the root of every load-time configuration failure.
	ErrConfiguration     = errors.New("configuration error")
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrEmptySelector     = errors.New("empty selector")
	ErrUnknownTemplate   = errors.New("unknown job template")
	ErrUnknownTarget     = errors.New("unknown target")
	ErrUnknownChannel    = errors.New("unknown channel")

	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
	ErrNotRunning  = errors.New("service not running")
	ErrOverlapSkip = errors.New("run skipped due to overlap policy")
	ErrCircuitOpen = errors.New("target skipped: circuit breaker open")
)

// ConfigurationError reports an invalid schedule, template, target, policy or channel.
// It is raised at load time, never at fire time.
type ConfigurationError struct {
	Object string // e.g. "schedule", "template"
	ID     string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Object, e.ID, e.Err)
}

func (e *ConfigurationError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

// ConfigErr builds a ConfigurationError.
func ConfigErr(object, id string, err error) error {
	return &ConfigurationError{Object: object, ID: id, Err: err}
}

// ConnectionError means the transport to a target could not be established.
type ConnectionError struct {
	TargetID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.TargetID, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError means the operation ran and failed. ExitCode is -1 when unknown.
type ExecutionError struct {
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %v", e.ExitCode, e.Err)
}
func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError means the per-target deadline expired.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After <= 0 {
		return "timed out"
	}
	return "timed out after " + e.After.String()
}
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// CancellationError means the run was cancelled while the target was pending or in flight.
type CancellationError struct{}

func (e *CancellationError) Error() string { return "cancelled" }
func (e *CancellationError) Unwrap() error { return context.Canceled }

// TemplateRenderError reports a notification template that failed to parse or execute.
// It never changes the run's status.
type TemplateRenderError struct {
	PolicyID string
	Err      error
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("render template for policy %q: %v", e.PolicyID, e.Err)
}
func (e *TemplateRenderError) Unwrap() error { return e.Err }

// ChannelDeliveryError reports a failed channel send. It is logged, never retried.
type ChannelDeliveryError struct {
	ChannelID string
	Err       error
}

func (e *ChannelDeliveryError) Error() string {
	return fmt.Sprintf("deliver to channel %q: %v", e.ChannelID, e.Err)
}
func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// StatusOf classifies an invocation error into a target status.
// nil is success. Timeouts are checked before cancellation because a
// deadline also cancels the context.
func StatusOf(err error) TargetStatus {
	if err == nil {
		return TargetSucceeded
	}
	var (
		te *TimeoutError
		ce *ConnectionError
		xe *CancellationError
	)
	switch {
	case errors.As(err, &te):
		return TargetTimedOut
	case errors.As(err, &ce):
		return TargetConnectionError
	case errors.As(err, &xe):
		return TargetCancelled
	}
	return TargetFailed
}
