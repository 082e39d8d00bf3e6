// Package notifier decides which finished runs produce operator
// notifications and delivers them.
//
// # Policy engine
//
// Engine.Evaluate matches a run against the notification policies (job type,
// target tags, minimum severity), applies each policy's sliding-window rate
// limit and renders the policy template. It is pure apart from the rate-limit
// counters, which are guarded by a mutex that is never held across I/O.
//
// # Template variables
//
// Policy templates use text/template over a map with these keys:
//
//	run_id, status, severity, job_type, template_id, template_name,
//	schedule_id, trigger, started_at, ended_at (RFC 3339), duration,
//	targets_total, targets_succeeded, targets_failed, targets_timed_out,
//	targets_connection_error, targets_cancelled, error,
//	results (list of {target, status, exit_code, duration, output})
//
// Unknown keys render as "<no value>". A template that fails to parse or
// execute is replaced by a built-in degraded message and the error is
// reported with the delivery.
//
// # Dispatch
//
// Service is the async delivery pipeline: queue + worker pool + rate limit.
// Channel failures are logged and recorded, never retried and never
// propagated back to the run.
package notifier
