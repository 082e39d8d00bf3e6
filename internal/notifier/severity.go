package notifier

import "fleetrun/internal/model"

// SeverityFor maps a run status to a notification severity.
func SeverityFor(st model.RunStatus) model.Severity {
	switch st {
	case model.RunFailed, model.RunTimedOut:
		return model.SeverityError
	case model.RunPartiallyFailed, model.RunCancelled:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}
