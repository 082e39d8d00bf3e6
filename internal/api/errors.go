package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetrun/internal/model"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrRunNotFound), errors.Is(err, model.ErrUnknownTemplate):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRunFinished), errors.Is(err, model.ErrOverlapSkip):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrConfiguration),
		errors.Is(err, model.ErrInvalidExpression),
		errors.Is(err, model.ErrUnknownJobType),
		errors.Is(err, model.ErrEmptySelector),
		errors.Is(err, model.ErrUnknownTarget):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
