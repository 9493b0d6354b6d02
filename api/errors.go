package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/guseggert/stdiogateway/supervisor"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// StatusError is returned by Client when the gateway answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
	Details string
}

func (e *StatusError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("gateway returned %d: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message)
}

// statusFor maps gateway errors to an HTTP status and a short client-facing message.
func statusFor(err error) (int, string) {
	var launchErr *supervisor.LaunchError
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		return http.StatusNotFound, "server not found"
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusNotFound, "server not running"
	case errors.As(err, &launchErr):
		return http.StatusInternalServerError, "failed to start server"
	case errors.Is(err, supervisor.ErrTooManySubscribers):
		return http.StatusServiceUnavailable, "too many subscribers"
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable, "gateway is shutting down"
	case errors.Is(err, supervisor.ErrNotAvailable):
		return http.StatusServiceUnavailable, "server not available"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request canceled"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	resp := ErrorResponse{Error: msg}
	if !errors.Is(err, supervisor.ErrNotFound) {
		resp.Details = err.Error()
	}
	if code == http.StatusInternalServerError {
		s.log.Errorw("request failed", "Error", err)
	} else {
		s.log.Debugw("request failed", "Status", code, "Error", err)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
