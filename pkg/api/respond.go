package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto the HTTP taxonomy. Messages pass
// through the output hygiene chain; they may echo user input.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Error: security.Sanitize(err.Error(), 512),
		Code:  code,
	})
}

// writeInvalid reports a malformed request body. Decode errors carry no
// sentinel, so they bypass classify.
func (s *Server) writeInvalid(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error: security.Sanitize(err.Error(), 512),
		Code:  "validation",
	})
}

// classify maps domain errors to status codes. Validation problems are
// 400, missing or foreign labs are an indistinguishable 404, state and
// capacity conflicts are 409. Everything unrecognized is a 500.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, manager.ErrOwnerRequired),
		errors.Is(err, manager.ErrRecipeRequired),
		errors.Is(err, security.ErrInvalidLabID),
		errors.Is(err, runtime.ErrUnknownRuntime),
		errors.Is(err, runtime.ErrRuntimeNotReady),
		errors.Is(err, reconciler.ErrUnknownAction):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrLabTerminal),
		errors.Is(err, storage.ErrStatusConflict),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, network.ErrPortExhausted):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
