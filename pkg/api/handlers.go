package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/runtime"
)

// maxBodyBytes caps request bodies. The largest legitimate payload is
// an ingest batch, and even a full rate window fits well under this.
const maxBodyBytes = 1 << 20

// ownerID extracts the tenant identity the gateway resolved upstream.
func ownerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Owner-ID"))
}

// decodeJSON reads one JSON body with a size cap. An empty body leaves
// the target at its zero value, which suits the all-optional admin
// requests.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type createLabRequest struct {
	RecipeID string `json:"recipe_id"`
	Intent   string `json:"intent,omitempty"`
}

func (s *Server) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	var req createLabRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeInvalid(w, err)
		return
	}

	lab, err := s.manager.CreateLab(r.Context(), ownerID(r), req.RecipeID, req.Intent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewLab(lab))
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.manager.ListLabs(r.Context(), ownerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLabs(labs))
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.manager.GetLab(r.Context(), mux.Vars(r)["id"], ownerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLab(lab))
}

func (s *Server) handleStopLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.manager.StopLab(r.Context(), mux.Vars(r)["id"], ownerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Teardown happens asynchronously; the caller polls for FINISHED.
	writeJSON(w, http.StatusAccepted, viewLab(lab))
}

type ingestRequest struct {
	Events []evidence.IngestEvent `json:"events"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeInvalid(w, err)
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "events are required", Code: "validation"})
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), mux.Vars(r)["id"], req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// A batch the rate limiter rejected wholesale tells the sensor to
	// back off; partial acceptance is still an accept.
	status := http.StatusAccepted
	if result.Accepted == 0 && result.RateLimited > 0 {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, runtimeView{
		Runtime:    s.selector.Current(),
		Overridden: s.selector.Overridden(),
	})
}

type overrideRequest struct {
	Runtime string `json:"runtime"`
	Actor   string `json:"actor,omitempty"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeInvalid(w, err)
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	if err := s.selector.Override(r.Context(), req.Runtime, actor); err != nil {
		s.writeError(w, r, err)
		return
	}

	current := s.selector.Current()
	if s.broker != nil {
		s.broker.Publish(events.NewLabEvent(events.EventRuntimeOverride, "",
			fmt.Sprintf("runtime pinned to %s", current)).
			WithMeta("actor", actor))
	}
	writeJSON(w, http.StatusOK, runtimeView{
		Runtime:    current,
		Overridden: s.selector.Overridden(),
	})
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	kind := s.selector.Current()
	if raw := r.URL.Query().Get("runtime"); raw != "" {
		parsed, err := runtime.ParseKind(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		kind = parsed
	}

	report := s.doctor.Check(r.Context(), kind)
	writeJSON(w, http.StatusOK, viewDoctor(report))
}

type retentionRequest struct {
	OlderThanHours int  `json:"older_than_hours,omitempty"`
	Execute        bool `json:"execute,omitempty"`
	Limit          int  `json:"limit,omitempty"`
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeInvalid(w, err)
		return
	}

	opts := evidence.RetentionOptions{Execute: req.Execute, Limit: req.Limit}
	if req.OlderThanHours > 0 {
		opts.OlderThan = time.Duration(req.OlderThanHours) * time.Hour
	}

	report, err := s.retention.Run(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type gcRequest struct {
	DryRun         bool `json:"dry_run,omitempty"`
	IncludeVolumes bool `json:"include_volumes,omitempty"`
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	var req gcRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeInvalid(w, err)
		return
	}

	report, err := s.gc.Run(r.Context(), evidence.GCOptions{
		DryRun:         req.DryRun,
		IncludeVolumes: req.IncludeVolumes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type watchdogRequest struct {
	LabID            string `json:"lab_id,omitempty"`
	OlderThanMinutes int    `json:"older_than_minutes,omitempty"`
	MaxLabs          int    `json:"max_labs,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
	Action           string `json:"action,omitempty"`
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	var req watchdogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeInvalid(w, err)
		return
	}

	opts := reconciler.WatchdogOptions{
		LabID:   req.LabID,
		MaxLabs: req.MaxLabs,
		DryRun:  req.DryRun,
		Action:  req.Action,
	}
	if req.OlderThanMinutes > 0 {
		opts.OlderThan = time.Duration(req.OlderThanMinutes) * time.Minute
	}

	report, err := s.watchdog.Run(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
