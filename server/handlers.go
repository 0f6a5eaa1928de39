package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/recording"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/watch"
)

// maxJoinBody bounds admin join payloads.
const maxJoinBody = 4 << 10

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusResponse is the /status body.
type statusResponse struct {
	Sessions   []session.Snapshot `json:"sessions"`
	Recordings []recording.Job    `json:"recordings"`
}

// HandleStatus reports every session and every active recording.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Sessions: []session.Snapshot{}, Recordings: []recording.Job{}}
	if h.deps.Sessions != nil {
		if s := h.deps.Sessions.Sessions(); s != nil {
			resp.Sessions = s
		}
	}
	if h.deps.Recordings != nil {
		if j := h.deps.Recordings.Active(); j != nil {
			resp.Recordings = j
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRecordings lists archived recording jobs. ?limit=N caps the result.
func (h *Handlers) HandleRecordings(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := h.deps.Archive.Recordings(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list recordings", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if rows == nil {
		rows = []db.RecordingRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": rows})
}

// joinRequest is the admin join payload. Omitted options fall back to
// Deps.JoinOptions.
type joinRequest struct {
	ClientID             string `json:"clientId"`
	Target               string `json:"target"`
	AutoReconnect        *bool  `json:"autoReconnect,omitempty"`
	RetryIntervalSeconds int    `json:"retryIntervalSeconds,omitempty"`
}

// HandleAdminJoin starts or replaces a session.
func (h *Handlers) HandleAdminJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJoinBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Target = strings.TrimPrefix(strings.TrimSpace(req.Target), "@")
	if req.ClientID == "" {
		req.ClientID = watch.ClientID(strings.ToLower(req.Target))
	}
	opts := h.deps.JoinOptions
	if req.AutoReconnect != nil {
		opts.EnableAutoReconnect = *req.AutoReconnect
	}
	if req.RetryIntervalSeconds > 0 {
		opts.RetryInterval = time.Duration(req.RetryIntervalSeconds) * time.Second
	}
	if err := h.deps.Sessions.Join(req.ClientID, req.Target, opts); err != nil {
		if errors.Is(err, session.ErrEmptyTarget) {
			writeError(w, http.StatusBadRequest, "target required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("admin join", slog.String("client_id", req.ClientID), slog.String("target", req.Target), slog.String("component", "http"))
	writeJSON(w, http.StatusAccepted, map[string]string{"clientId": req.ClientID, "target": req.Target})
}

// HandleAdminLeave tears a session down. Unknown ids are a no-op.
func (h *Handlers) HandleAdminLeave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("clientID")
	h.deps.Sessions.Leave(id)
	telemetry.LoggerWithCorr(r.Context()).Info("admin leave", slog.String("client_id", id), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleAdminRecordStart records the session's current stream.
func (h *Handlers) HandleAdminRecordStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recorder == nil {
		writeError(w, http.StatusNotFound, "recording disabled")
		return
	}
	job, err := h.deps.Recorder.Start(r.Context(), r.PathValue("clientID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, job)
	case errors.Is(err, watch.ErrNoSession):
		writeError(w, http.StatusNotFound, "no such session")
	case errors.Is(err, recording.ErrAlreadyRecording):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already recording", "jobId": job.JobID})
	case errors.Is(err, recording.ErrNoStreamURL):
		writeError(w, http.StatusConflict, "no stream url for session")
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("admin record start", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleAdminRecordStop stops the session's recording and waits for the
// encoder to exit. Remux continues in the background.
func (h *Handlers) HandleAdminRecordStop(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recorder == nil {
		writeError(w, http.StatusNotFound, "recording disabled")
		return
	}
	err := h.deps.Recorder.Stop(r.Context(), r.PathValue("clientID"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, recording.ErrNotRecording):
		writeError(w, http.StatusNotFound, "not recording")
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("admin record stop", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
