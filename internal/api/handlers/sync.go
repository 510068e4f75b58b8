package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/rlindsay/depotsync/internal/depot"
)

// SyncHandler handles the engine's control endpoints.
type SyncHandler struct {
	Controller *depot.Controller
}

// rebuildRequest is the body of POST /api/rebuild.
type rebuildRequest struct {
	Incremental bool `json:"incremental"`
	// ForceFull bypasses the gap policy when Incremental is set.
	ForceFull bool `json:"forceFull"`
}

// rebuildResponse reports whether a job started. requiresFullScan=true
// means the gap policy refused the incremental attempt and nothing was
// started — a decision, not an error, so the status is still 200.
type rebuildResponse struct {
	Started               bool   `json:"started"`
	RequiresFullScan      bool   `json:"requiresFullScan"`
	Gap                   uint64 `json:"gap,omitempty"`
	EstimatedAffectedApps uint64 `json:"estimatedAffectedApps,omitempty"`
	JobID                 string `json:"jobId,omitempty"`
}

// Rebuild handles POST /api/rebuild — starts an incremental or full sync.
func (h *SyncHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	// An empty body means a full sync with defaults.
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body")
		return
	}

	mode := depot.ModeFull
	if req.Incremental {
		mode = depot.ModeIncremental
	}

	job, err := h.Controller.Start(context.Background(), depot.StartOptions{
		Mode:      mode,
		ForceFull: req.ForceFull,
	})

	var gapErr *depot.GapError
	switch {
	case errors.As(err, &gapErr):
		writeJSON(w, http.StatusOK, rebuildResponse{
			Started:               false,
			RequiresFullScan:      true,
			Gap:                   gapErr.Gap,
			EstimatedAffectedApps: gapErr.EstimatedAffectedApps,
		})
		return
	case errors.Is(err, depot.ErrBusy):
		writeError(w, http.StatusConflict, "SYNC_ALREADY_RUNNING", "A sync is already in progress")
		return
	case err != nil:
		slog.Error("sync: start", "mode", mode, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start sync")
		return
	}

	writeJSON(w, http.StatusAccepted, rebuildResponse{Started: true, JobID: job.ID})
}

// Cancel handles POST /api/cancel.
func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Controller.Cancel()
	if err != nil {
		if errors.Is(err, depot.ErrNoActiveJob) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_SYNC", "No sync is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": true,
		"jobId":     snap.JobID,
	})
}

// DownloadPrecreated handles POST /api/download-precreated — starts a
// snapshot import from the precomputed remote dataset.
func (h *SyncHandler) DownloadPrecreated(w http.ResponseWriter, r *http.Request) {
	job, err := h.Controller.Start(context.Background(), depot.StartOptions{Mode: depot.ModeSnapshot})
	if err != nil {
		if errors.Is(err, depot.ErrBusy) {
			writeError(w, http.StatusConflict, "SYNC_ALREADY_RUNNING", "A sync is already in progress")
			return
		}
		slog.Error("sync: start snapshot import", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start snapshot import")
		return
	}
	writeJSON(w, http.StatusAccepted, rebuildResponse{Started: true, JobID: job.ID})
}
