package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rlindsay/depotsync/internal/depot"
)

// SyncsHandler serves sync run history.
type SyncsHandler struct {
	Store *depot.Store
}

type syncItem struct {
	ID            int64   `json:"id"`
	JobID         string  `json:"job_id"`
	Mode          string  `json:"mode"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    *string `json:"finished_at"`
	BatchesTotal  int64   `json:"batches_total"`
	BatchesDone   int64   `json:"batches_done"`
	AppsTotal     int64   `json:"apps_total"`
	AppsDone      int64   `json:"apps_done"`
	MappingsFound int64   `json:"mappings_found"`
	StartChange   uint64  `json:"start_change"`
	EndChange     uint64  `json:"end_change"`
	Error         string  `json:"error,omitempty"`
}

func toSyncItem(it depot.HistoryItem) syncItem {
	out := syncItem{
		ID:            it.ID,
		JobID:         it.JobID,
		Mode:          it.Mode,
		Status:        it.Status,
		StartedAt:     it.StartedAt.UTC().Format(time.RFC3339),
		BatchesTotal:  it.BatchesTotal,
		BatchesDone:   it.BatchesDone,
		AppsTotal:     it.AppsTotal,
		AppsDone:      it.AppsDone,
		MappingsFound: it.MappingsFound,
		StartChange:   it.StartChange,
		EndChange:     it.EndChange,
		Error:         it.Error,
	}
	if it.FinishedAt != nil {
		s := it.FinishedAt.UTC().Format(time.RFC3339)
		out.FinishedAt = &s
	}
	return out
}

// List handles GET /api/syncs — returns run history newest first.
func (h *SyncsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	items, total, err := h.Store.History(r.Context(), limit, offset)
	if err != nil {
		slog.Error("syncs list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	out := make([]syncItem, 0, len(items))
	for _, it := range items {
		out = append(out, toSyncItem(it))
	}

	writeJSON(w, http.StatusOK, ListResponse[syncItem]{
		Items:  out,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/syncs/:id.
func (h *SyncsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid sync ID")
		return
	}

	it, err := h.Store.HistoryByID(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Sync not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSyncItem(it))
}
