package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rlindsay/depotsync/internal/depot"
)

// MappingsHandler serves read-only depot mapping lookups.
type MappingsHandler struct {
	Store *depot.Store
}

type mappingItem struct {
	DepotID    uint64 `json:"depot_id"`
	AppID      uint32 `json:"app_id"`
	GameName   string `json:"game_name"`
	ObservedAt string `json:"observed_at"`
}

// List handles GET /api/mappings?depot_id=&limit=&offset=.
func (h *MappingsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var depotID uint64
	if v := r.URL.Query().Get("depot_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_DEPOT_ID", "Invalid depot_id")
			return
		}
		depotID = n
	}

	mappings, err := h.Store.Mappings(r.Context(), depotID, limit, offset)
	if err != nil {
		slog.Error("mappings list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	items := make([]mappingItem, 0, len(mappings))
	for _, m := range mappings {
		items = append(items, mappingItem{
			DepotID:    m.DepotID,
			AppID:      m.AppID,
			GameName:   m.GameName,
			ObservedAt: m.ObservedAt.UTC().Format(time.RFC3339),
		})
	}

	total, err := h.Store.MappingCount(r.Context())
	if err != nil {
		total = int64(len(items))
	}

	writeJSON(w, http.StatusOK, ListResponse[mappingItem]{
		Items:  items,
		Total:  int(total),
		Limit:  limit,
		Offset: offset,
	})
}
