package handlers

import (
	"net/http"
	"time"

	"github.com/rlindsay/depotsync/internal/depot"
	"github.com/rlindsay/depotsync/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Controller *depot.Controller
	Sched      *scheduler.Scheduler
	Version    string
}

type statusResponse struct {
	Version  string       `json:"version"`
	Sync     syncInfo     `json:"sync"`
	Schedule scheduleInfo `json:"schedule"`
}

type syncInfo struct {
	IsRunning          bool   `json:"is_running"`
	Status             string `json:"status"`
	Mode               string `json:"mode,omitempty"`
	DepotMappingsFound int64  `json:"depot_mappings_found"`
	LastChangeNumber   uint64 `json:"last_change_number"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the service status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.Controller.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Version: h.Version,
		Sync: syncInfo{
			IsRunning:          snap.IsRunning,
			Status:             string(snap.Status),
			Mode:               snap.Mode,
			DepotMappingsFound: snap.MappingsFoundTotal,
			LastChangeNumber:   snap.LastChangeNumber,
		},
		Schedule: scheduleInfo{
			Cron:      h.Sched.CronExpr(),
			NextRunAt: h.Sched.NextRunAt(),
		},
	})
}
