package handlers

import (
	"net/http"

	"github.com/rlindsay/depotsync/internal/depot"
	"github.com/rlindsay/depotsync/internal/scheduler"
)

// ProgressHandler handles GET /api/progress: the poll transport for the
// sync engine's state, and the reconciliation read for push clients.
type ProgressHandler struct {
	Controller *depot.Controller
	Sched      *scheduler.Scheduler
}

// progressResponse is the wire shape of a job snapshot. nextCrawlIn is
// canonically whole seconds as an integer; clients needing a countdown
// string format it themselves.
type progressResponse struct {
	IsRunning bool   `json:"isRunning"`
	Status    string `json:"status"`
	ScanMode  string `json:"scanMode"`

	TotalBatches     int64   `json:"totalBatches"`
	ProcessedBatches int64   `json:"processedBatches"`
	TotalApps        int64   `json:"totalApps"`
	ProcessedApps    int64   `json:"processedApps"`
	ProgressPercent  float64 `json:"progressPercent"`

	DepotMappingsFound          int64 `json:"depotMappingsFound"`
	DepotMappingsFoundInSession int64 `json:"depotMappingsFoundInSession"`

	LastChangeNumber    uint64 `json:"lastChangeNumber"`
	CurrentChangeNumber uint64 `json:"currentChangeNumber"`

	IsReady         bool   `json:"isReady"`
	NextCrawlIn     int64  `json:"nextCrawlIn"`
	IsConnected     bool   `json:"isConnected"`
	IsLoggedOn      bool   `json:"isLoggedOn"`
	CancelRequested bool   `json:"cancelRequested"`
	ErrorDetail     string `json:"errorDetail,omitempty"`
}

// toProgressResponse converts an engine snapshot plus the scheduler
// countdown into the wire shape.
func toProgressResponse(s depot.Snapshot, nextCrawlIn int64) progressResponse {
	return progressResponse{
		IsRunning:                   s.IsRunning,
		Status:                      string(s.Status),
		ScanMode:                    s.Mode,
		TotalBatches:                s.TotalBatches,
		ProcessedBatches:            s.ProcessedBatches,
		TotalApps:                   s.TotalApps,
		ProcessedApps:               s.ProcessedApps,
		ProgressPercent:             s.ProgressPercent,
		DepotMappingsFound:          s.MappingsFoundTotal,
		DepotMappingsFoundInSession: s.MappingsFoundThisSession,
		LastChangeNumber:            s.LastChangeNumber,
		CurrentChangeNumber:         s.CurrentChangeNumber,
		IsReady:                     s.MappingsFoundTotal > 0,
		NextCrawlIn:                 nextCrawlIn,
		IsConnected:                 s.IsConnected,
		IsLoggedOn:                  s.IsLoggedOn,
		CancelRequested:             s.CancelRequested,
		ErrorDetail:                 s.ErrorDetail,
	}
}

// ServeHTTP returns the current snapshot as JSON.
func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toProgressResponse(h.Controller.Snapshot(), h.Sched.NextRunIn()))
}
