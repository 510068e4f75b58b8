// Package depot implements the depot-mapping synchronization engine:
// the background job that keeps the depot_mappings table current against
// the external catalog service and re-tags download records as mappings
// arrive.
package depot

import (
	"sync/atomic"
	"time"
)

// Mode selects the acquisition strategy for a sync run.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
	// ModeSnapshot imports a precomputed dataset from a fixed remote
	// location instead of crawling the catalog. Reported to clients as
	// scan mode "github".
	ModeSnapshot Mode = "snapshot"
)

// wireName is the scan-mode string exposed on the progress API.
func (m Mode) wireName() string {
	if m == ModeSnapshot {
		return "github"
	}
	return string(m)
}

// Status is the lifecycle state of a sync job.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusStarting       Status = "starting"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusCrawling       Status = "crawling"
	StatusApplying       Status = "applying"
	StatusComplete       Status = "complete"
	StatusError          Status = "error"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether the status ends a job.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Job is the single in-flight sync run. It is mutated only by the worker
// goroutine executing it; counter fields are atomic so progress snapshots
// can be built from other goroutines without locks.
type Job struct {
	ID        string
	HistoryID int64
	Mode      Mode
	StartedAt time.Time

	status atomic.Value // Status

	ProcessedBatches atomic.Int64
	TotalBatches     atomic.Int64
	ProcessedApps    atomic.Int64
	TotalApps        atomic.Int64
	MappingsFound    atomic.Int64 // found by this run

	LastChangeNumber    atomic.Uint64 // change number the run started from
	CurrentChangeNumber atomic.Uint64 // service-side change number once known

	IsConnected atomic.Bool
	IsLoggedOn  atomic.Bool

	CancelRequested atomic.Bool

	errorDetail atomic.Value // string
}

func newJob(id string, historyID int64, mode Mode, lastChange uint64) *Job {
	j := &Job{
		ID:        id,
		HistoryID: historyID,
		Mode:      mode,
		StartedAt: time.Now(),
	}
	j.status.Store(StatusStarting)
	j.errorDetail.Store("")
	j.LastChangeNumber.Store(lastChange)
	return j
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	return j.status.Load().(Status)
}

func (j *Job) setStatus(s Status) {
	j.status.Store(s)
}

// ErrorDetail returns the failure description for a job in StatusError.
func (j *Job) ErrorDetail() string {
	return j.errorDetail.Load().(string)
}

func (j *Job) setErrorDetail(msg string) {
	j.errorDetail.Store(msg)
}

// Snapshot is an immutable copy of a job's observable state, published
// through the Broadcaster and served by the progress API.
type Snapshot struct {
	JobID     string    `json:"jobId"`
	Mode      string    `json:"scanMode"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`

	IsRunning bool `json:"isRunning"`

	ProcessedBatches int64   `json:"processedBatches"`
	TotalBatches     int64   `json:"totalBatches"`
	ProcessedApps    int64   `json:"processedApps"`
	TotalApps        int64   `json:"totalApps"`
	ProgressPercent  float64 `json:"progressPercent"`

	MappingsFoundThisSession int64 `json:"depotMappingsFoundInSession"`
	MappingsFoundTotal       int64 `json:"depotMappingsFound"`

	LastChangeNumber    uint64 `json:"lastChangeNumber"`
	CurrentChangeNumber uint64 `json:"currentChangeNumber"`

	IsConnected     bool   `json:"isConnected"`
	IsLoggedOn      bool   `json:"isLoggedOn"`
	CancelRequested bool   `json:"cancelRequested"`
	ErrorDetail     string `json:"errorDetail,omitempty"`
}

// snapshot builds a point-in-time copy. mappingsTotal is the current
// depot_mappings row count, supplied by the caller.
func (j *Job) snapshot(mappingsTotal int64) Snapshot {
	st := j.Status()
	s := Snapshot{
		JobID:                    j.ID,
		Mode:                     j.Mode.wireName(),
		Status:                   st,
		StartedAt:                j.StartedAt,
		IsRunning:                !st.Terminal(),
		ProcessedBatches:         j.ProcessedBatches.Load(),
		TotalBatches:             j.TotalBatches.Load(),
		ProcessedApps:            j.ProcessedApps.Load(),
		TotalApps:                j.TotalApps.Load(),
		MappingsFoundThisSession: j.MappingsFound.Load(),
		MappingsFoundTotal:       mappingsTotal,
		LastChangeNumber:         j.LastChangeNumber.Load(),
		CurrentChangeNumber:      j.CurrentChangeNumber.Load(),
		IsConnected:              j.IsConnected.Load(),
		IsLoggedOn:               j.IsLoggedOn.Load(),
		CancelRequested:          j.CancelRequested.Load(),
		ErrorDetail:              j.ErrorDetail(),
	}
	s.ProgressPercent = progressPercent(s)
	return s
}

// progressPercent derives completion from batches when known, falling
// back to apps. Never decreases within a run because the underlying
// counters never decrease.
func progressPercent(s Snapshot) float64 {
	switch {
	case s.TotalBatches > 0:
		return float64(s.ProcessedBatches) * 100 / float64(s.TotalBatches)
	case s.TotalApps > 0:
		return float64(s.ProcessedApps) * 100 / float64(s.TotalApps)
	case s.Status == StatusComplete:
		return 100
	default:
		return 0
	}
}

// IdleSnapshot is what the progress API serves before any job has run.
func IdleSnapshot(mappingsTotal int64, lastChange uint64) Snapshot {
	return Snapshot{
		Mode:               "",
		Status:             StatusIdle,
		MappingsFoundTotal: mappingsTotal,
		LastChangeNumber:   lastChange,
	}
}
