package depot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rlindsay/depotsync/internal/catalog"
)

// ErrBusy is returned when a sync is started while one is in progress.
var ErrBusy = errors.New("a sync job is already in progress")

// ErrNoActiveJob is returned when cancel is called with no job running.
var ErrNoActiveJob = errors.New("no sync job is currently running")

// GapError reports that the gap policy refused an incremental run. It is
// a decision, not a fault: the caller picks a full crawl or a snapshot
// import instead.
type GapError struct {
	Gap                   uint64
	EstimatedAffectedApps uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("change gap %d exceeds the incremental threshold (~%d apps affected); a full sync is required", e.Gap, e.EstimatedAffectedApps)
}

// changeProbeTTL bounds how stale the cached service-side change number
// may be when the gap policy consults it.
const changeProbeTTL = time.Minute

// Config holds the engine's tunables.
type Config struct {
	GapThreshold        uint64
	AppInfoBatchSize    int
	SnapshotURL         string
	SnapshotMinMappings int
	SnapshotTimeout     time.Duration
	MaxAttempts         uint64
}

// Controller enforces the single-active-job invariant and drives sync
// runs through their state machine. It is safe for concurrent use;
// Start, Cancel and Snapshot only touch the active-job slot and the
// broadcaster, never the network, except the bounded change-number probe
// the gap policy needs.
type Controller struct {
	mu       sync.Mutex
	active   *Job
	cancelFn context.CancelFunc

	db      *sql.DB
	store   *Store
	applier *Applier
	client  catalog.Client
	creds   catalog.Credentials
	cfg     Config
	bcast   *Broadcaster

	probeMu       sync.Mutex
	probedCurrent uint64
	probedAt      time.Time

	mappingsTotal atomic.Int64 // last known depot_mappings count
}

// NewController wires the engine against the shared database and the
// catalog client. It reads the persisted catalog state so the first
// progress snapshot is meaningful.
func NewController(db *sql.DB, client catalog.Client, creds catalog.Credentials, cfg Config) (*Controller, error) {
	if cfg.GapThreshold == 0 {
		cfg.GapThreshold = DefaultGapThreshold
	}

	c := &Controller{
		db:      db,
		store:   NewStore(db),
		applier: NewApplier(db),
		client:  client,
		creds:   creds,
		cfg:     cfg,
	}

	ctx := context.Background()
	total, err := c.store.MappingCount(ctx)
	if err != nil {
		return nil, err
	}
	lastChange, err := c.store.LastChangeNumber(ctx)
	if err != nil {
		return nil, err
	}
	c.mappingsTotal.Store(total)
	c.bcast = NewBroadcaster(IdleSnapshot(total, lastChange))
	return c, nil
}

// Broadcaster exposes the progress fan-out for push transports.
func (c *Controller) Broadcaster() *Broadcaster {
	return c.bcast
}

// Store exposes the engine's read side for API handlers.
func (c *Controller) Store() *Store {
	return c.store
}

// StartOptions parameterise one sync run.
type StartOptions struct {
	Mode Mode
	// ForceFull skips the gap policy check for incremental runs.
	ForceFull bool
}

// Start launches an asynchronous sync run. Returns ErrBusy while a job
// is active, or a *GapError when the gap policy refuses an incremental
// run — in that case no job is created and no state changes.
func (c *Controller) Start(parentCtx context.Context, opts StartOptions) (*Job, error) {
	// Cheap pre-check so a refused start does not pay for DB reads.
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.mu.Unlock()

	lastChange, err := c.store.LastChangeNumber(parentCtx)
	if err != nil {
		return nil, err
	}

	if opts.Mode == ModeIncremental && !opts.ForceFull {
		current, err := c.currentChangeNumber(parentCtx)
		if err != nil {
			return nil, fmt.Errorf("probe catalog change number: %w", err)
		}
		d := EvaluateGap(lastChange, current, c.cfg.GapThreshold)
		if !d.AllowIncremental {
			return nil, &GapError{Gap: d.Gap, EstimatedAffectedApps: d.EstimatedAffectedApps}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrBusy
	}

	// Create the sync_history record NOW so the ID is visible in the
	// HTTP response before the worker goroutine begins executing.
	jobID := uuid.NewString()
	historyID, err := c.store.InsertJobRecord(parentCtx, jobID, opts.Mode, time.Now(), lastChange)
	if err != nil {
		return nil, fmt.Errorf("create sync record: %w", err)
	}

	job := newJob(jobID, historyID, opts.Mode, lastChange)
	jobCtx, cancel := context.WithCancel(parentCtx)
	c.active = job
	c.cancelFn = cancel

	c.publishJob(job)
	go c.run(jobCtx, job)

	return job, nil
}

// Cancel requests cooperative cancellation of the active job. The
// running strategy observes it at the next batch boundary; batches
// already applied stay applied.
func (c *Controller) Cancel() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return Snapshot{}, ErrNoActiveJob
	}
	c.active.CancelRequested.Store(true)
	c.cancelFn()
	return c.active.snapshot(c.mappingsTotal.Load()), nil
}

// Snapshot returns the latest published snapshot. Always available; an
// idle shell before any job has run.
func (c *Controller) Snapshot() Snapshot {
	return c.bcast.Latest()
}

// run executes one job to a terminal status and releases the active
// slot. Never lets a failure escape: every outcome lands in the
// sync_history row and the final published snapshot.
func (c *Controller) run(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync worker panic", "job", job.ID, "panic", r)
			job.setErrorDetail(fmt.Sprintf("internal error: %v", r))
			c.finish(job, StatusError, 0)
		}
	}()

	slog.Info("sync started", "job", job.ID, "mode", job.Mode,
		"last_change", job.LastChangeNumber.Load())

	endChange, runErr := c.execute(ctx, job)

	status := StatusComplete
	switch {
	case ctx.Err() != nil || errors.Is(runErr, context.Canceled):
		// User- or shutdown-initiated; never reported as a failure.
		status = StatusCancelled
	case runErr != nil:
		status = StatusError
		job.setErrorDetail(runErr.Error())
		slog.Error("sync failed", "job", job.ID, "mode", job.Mode, "error", runErr)
	}

	c.finish(job, status, endChange)

	slog.Info("sync finished", "job", job.ID, "status", status,
		"mappings_found", job.MappingsFound.Load(),
		"end_change", endChange)
}

// execute walks the job through connect/authenticate/crawl and streams
// batches into the applier.
func (c *Controller) execute(ctx context.Context, job *Job) (uint64, error) {
	strategy := c.strategyFor(job.Mode)

	// Snapshot import talks to a plain file host, not the catalog: no
	// session, no authentication.
	if job.Mode != ModeSnapshot {
		job.setStatus(StatusConnecting)
		c.publishJob(job)
		if err := c.client.Connect(ctx); err != nil {
			return 0, fmt.Errorf("connect to catalog: %w", err)
		}
		job.IsConnected.Store(true)
		defer func() {
			c.client.Close()
			job.IsConnected.Store(false)
			job.IsLoggedOn.Store(false)
		}()

		if !c.creds.Anonymous() {
			job.setStatus(StatusAuthenticating)
			c.publishJob(job)
			if err := c.client.Logon(ctx, c.creds); err != nil {
				return 0, fmt.Errorf("log on to catalog: %w", err)
			}
			job.IsLoggedOn.Store(true)
		}
	}

	job.setStatus(StatusCrawling)
	c.publishJob(job)

	emit := func(ctx context.Context, b Batch) error {
		if job.CancelRequested.Load() {
			return context.Canceled
		}
		job.setStatus(StatusApplying)
		c.publishJob(job)
		n, err := c.applier.Apply(ctx, b)
		if err != nil {
			return fmt.Errorf("apply batch %d: %w", b.Index+1, err)
		}
		job.MappingsFound.Add(n)
		job.ProcessedBatches.Add(1)
		job.setStatus(StatusCrawling)
		c.refreshMappingCount(ctx)
		c.publishJob(job)
		return nil
	}

	return strategy.Run(ctx, job, emit)
}

// finish records the terminal outcome, publishes the final snapshot and
// releases the active-job slot exactly once.
func (c *Controller) finish(job *Job, status Status, endChange uint64) {
	job.setStatus(status)

	// The job context may already be cancelled; finalisation must still
	// land.
	ctx := context.Background()
	if err := c.store.FinaliseJobRecord(ctx, job, status, endChange); err != nil {
		slog.Error("finalise sync record", "job", job.ID, "error", err)
	}
	c.refreshMappingCount(ctx)
	c.publishJob(job)

	c.mu.Lock()
	c.active = nil
	c.cancelFn = nil
	c.mu.Unlock()
}

func (c *Controller) strategyFor(mode Mode) Strategy {
	switch mode {
	case ModeFull:
		return NewFullCrawl(c.client, c.cfg.AppInfoBatchSize)
	case ModeSnapshot:
		return NewSnapshotImport(c.cfg.SnapshotURL, c.cfg.SnapshotMinMappings, c.cfg.SnapshotTimeout, c.cfg.MaxAttempts)
	default:
		return NewIncrementalCrawl(c.client, c.cfg.AppInfoBatchSize)
	}
}

// currentChangeNumber returns the service-side change number, cached for
// changeProbeTTL so repeated start attempts don't hammer the catalog.
func (c *Controller) currentChangeNumber(ctx context.Context) (uint64, error) {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	if c.probedCurrent > 0 && time.Since(c.probedAt) < changeProbeTTL {
		return c.probedCurrent, nil
	}

	cs, err := c.client.ChangesSince(ctx, 0)
	if err != nil {
		return 0, err
	}
	c.probedCurrent = cs.CurrentChangeNumber
	c.probedAt = time.Now()
	return c.probedCurrent, nil
}

// refreshMappingCount updates the cached depot_mappings row count used
// in snapshots. Failures keep the previous value.
func (c *Controller) refreshMappingCount(ctx context.Context) {
	if total, err := c.store.MappingCount(ctx); err == nil {
		c.mappingsTotal.Store(total)
	}
}

func (c *Controller) publishJob(job *Job) {
	c.bcast.Publish(job.snapshot(c.mappingsTotal.Load()))
}
