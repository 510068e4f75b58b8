package depot

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rlindsay/depotsync/internal/catalog"
	internaldb "github.com/rlindsay/depotsync/internal/db"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

// seedCatalogState sets the persisted last change number.
func seedCatalogState(tb testing.TB, db *sql.DB, lastChange uint64) {
	tb.Helper()
	if _, err := db.Exec(
		`UPDATE catalog_state SET last_change_number = ?, updated_at = ? WHERE id = 1`,
		lastChange, time.Now().Unix()); err != nil {
		tb.Fatalf("seed catalog state: %v", err)
	}
}

// seedDownload inserts a downloads row and returns its ID. gameName ""
// is stored as NULL (unresolved).
func seedDownload(tb testing.TB, db *sql.DB, depotID uint64, gameName string) int64 {
	tb.Helper()
	now := time.Now().Unix()
	var name sql.NullString
	if gameName != "" {
		name = sql.NullString{String: gameName, Valid: true}
	}
	res, err := db.Exec(`
		INSERT INTO downloads (service, client_ip, depot_id, game_name, created_at, updated_at)
		VALUES ('steam', '10.0.0.7', ?, ?, ?, ?)`,
		depotID, name, now, now)
	if err != nil {
		tb.Fatalf("seed download: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// mappingCount counts depot_mappings rows directly.
func mappingCount(tb testing.TB, db *sql.DB) int64 {
	tb.Helper()
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM depot_mappings`).Scan(&n); err != nil {
		tb.Fatalf("count mappings: %v", err)
	}
	return n
}

// fakeCatalog is an in-memory catalog.Client. The optional gate channel
// makes AppInfo wait for one token per call so tests can cancel a crawl
// at a deterministic batch boundary.
type fakeCatalog struct {
	mu sync.Mutex

	current            uint64
	changedApps        []uint32
	fullUpdateRequired bool
	apps               map[uint32]catalog.App

	connectErr error
	logonErr   error
	appInfoErr error

	gate chan struct{}

	connectCalls int
	logonCalls   int
	appInfoCalls int
}

func newFakeCatalog(current uint64) *fakeCatalog {
	return &fakeCatalog{
		current: current,
		apps:    make(map[uint32]catalog.App),
	}
}

// addApp registers an app whose name tags every listed depot.
func (f *fakeCatalog) addApp(appID uint32, name string, depots ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[appID] = catalog.App{AppID: appID, Name: name, ChangeNumber: f.current, Depots: depots}
	f.changedApps = append(f.changedApps, appID)
}

func (f *fakeCatalog) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeCatalog) Logon(ctx context.Context, creds catalog.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logonCalls++
	return f.logonErr
}

func (f *fakeCatalog) ChangesSince(ctx context.Context, since uint64) (*catalog.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := &catalog.ChangeSet{
		CurrentChangeNumber: f.current,
		FullUpdateRequired:  f.fullUpdateRequired,
	}
	if since > 0 {
		cs.AppIDs = append(cs.AppIDs, f.changedApps...)
	}
	return cs, nil
}

func (f *fakeCatalog) AppList(ctx context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint32, 0, len(f.changedApps))
	ids = append(ids, f.changedApps...)
	return ids, nil
}

func (f *fakeCatalog) AppInfo(ctx context.Context, appIDs []uint32) ([]catalog.App, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.appInfoCalls++
	if f.appInfoErr != nil {
		return nil, f.appInfoErr
	}
	var out []catalog.App
	for _, id := range appIDs {
		if app, ok := f.apps[id]; ok {
			out = append(out, app)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Close() {}

// newTestController builds a Controller over a fresh test DB and the
// given fake. Anonymous credentials unless creds is non-zero.
func newTestController(tb testing.TB, db *sql.DB, client catalog.Client, cfg Config) *Controller {
	tb.Helper()
	if cfg.AppInfoBatchSize == 0 {
		cfg.AppInfoBatchSize = 2
	}
	ctrl, err := NewController(db, client, catalog.Credentials{}, cfg)
	if err != nil {
		tb.Fatalf("new controller: %v", err)
	}
	return ctrl
}

// waitForTerminal polls the controller snapshot until the job reaches a
// terminal status.
func waitForTerminal(tb testing.TB, ctrl *Controller) Snapshot {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := ctrl.Snapshot()
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("job did not reach a terminal status; last status %q", ctrl.Snapshot().Status)
	return Snapshot{}
}

// waitForBatches polls until at least n batches are processed.
func waitForBatches(tb testing.TB, ctrl *Controller, n int64) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Snapshot().ProcessedBatches >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("processed batches never reached %d (at %d)", n, ctrl.Snapshot().ProcessedBatches)
}
