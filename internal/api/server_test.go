package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rlindsay/depotsync/internal/catalog"
	internaldb "github.com/rlindsay/depotsync/internal/db"
	"github.com/rlindsay/depotsync/internal/depot"
	"github.com/rlindsay/depotsync/internal/scheduler"
)

// stubCatalog is a minimal catalog.Client whose crawls finish instantly
// with no apps.
type stubCatalog struct {
	current uint64
}

func (s *stubCatalog) Connect(ctx context.Context) error { return nil }
func (s *stubCatalog) Logon(ctx context.Context, creds catalog.Credentials) error {
	return nil
}
func (s *stubCatalog) ChangesSince(ctx context.Context, since uint64) (*catalog.ChangeSet, error) {
	return &catalog.ChangeSet{CurrentChangeNumber: s.current}, nil
}
func (s *stubCatalog) AppList(ctx context.Context) ([]uint32, error) { return nil, nil }
func (s *stubCatalog) AppInfo(ctx context.Context, appIDs []uint32) ([]catalog.App, error) {
	return nil, nil
}
func (s *stubCatalog) Close() {}

// newTestAPI builds the full router over a fresh database.
func newTestAPI(t *testing.T) (*httptest.Server, *depot.Controller) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := internaldb.RunMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	ctrl, err := depot.NewController(db, &stubCatalog{current: 100}, catalog.Credentials{}, depot.Config{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	srv := New(":0", ctrl, scheduler.New(), "test")
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, ctrl
}

func TestProgressEndpoint_IdleShell(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/api/progress")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "idle" {
		t.Errorf("expected idle status, got %v", body["status"])
	}
	if body["isRunning"] != false {
		t.Errorf("expected isRunning=false, got %v", body["isRunning"])
	}
	// The canonical nextCrawlIn representation is a JSON number.
	if _, ok := body["nextCrawlIn"].(float64); !ok {
		t.Errorf("nextCrawlIn must be a number, got %T", body["nextCrawlIn"])
	}
}

func TestRebuildEndpoint_FullSyncLifecycle(t *testing.T) {
	ts, ctrl := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/api/rebuild", "application/json",
		strings.NewReader(`{"incremental": false}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out struct {
		Started bool   `json:"started"`
		JobID   string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Started || out.JobID == "" {
		t.Fatalf("expected started job, got %+v", out)
	}

	waitTerminal(t, ctrl)
	if got := ctrl.Snapshot().Status; got != depot.StatusComplete {
		t.Fatalf("expected complete, got %q", got)
	}
}

func TestRebuildEndpoint_GapRefusalIsNotAnError(t *testing.T) {
	ts, _ := newTestAPI(t)

	// No completed run yet: lastChangeNumber is 0, so the policy
	// refuses incremental outright.
	resp, err := http.Post(ts.URL+"/api/rebuild", "application/json",
		strings.NewReader(`{"incremental": true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gap refusal must be 200, got %d", resp.StatusCode)
	}
	var out struct {
		Started          bool `json:"started"`
		RequiresFullScan bool `json:"requiresFullScan"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Started || !out.RequiresFullScan {
		t.Errorf("expected started=false requiresFullScan=true, got %+v", out)
	}
}

func TestCancelEndpoint_NoActiveSync(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/api/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMappingsEndpoint_EmptyEnvelope(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/api/mappings")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list struct {
		Items []interface{} `json:"items"`
		Total int           `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Items == nil {
		t.Error("items must be an empty array, not null")
	}
}

func waitTerminal(t *testing.T, ctrl *depot.Controller) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Snapshot().Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never reached a terminal status (at %q)", ctrl.Snapshot().Status)
}
