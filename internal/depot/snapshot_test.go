package depot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// snapshotBody builds a valid dataset with n mappings.
func snapshotBody(tb testing.TB, changeNumber uint64, n int) string {
	tb.Helper()
	type m struct {
		DepotID  uint64 `json:"depot_id"`
		AppID    uint32 `json:"app_id"`
		GameName string `json:"game_name"`
	}
	payload := struct {
		ChangeNumber uint64 `json:"change_number"`
		Mappings     []m    `json:"mappings"`
	}{ChangeNumber: changeNumber}
	for i := 0; i < n; i++ {
		payload.Mappings = append(payload.Mappings, m{
			DepotID:  uint64(1000 + i),
			AppID:    uint32(i/2 + 1),
			GameName: fmt.Sprintf("Game %d", i/2+1),
		})
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		tb.Fatal(err)
	}
	return string(buf)
}

// runSnapshotImport drives the strategy with an applier-backed emit.
func runSnapshotImport(tb testing.TB, s *SnapshotImport, applier *Applier) (uint64, error) {
	tb.Helper()
	job := newJob("test", 0, ModeSnapshot, 0)
	emit := func(ctx context.Context, b Batch) error {
		_, err := applier.Apply(ctx, b)
		return err
	}
	return s.Run(context.Background(), job, emit)
}

func TestSnapshotImport_Idempotent(t *testing.T) {
	db := mustOpenDB(t)
	body := snapshotBody(t, 4200, 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	s := NewSnapshotImport(srv.URL, 10, 0, 1)
	applier := NewApplier(db)

	for run := 1; run <= 2; run++ {
		end, err := runSnapshotImport(t, s, applier)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if end != 4200 {
			t.Errorf("run %d: expected change number 4200, got %d", run, end)
		}
		if got := mappingCount(t, db); got != 50 {
			t.Errorf("run %d: expected 50 rows, got %d", run, got)
		}
	}

	// depot_id is the primary key, so duplicates are structurally
	// impossible; verify anyway through a distinct count.
	var distinct int64
	if err := db.QueryRow(`SELECT COUNT(DISTINCT depot_id) FROM depot_mappings`).Scan(&distinct); err != nil {
		t.Fatal(err)
	}
	if distinct != 50 {
		t.Errorf("expected 50 distinct depot IDs, got %d", distinct)
	}
}

func TestSnapshotImport_RejectsTruncatedDataset(t *testing.T) {
	db := mustOpenDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, snapshotBody(t, 4200, 3))
	}))
	defer srv.Close()

	s := NewSnapshotImport(srv.URL, 1000, 0, 1)
	_, err := runSnapshotImport(t, s, NewApplier(db))

	var corrupt *CorruptSnapshotError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptSnapshotError, got %v", err)
	}
	if got := mappingCount(t, db); got != 0 {
		t.Errorf("corrupt snapshot must apply nothing, got %d rows", got)
	}
}

func TestSnapshotImport_RejectsUnparseableBody(t *testing.T) {
	db := mustOpenDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"mappings": [{`)
	}))
	defer srv.Close()

	s := NewSnapshotImport(srv.URL, 1, 0, 1)
	_, err := runSnapshotImport(t, s, NewApplier(db))

	var corrupt *CorruptSnapshotError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptSnapshotError, got %v", err)
	}
	if !strings.Contains(corrupt.Reason, "unparseable") {
		t.Errorf("unexpected reason %q", corrupt.Reason)
	}
	if got := mappingCount(t, db); got != 0 {
		t.Errorf("corrupt snapshot must apply nothing, got %d rows", got)
	}
}

func TestSnapshotImport_RetriesTransientFailures(t *testing.T) {
	db := mustOpenDB(t)
	body := snapshotBody(t, 4200, 20)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	s := NewSnapshotImport(srv.URL, 10, 0, 5)
	if _, err := runSnapshotImport(t, s, NewApplier(db)); err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 fetch attempts, got %d", got)
	}
	if got := mappingCount(t, db); got != 20 {
		t.Errorf("expected 20 rows, got %d", got)
	}
}

func TestSnapshotImport_NotFoundIsTerminal(t *testing.T) {
	db := mustOpenDB(t)
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewSnapshotImport(srv.URL, 10, 0, 5)
	if _, err := runSnapshotImport(t, s, NewApplier(db)); err == nil {
		t.Fatal("expected error for missing dataset")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404 must not be retried, got %d attempts", got)
	}
}
