package depot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Mapping is one depot -> game identity row.
type Mapping struct {
	DepotID    uint64
	AppID      uint32
	GameName   string
	ObservedAt time.Time
}

// Store provides the engine's reads and run-record writes against the
// shared SQLite database. Batch merges go through Applier.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// MappingCount returns the number of depot_mappings rows.
func (s *Store) MappingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM depot_mappings`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return n, nil
}

// LastChangeNumber reads the persisted catalog change number. Zero means
// the engine has never completed a run.
func (s *Store) LastChangeNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_change_number FROM catalog_state WHERE id = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read catalog state: %w", err)
	}
	return n, nil
}

// Mappings returns depot_mappings rows, optionally filtered to one
// depot ID (0 = no filter), newest observation first.
func (s *Store) Mappings(ctx context.Context, depotID uint64, limit, offset int) ([]Mapping, error) {
	query := `SELECT depot_id, app_id, game_name, observed_at FROM depot_mappings`
	args := []any{}
	if depotID != 0 {
		query += ` WHERE depot_id = ?`
		args = append(args, depotID)
	}
	query += ` ORDER BY observed_at DESC, depot_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		var observedAt int64
		if err := rows.Scan(&m.DepotID, &m.AppID, &m.GameName, &observedAt); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		m.ObservedAt = time.Unix(observedAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertJobRecord creates the sync_history row for a starting job and
// returns its ID. Created before the worker goroutine begins so the ID
// is available immediately.
func (s *Store) InsertJobRecord(ctx context.Context, jobID string, mode Mode, startedAt time.Time, startChange uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history
			(job_id, mode, status, started_at, start_change, created_at)
		VALUES (?, ?, 'running', ?, ?, ?)`,
		jobID, string(mode), startedAt.Unix(), startChange, startedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert sync record: %w", err)
	}
	return res.LastInsertId()
}

// FinaliseJobRecord writes the terminal outcome of a job. When the job
// completed, the catalog change number advances in the same transaction
// so a crash between the two writes cannot leave them disagreeing.
func (s *Store) FinaliseJobRecord(ctx context.Context, j *Job, status Status, endChange uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalise tx: %w", err)
	}
	defer tx.Rollback()

	var errDetail sql.NullString
	if msg := j.ErrorDetail(); msg != "" {
		errDetail = sql.NullString{String: msg, Valid: true}
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_history
		SET status = ?, finished_at = ?,
		    batches_total = ?, batches_done = ?,
		    apps_total = ?, apps_done = ?,
		    mappings_found = ?, end_change = ?, error = ?
		WHERE id = ?`,
		string(status), now,
		j.TotalBatches.Load(), j.ProcessedBatches.Load(),
		j.TotalApps.Load(), j.ProcessedApps.Load(),
		j.MappingsFound.Load(), endChange, errDetail,
		j.HistoryID); err != nil {
		return fmt.Errorf("finalise sync record: %w", err)
	}

	if status == StatusComplete && endChange > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE catalog_state
			SET last_change_number = ?, updated_at = ?
			WHERE id = 1`,
			endChange, now); err != nil {
			return fmt.Errorf("advance catalog state: %w", err)
		}
	}

	return tx.Commit()
}

// HistoryItem is one sync_history row as served by the API.
type HistoryItem struct {
	ID            int64
	JobID         string
	Mode          string
	Status        string
	StartedAt     time.Time
	FinishedAt    *time.Time
	BatchesTotal  int64
	BatchesDone   int64
	AppsTotal     int64
	AppsDone      int64
	MappingsFound int64
	StartChange   uint64
	EndChange     uint64
	Error         string
}

// History returns past runs newest first.
func (s *Store) History(ctx context.Context, limit, offset int) ([]HistoryItem, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, mode, status, started_at, finished_at,
		       batches_total, batches_done, apps_total, apps_done,
		       mappings_found, start_change, end_change, error
		FROM sync_history
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query sync history: %w", err)
	}
	defer rows.Close()

	var items []HistoryItem
	for rows.Next() {
		it, err := scanHistoryRow(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_history`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// HistoryByID returns one past run, or sql.ErrNoRows.
func (s *Store) HistoryByID(ctx context.Context, id int64) (HistoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, mode, status, started_at, finished_at,
		       batches_total, batches_done, apps_total, apps_done,
		       mappings_found, start_change, end_change, error
		FROM sync_history WHERE id = ?`, id)
	return scanHistoryRow(row.Scan)
}

func scanHistoryRow(scan func(...any) error) (HistoryItem, error) {
	var it HistoryItem
	var startedAt int64
	var finishedAt sql.NullInt64
	var errDetail sql.NullString
	if err := scan(
		&it.ID, &it.JobID, &it.Mode, &it.Status, &startedAt, &finishedAt,
		&it.BatchesTotal, &it.BatchesDone, &it.AppsTotal, &it.AppsDone,
		&it.MappingsFound, &it.StartChange, &it.EndChange, &errDetail,
	); err != nil {
		return HistoryItem{}, err
	}
	it.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		it.FinishedAt = &t
	}
	if errDetail.Valid {
		it.Error = errDetail.String
	}
	return it, nil
}

// MarkStaleJobsFailed marks sync_history rows still 'running' as
// 'failed'. Called once at startup in case a previous process crashed
// mid-run.
func MarkStaleJobsFailed(db *sql.DB) error {
	res, err := db.Exec(`
		UPDATE sync_history
		SET status = 'failed', finished_at = ?
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale sync jobs failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale sync jobs as failed", "count", n)
	}
	return nil
}
