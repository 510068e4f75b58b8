package depot

import (
	"context"
	"database/sql"
	"fmt"
)

// Applier merges mapping batches into the shared database. Each batch is
// one SQLite transaction: the mapping upserts and the download re-tags
// land together or not at all, so a crash or cancellation never leaves a
// half-applied batch.
type Applier struct {
	db *sql.DB
}

// NewApplier wraps db.
func NewApplier(db *sql.DB) *Applier {
	return &Applier{db: db}
}

// Apply upserts every mapping in the batch (last-write-wins on
// game_name) and fills game_name/game_app_id on still-unresolved
// download rows with a matching depot_id. The re-tag re-queries by
// depot_id at apply time rather than working from a pre-read record
// list, so it is safe against the ingestion pipeline inserting new
// download rows concurrently. Returns the number of mappings applied.
func (a *Applier) Apply(ctx context.Context, batch Batch) (int64, error) {
	if len(batch.Mappings) == 0 {
		return 0, nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO depot_mappings (depot_id, app_id, game_name, observed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(depot_id) DO UPDATE SET
			app_id      = excluded.app_id,
			game_name   = excluded.game_name,
			observed_at = excluded.observed_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare mapping upsert: %w", err)
	}
	defer upsert.Close()

	retag, err := tx.PrepareContext(ctx, `
		UPDATE downloads
		SET game_name = ?, game_app_id = ?, updated_at = ?
		WHERE depot_id = ? AND (game_name IS NULL OR game_name = '')`)
	if err != nil {
		return 0, fmt.Errorf("prepare download retag: %w", err)
	}
	defer retag.Close()

	var applied int64
	for _, m := range batch.Mappings {
		observedAt := m.ObservedAt.Unix()
		if _, err := upsert.ExecContext(ctx, m.DepotID, m.AppID, m.GameName, observedAt); err != nil {
			return 0, fmt.Errorf("upsert depot %d: %w", m.DepotID, err)
		}
		if _, err := retag.ExecContext(ctx, m.GameName, m.AppID, observedAt, m.DepotID); err != nil {
			return 0, fmt.Errorf("retag downloads for depot %d: %w", m.DepotID, err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply tx: %w", err)
	}
	return applied, nil
}
