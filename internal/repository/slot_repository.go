package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// SlotRepo provides access to the slots table.  Status changes must go
// through the ledger; UpdateStatusTx is exported only for it.
type SlotRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSlotRepo returns a new SlotRepo bound to the given database.
func NewSlotRepo(db *sql.DB, dialect database.Dialect) *SlotRepo {
	return &SlotRepo{db: db, dialect: dialect}
}

// insertBatch bounds the number of rows per multi-row INSERT.
const insertBatch = 200

const slotSelect = `SELECT id, bay_id, start_at, end_at, status, version, created_at, updated_at FROM slots`

// InsertIgnoreTx inserts OPEN slots for the given intervals, skipping any
// (bay, start, end) that already exists.  It returns the number of rows
// actually inserted.
func (r *SlotRepo) InsertIgnoreTx(ctx context.Context, tx *sql.Tx, bayID uint64, intervals []model.Interval, now time.Time) (int64, error) {
	now = database.Time(now)
	var inserted int64
	for start := 0; start < len(intervals); start += insertBatch {
		end := start + insertBatch
		if end > len(intervals) {
			end = len(intervals)
		}
		chunk := intervals[start:end]
		query := r.dialect.InsertIgnore + ` slots (bay_id, start_at, end_at, status, version, created_at, updated_at) VALUES `
		args := make([]any, 0, len(chunk)*6)
		for i, iv := range chunk {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, 'OPEN', 0, ?, ?)"
			args = append(args, bayID, database.Time(iv.Start), database.Time(iv.End), now, now)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// ListWithin returns the bay's slots lying fully inside iv, ordered by
// start.
func (r *SlotRepo) ListWithin(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) ([]model.Slot, error) {
	return r.query(ctx, q, slotSelect+` WHERE bay_id = ? AND start_at >= ? AND end_at <= ? ORDER BY start_at`,
		bayID, database.Time(iv.Start), database.Time(iv.End))
}

// LockOverlappingTx returns, and locks, every slot of the bay that
// overlaps iv, ordered by start.
func (r *SlotRepo) LockOverlappingTx(ctx context.Context, tx *sql.Tx, bayID uint64, iv model.Interval) ([]model.Slot, error) {
	q := r.dialect.ForUpdate(slotSelect + ` WHERE bay_id = ? AND start_at < ? AND end_at > ? ORDER BY start_at`)
	return r.query(ctx, tx, q, bayID, database.Time(iv.End), database.Time(iv.Start))
}

// LockByIDsTx returns, and locks, the slots with the given ids ordered by
// id.  Missing ids are simply absent from the result.
func (r *SlotRepo) LockByIDsTx(ctx context.Context, tx *sql.Tx, ids []uint64) ([]model.Slot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := r.dialect.ForUpdate(slotSelect + ` WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`)
	return r.query(ctx, tx, q, idArgs(ids)...)
}

// UpdateStatusTx moves every slot in ids from status from to status to and
// bumps its version.  Only rows currently in from are touched; the number
// of updated rows is returned so the caller can detect stale rows.
func (r *SlotRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, ids []uint64, from, to model.SlotStatus, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `UPDATE slots SET status = ?, version = version + 1, updated_at = ? WHERE status = ? AND id IN (` + placeholders(len(ids)) + `)`
	args := append([]any{string(to), database.Time(now), string(from)}, idArgs(ids)...)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountWithin returns how many slots of the bay lie fully inside iv.
func (r *SlotRepo) CountWithin(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE bay_id = ? AND start_at >= ? AND end_at <= ?`,
		bayID, database.Time(iv.Start), database.Time(iv.End)).Scan(&n)
	return n, err
}

func (r *SlotRepo) query(ctx context.Context, q database.Querier, query string, args ...any) ([]model.Slot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		var (
			s      model.Slot
			status string
		)
		if err := rows.Scan(&s.ID, &s.BayID, &s.StartAt, &s.EndAt, &status, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		s.Status = model.SlotStatus(status)
		s.StartAt, s.EndAt = s.StartAt.UTC(), s.EndAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
