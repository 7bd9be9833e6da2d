package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// BlockOutRepo provides access to the block_outs table.  A block-out row is
// one reference on every slot it overlaps; a slot is covered while at
// least one row overlaps it.
type BlockOutRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewBlockOutRepo returns a new BlockOutRepo bound to the given database.
func NewBlockOutRepo(db *sql.DB, dialect database.Dialect) *BlockOutRepo {
	return &BlockOutRepo{db: db, dialect: dialect}
}

const blockOutSelect = `SELECT id, bay_id, start_at, end_at, reason, created_by, created_at FROM block_outs`

// CreateTx inserts b and populates its ID and CreatedAt.
func (r *BlockOutRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.BlockOut, now time.Time) error {
	now = database.Time(now)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO block_outs (bay_id, start_at, end_at, reason, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.BayID, database.Time(b.StartAt), database.Time(b.EndAt), b.Reason, b.CreatedBy, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	b.CreatedAt = now
	return nil
}

// LockTx returns, and locks, the block-out with the given id or
// ErrNotFound.
func (r *BlockOutRepo) LockTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.BlockOut, error) {
	var b model.BlockOut
	err := tx.QueryRowContext(ctx, r.dialect.ForUpdate(blockOutSelect+` WHERE id = ?`), id).
		Scan(&b.ID, &b.BayID, &b.StartAt, &b.EndAt, &b.Reason, &b.CreatedBy, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.StartAt, b.EndAt = b.StartAt.UTC(), b.EndAt.UTC()
	return &b, nil
}

// DeleteTx removes the block-out row.
func (r *BlockOutRepo) DeleteTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM block_outs WHERE id = ?`, id)
	return err
}

// CountOverlapping returns the number of block-outs of the bay that
// overlap iv.
func (r *BlockOutRepo) CountOverlapping(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM block_outs WHERE bay_id = ? AND start_at < ? AND end_at > ?`,
		bayID, database.Time(iv.End), database.Time(iv.Start)).Scan(&n)
	return n, err
}

// List returns block-outs ordered by start.  A zero bayID matches every
// bay; a zero interval matches every time.
func (r *BlockOutRepo) List(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) ([]model.BlockOut, error) {
	query := blockOutSelect + ` WHERE 1 = 1`
	var args []any
	if bayID != 0 {
		query += ` AND bay_id = ?`
		args = append(args, bayID)
	}
	if !iv.Start.IsZero() {
		query += ` AND end_at > ?`
		args = append(args, database.Time(iv.Start))
	}
	if !iv.End.IsZero() {
		query += ` AND start_at < ?`
		args = append(args, database.Time(iv.End))
	}
	query += ` ORDER BY start_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlockOut
	for rows.Next() {
		var b model.BlockOut
		if err := rows.Scan(&b.ID, &b.BayID, &b.StartAt, &b.EndAt, &b.Reason, &b.CreatedBy, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.StartAt, b.EndAt = b.StartAt.UTC(), b.EndAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
