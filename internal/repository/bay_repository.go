package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// BayRepo provides access to the bays table.
type BayRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewBayRepo returns a new BayRepo bound to the given database.
func NewBayRepo(db *sql.DB, dialect database.Dialect) *BayRepo {
	return &BayRepo{db: db, dialect: dialect}
}

const baySelect = `SELECT id, name, active, created_at, updated_at FROM bays`

// Create inserts a new active bay.  ErrDuplicate is returned when the name
// is already taken.
func (r *BayRepo) Create(ctx context.Context, name string, now time.Time) (*model.Bay, error) {
	now = database.Time(now)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO bays (name, active, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, true, now, now)
	if err != nil {
		if r.dialect.IsDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, r.db, uint64(id))
}

// GetByID returns the bay with the given id or ErrNotFound.
func (r *BayRepo) GetByID(ctx context.Context, q database.Querier, id uint64) (*model.Bay, error) {
	var b model.Bay
	err := q.QueryRowContext(ctx, baySelect+` WHERE id = ?`, id).
		Scan(&b.ID, &b.Name, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns bays ordered by name.  When activeOnly is set inactive bays
// are skipped.
func (r *BayRepo) List(ctx context.Context, activeOnly bool) ([]model.Bay, error) {
	q := baySelect
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY name`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bay
	for rows.Next() {
		var b model.Bay
		if err := rows.Scan(&b.ID, &b.Name, &b.Active, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetActive toggles a bay's active flag.  This is the only attribute that
// may change once slots reference the bay.
func (r *BayRepo) SetActive(ctx context.Context, id uint64, active bool, now time.Time) (*model.Bay, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bays SET active = ?, updated_at = ? WHERE id = ?`,
		active, database.Time(now), id)
	if err != nil {
		return nil, err
	}
	// MySQL reports zero affected rows when nothing changed, so existence
	// is decided by the re-read.
	return r.GetByID(ctx, r.db, id)
}
