package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// CheckoutRepo provides access to checkout_sessions.  Sessions are never
// deleted; reconciliation sets outcome and reconciled_at.
type CheckoutRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewCheckoutRepo returns a new CheckoutRepo bound to the given database.
func NewCheckoutRepo(db *sql.DB, dialect database.Dialect) *CheckoutRepo {
	return &CheckoutRepo{db: db, dialect: dialect}
}

const checkoutSelect = `SELECT id, booking_id, external_id, redirect_url, amount_cents, currency, outcome, created_at, reconciled_at
  FROM checkout_sessions`

// CreateTx inserts s and populates its ID.  ErrDuplicate is returned when
// the external id was already stored.
func (r *CheckoutRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.CheckoutSession) error {
	s.CreatedAt = database.Time(s.CreatedAt)
	if s.Outcome == "" {
		s.Outcome = model.OutcomePending
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkout_sessions (booking_id, external_id, redirect_url, amount_cents, currency, outcome, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.BookingID, s.ExternalID, s.RedirectURL, s.AmountCents, s.Currency, string(s.Outcome), s.CreatedAt)
	if err != nil {
		if r.dialect.IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	return nil
}

// LockByExternalIDTx returns, and locks, the session with the given
// processor id, or ErrNotFound.
func (r *CheckoutRepo) LockByExternalIDTx(ctx context.Context, tx *sql.Tx, externalID string) (*model.CheckoutSession, error) {
	return r.get(ctx, tx, r.dialect.ForUpdate(checkoutSelect+` WHERE external_id = ?`), externalID)
}

// GetByExternalID returns the session with the given processor id, or
// ErrNotFound.
func (r *CheckoutRepo) GetByExternalID(ctx context.Context, q database.Querier, externalID string) (*model.CheckoutSession, error) {
	return r.get(ctx, q, checkoutSelect+` WHERE external_id = ?`, externalID)
}

// MarkReconciledTx records the final outcome of a session.
func (r *CheckoutRepo) MarkReconciledTx(ctx context.Context, tx *sql.Tx, id uint64, outcome model.PaymentOutcome, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE checkout_sessions SET outcome = ?, reconciled_at = ? WHERE id = ?`,
		string(outcome), database.Time(now), id)
	return err
}

// ListByBooking returns every session of a booking, oldest first.
func (r *CheckoutRepo) ListByBooking(ctx context.Context, q database.Querier, bookingID uint64) ([]model.CheckoutSession, error) {
	rows, err := q.QueryContext(ctx, checkoutSelect+` WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CheckoutSession
	for rows.Next() {
		s, err := scanCheckout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *CheckoutRepo) get(ctx context.Context, q database.Querier, query string, arg any) (*model.CheckoutSession, error) {
	s, err := scanCheckout(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func scanCheckout(row rowScanner) (*model.CheckoutSession, error) {
	var (
		s          model.CheckoutSession
		outcome    string
		reconciled sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.BookingID, &s.ExternalID, &s.RedirectURL, &s.AmountCents, &s.Currency,
		&outcome, &s.CreatedAt, &reconciled); err != nil {
		return nil, err
	}
	s.Outcome = model.PaymentOutcome(outcome)
	s.ReconciledAt = nullTime(reconciled)
	return &s, nil
}
