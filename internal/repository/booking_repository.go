package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// BookingRepo provides access to the bookings and booking_slots tables.
// Bookings are never deleted; state changes are guarded by the expected
// current state so that concurrent resolvers cannot both win.
type BookingRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB, dialect database.Dialect) *BookingRepo {
	return &BookingRepo{db: db, dialect: dialect}
}

const bookingSelect = `SELECT id, customer_id, bay_id, state, start_at, end_at, hold_expires_at,
       extended_at, payment_ref, cancel_reason, created_at, updated_at
  FROM bookings`

// CreateTx inserts b together with its slot links and populates the
// generated ID.  b.CreatedAt is used for both timestamps.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	b.CreatedAt = database.Time(b.CreatedAt)
	b.UpdatedAt = b.CreatedAt
	res, err := tx.ExecContext(ctx,
		`INSERT INTO bookings (customer_id, bay_id, state, start_at, end_at, hold_expires_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.CustomerID, b.BayID, string(b.State), database.Time(b.StartAt), database.Time(b.EndAt),
		database.Time(b.HoldExpiresAt), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return r.AddSlotsTx(ctx, tx, b.ID, b.SlotIDs)
}

// AddSlotsTx links slots to a booking in a single statement.  Passing an
// empty slice has no effect.
func (r *BookingRepo) AddSlotsTx(ctx context.Context, tx *sql.Tx, bookingID uint64, slotIDs []uint64) error {
	if len(slotIDs) == 0 {
		return nil
	}
	query := `INSERT INTO booking_slots (booking_id, slot_id) VALUES `
	args := make([]any, 0, len(slotIDs)*2)
	for i, sid := range slotIDs {
		if i > 0 {
			query += ","
		}
		query += "(?, ?)"
		args = append(args, bookingID, sid)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// GetByID returns the booking with its slot ids, or ErrNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, q database.Querier, id uint64) (*model.Booking, error) {
	return r.get(ctx, q, bookingSelect+` WHERE id = ?`, id)
}

// LockTx returns, and locks, the booking with its slot ids, or
// ErrNotFound.
func (r *BookingRepo) LockTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	return r.get(ctx, tx, r.dialect.ForUpdate(bookingSelect+` WHERE id = ?`), id)
}

func (r *BookingRepo) get(ctx context.Context, q database.Querier, query string, id uint64) (*model.Booking, error) {
	b, err := scanBooking(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.SlotIDs, err = r.SlotIDs(ctx, q, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// SlotIDs returns the booking's slot ids ordered by slot start.
func (r *BookingRepo) SlotIDs(ctx context.Context, q database.Querier, bookingID uint64) ([]uint64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT bs.slot_id FROM booking_slots bs JOIN slots s ON s.id = bs.slot_id
          WHERE bs.booking_id = ? ORDER BY s.start_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uint64{}
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStateTx moves the booking from one state to another.  It reports
// false, without error, when the booking was not in from.  reason is
// stored as cancel_reason when non-empty.
func (r *BookingRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, id uint64, from, to model.BookingState, reason string, now time.Time) (bool, error) {
	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE bookings SET state = ?, cancel_reason = COALESCE(?, cancel_reason), updated_at = ?
          WHERE id = ? AND state = ?`,
		string(to), reasonArg, database.Time(now), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExtendTx widens the booking's span and stamps extended_at.
func (r *BookingRepo) ExtendTx(ctx context.Context, tx *sql.Tx, id uint64, span model.Interval, now time.Time) error {
	now = database.Time(now)
	_, err := tx.ExecContext(ctx,
		`UPDATE bookings SET start_at = ?, end_at = ?, extended_at = ?, updated_at = ? WHERE id = ?`,
		database.Time(span.Start), database.Time(span.End), now, now, id)
	return err
}

// SetPaymentRefTx records the external payment reference.
func (r *BookingRepo) SetPaymentRefTx(ctx context.Context, tx *sql.Tx, id uint64, ref string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE bookings SET payment_ref = ?, updated_at = ? WHERE id = ?`,
		ref, database.Time(now), id)
	return err
}

// ListExpiredHolds returns ids of PENDING_PAYMENT bookings whose hold
// expired at or before now, oldest first.
func (r *BookingRepo) ListExpiredHolds(ctx context.Context, q database.Querier, now time.Time, limit int) ([]uint64, error) {
	return r.ids(ctx, q,
		`SELECT id FROM bookings WHERE state = ? AND hold_expires_at <= ? ORDER BY hold_expires_at, id LIMIT ?`,
		string(model.BookingPendingPayment), database.Time(now), limit)
}

// ListCompletable returns ids of CONFIRMED bookings that ended at or
// before now.
func (r *BookingRepo) ListCompletable(ctx context.Context, q database.Querier, now time.Time, limit int) ([]uint64, error) {
	return r.ids(ctx, q,
		`SELECT id FROM bookings WHERE state = ? AND end_at <= ? ORDER BY end_at, id LIMIT ?`,
		string(model.BookingConfirmed), database.Time(now), limit)
}

// LockActiveOverlappingTx returns, and locks, the ids of PENDING_PAYMENT
// and CONFIRMED bookings on the bay whose span overlaps iv.
func (r *BookingRepo) LockActiveOverlappingTx(ctx context.Context, tx *sql.Tx, bayID uint64, iv model.Interval) ([]uint64, error) {
	q := r.dialect.ForUpdate(`SELECT id FROM bookings
          WHERE bay_id = ? AND state IN (?, ?) AND start_at < ? AND end_at > ? ORDER BY id`)
	return r.ids(ctx, tx, q, bayID,
		string(model.BookingPendingPayment), string(model.BookingConfirmed),
		database.Time(iv.End), database.Time(iv.Start))
}

// ListByCustomer returns the customer's bookings, newest first, each with
// its slot ids.
func (r *BookingRepo) ListByCustomer(ctx context.Context, q database.Querier, customerID uint64) ([]model.Booking, error) {
	rows, err := q.QueryContext(ctx, bookingSelect+` WHERE customer_id = ? ORDER BY created_at DESC, id DESC`, customerID)
	if err != nil {
		return nil, err
	}
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Slot ids are loaded after the cursor is closed; a pinned connection
	// cannot serve a second query while rows are open.
	for i := range out {
		if out[i].SlotIDs, err = r.SlotIDs(ctx, q, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *BookingRepo) ids(ctx context.Context, q database.Querier, query string, args ...any) ([]uint64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b            model.Booking
		state        string
		extendedAt   sql.NullTime
		paymentRef   sql.NullString
		cancelReason sql.NullString
	)
	err := row.Scan(&b.ID, &b.CustomerID, &b.BayID, &state, &b.StartAt, &b.EndAt, &b.HoldExpiresAt,
		&extendedAt, &paymentRef, &cancelReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	b.State = model.BookingState(state)
	b.StartAt, b.EndAt = b.StartAt.UTC(), b.EndAt.UTC()
	b.HoldExpiresAt = b.HoldExpiresAt.UTC()
	b.ExtendedAt = nullTime(extendedAt)
	b.PaymentRef = nullString(paymentRef)
	b.CancelReason = nullString(cancelReason)
	return &b, nil
}
