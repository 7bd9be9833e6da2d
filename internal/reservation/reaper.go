package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/queue"
)

// DefaultReapBatch bounds how many bookings one reaper pass touches.
const DefaultReapBatch = 100

// ExpireStaleHolds moves PENDING_PAYMENT bookings whose hold has lapsed to
// EXPIRED and their slots back to OPEN, one transaction per booking.  A
// booking confirmed in the meantime is skipped.  It returns how many
// bookings expired; failures on individual bookings are joined into the
// returned error and do not stop the pass.
func (e *Engine) ExpireStaleHolds(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultReapBatch
	}
	now := e.clock.Now()
	ids, err := e.bookings.ListExpiredHolds(ctx, e.db, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}
	var (
		expired int
		failed  []error
	)
	for _, id := range ids {
		var b *model.Booking
		err := e.InTx(ctx, func(tx *sql.Tx) error {
			locked, err := e.lock(ctx, tx, id)
			if err != nil {
				return err
			}
			if locked.State != model.BookingPendingPayment || locked.HoldExpiresAt.After(now) {
				return errs.New(errs.KindAlreadyResolved, "booking %d is no longer an expired hold", id)
			}
			if err := e.release(ctx, tx, locked, model.BookingExpired, model.CancelReasonHoldExpired); err != nil {
				return err
			}
			b = locked
			return nil
		})
		switch {
		case err == nil:
			expired++
			e.log.Info("hold expired", zap.Uint64("booking_id", id))
			e.emit(ctx, queue.EventBookingExpired, b)
		case errors.Is(err, errs.ErrAlreadyResolved):
			// Confirmed or cancelled since the scan; nothing to do.
		default:
			e.log.Error("expire hold failed", zap.Uint64("booking_id", id), zap.Error(err))
			failed = append(failed, fmt.Errorf("booking %d: %w", id, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return expired, errors.Join(failed...)
}

// CompletePast moves CONFIRMED bookings whose end has passed to COMPLETED.
// Their slots stay BOOKED as history.
func (e *Engine) CompletePast(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultReapBatch
	}
	now := e.clock.Now()
	ids, err := e.bookings.ListCompletable(ctx, e.db, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list completable bookings: %w", err)
	}
	var (
		completed int
		failed    []error
	)
	for _, id := range ids {
		var b *model.Booking
		err := e.InTx(ctx, func(tx *sql.Tx) error {
			locked, err := e.lock(ctx, tx, id)
			if err != nil {
				return err
			}
			ok, err := e.bookings.UpdateStateTx(ctx, tx, id, model.BookingConfirmed, model.BookingCompleted, "", now)
			if err != nil {
				return fmt.Errorf("update booking: %w", err)
			}
			if !ok {
				return errs.New(errs.KindAlreadyResolved, "booking %d is no longer confirmed", id)
			}
			locked.State = model.BookingCompleted
			b = locked
			return nil
		})
		switch {
		case err == nil:
			completed++
			e.emit(ctx, queue.EventBookingCompleted, b)
		case errors.Is(err, errs.ErrAlreadyResolved):
		default:
			e.log.Error("complete booking failed", zap.Uint64("booking_id", id), zap.Error(err))
			failed = append(failed, fmt.Errorf("booking %d: %w", id, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	if completed > 0 {
		e.log.Info("bookings completed", zap.Int("count", completed))
	}
	return completed, errors.Join(failed...)
}
