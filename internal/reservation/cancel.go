package reservation

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/queue"
)

// Cancel cancels a PENDING_PAYMENT or CONFIRMED booking and returns its
// slots to OPEN.  Cancelling a booking that is already CANCELLED or EXPIRED
// succeeds without changing anything; a COMPLETED booking yields
// AlreadyResolved.
func (e *Engine) Cancel(ctx context.Context, id uint64, reason string) (b *model.Booking, err error) {
	ctx, span := e.startSpan(ctx, "Cancel", attribute.Int64("booking_id", int64(id)))
	defer func() { endSpan(span, err) }()

	var changed bool
	err = e.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, changed, err = e.CancelTx(ctx, tx, id, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.log.Info("booking cancelled", zap.Uint64("booking_id", id), zap.String("reason", reason))
		e.emit(ctx, queue.EventBookingCancelled, b)
	}
	return b, nil
}

// CancelTx is Cancel inside the caller's transaction.  changed reports
// whether the booking moved to CANCELLED in this call.
func (e *Engine) CancelTx(ctx context.Context, tx *sql.Tx, id uint64, reason string) (b *model.Booking, changed bool, err error) {
	b, err = e.lock(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	switch b.State {
	case model.BookingCancelled, model.BookingExpired:
		return b, false, nil
	case model.BookingCompleted:
		return nil, false, errs.New(errs.KindAlreadyResolved, "booking %d is already completed", id)
	}
	if err := e.release(ctx, tx, b, model.BookingCancelled, reason); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// CancelPendingTx cancels the booking only while it is PENDING_PAYMENT;
// any other state yields AlreadyResolved.  The payment reconciler uses it
// so that a late failure notice can never cancel a paid booking.
func (e *Engine) CancelPendingTx(ctx context.Context, tx *sql.Tx, id uint64, reason string) (*model.Booking, error) {
	b, err := e.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.State != model.BookingPendingPayment {
		return nil, errs.New(errs.KindAlreadyResolved, "booking %d is already %s", id, b.State)
	}
	if err := e.release(ctx, tx, b, model.BookingCancelled, reason); err != nil {
		return nil, err
	}
	return b, nil
}

// release moves a locked active booking to the terminal state to and
// returns its slots to OPEN in the same transaction.
func (e *Engine) release(ctx context.Context, tx *sql.Tx, b *model.Booking, to model.BookingState, reason string) error {
	slotState := model.SlotBooked
	if b.State == model.BookingPendingPayment {
		slotState = model.SlotHeld
	}
	now := e.clock.Now()
	ok, err := e.bookings.UpdateStateTx(ctx, tx, b.ID, b.State, to, reason, now)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if !ok {
		return errs.New(errs.KindAlreadyResolved, "booking %d was resolved concurrently", b.ID)
	}
	if len(b.SlotIDs) > 0 {
		if err := e.ledger.Transition(ctx, tx, b.SlotIDs, slotState, model.SlotOpen); err != nil {
			return err
		}
	}
	b.State = to
	if reason != "" {
		r := reason
		b.CancelReason = &r
	}
	b.UpdatedAt = now
	return nil
}

// CancelAndBlock is the administrative override: every PENDING_PAYMENT or
// CONFIRMED booking overlapping iv on the bay is cancelled with reason
// blocked_by_admin and the block-out is applied, all in one transaction.
func (e *Engine) CancelAndBlock(ctx context.Context, bayID uint64, iv model.Interval, reason string, adminID uint64) (bo *model.BlockOut, cancelled []model.Booking, err error) {
	ctx, span := e.startSpan(ctx, "CancelAndBlock", attribute.Int64("bay_id", int64(bayID)))
	defer func() { endSpan(span, err) }()

	iv = model.NewInterval(iv.Start, iv.End)
	if !iv.Valid() {
		return nil, nil, errs.New(errs.KindInvalid, "block-out end must be after its start")
	}
	err = e.InTx(ctx, func(tx *sql.Tx) error {
		cancelled = cancelled[:0]
		ids, err := e.bookings.LockActiveOverlappingTx(ctx, tx, bayID, iv)
		if err != nil {
			return fmt.Errorf("find overlapping bookings: %w", err)
		}
		for _, id := range ids {
			b, err := e.lock(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := e.release(ctx, tx, b, model.BookingCancelled, model.CancelReasonBlockedByAdmin); err != nil {
				return err
			}
			cancelled = append(cancelled, *b)
		}
		bo, err = e.blockOuts.AddTx(ctx, tx, bayID, iv, reason, adminID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.log.Info("block-out applied with override",
		zap.Uint64("block_out_id", bo.ID), zap.Uint64("bay_id", bayID), zap.Int("cancelled_bookings", len(cancelled)))
	for i := range cancelled {
		e.emit(ctx, queue.EventBookingCancelled, &cancelled[i])
	}
	return bo, cancelled, nil
}
