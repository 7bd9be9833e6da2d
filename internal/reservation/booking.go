package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/membership"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/queue"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

const displayLayout = "Mon 2 Jan 2006 15:04 MST"

// Create holds the slots covering iv on the bay for the customer and
// returns a PENDING_PAYMENT booking whose hold expires after the configured
// TTL.  Checks run in order: bay, membership window (OutOfWindow), slot
// resolution (NotFound), entitlement (TooManySlots), block-outs (Blocked),
// and finally the OPEN->HELD batch transition (Conflict).
func (e *Engine) Create(ctx context.Context, customerID, bayID uint64, iv model.Interval) (b *model.Booking, err error) {
	ctx, span := e.startSpan(ctx, "Create",
		attribute.Int64("customer_id", int64(customerID)), attribute.Int64("bay_id", int64(bayID)))
	defer func() { endSpan(span, err) }()

	iv = model.NewInterval(iv.Start, iv.End)
	if !iv.Valid() {
		return nil, errs.New(errs.KindInvalid, "booking end must be after its start")
	}

	// The profile is read from the authoritative source, never from the
	// token, so a stale tier cannot grant an earlier window.
	profile, err := e.profiles.Profile(ctx, customerID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	win := e.policy.Resolve(profile, now)
	if !win.Admits(iv.Start, now) {
		return nil, outOfWindow(win, iv.Start)
	}

	err = e.InTx(ctx, func(tx *sql.Tx) error {
		bay, err := e.bays.GetByID(ctx, tx, bayID)
		if errors.Is(err, repository.ErrNotFound) {
			return errs.New(errs.KindNotFound, "bay %d does not exist", bayID)
		}
		if err != nil {
			return fmt.Errorf("load bay: %w", err)
		}
		if !bay.Active {
			return errs.New(errs.KindNotFound, "bay %s is not accepting bookings", bay.Name)
		}

		slots, err := e.ledger.Resolve(ctx, tx, bayID, iv)
		if err != nil {
			return err
		}
		if len(slots) > win.MaxContiguousSlots {
			return errs.New(errs.KindTooManySlots, "%s members can book at most %d consecutive slots, %d requested",
				win.Tier, win.MaxContiguousSlots, len(slots))
		}
		blocked, err := e.blockOuts.IsBlocked(ctx, tx, bayID, iv)
		if err != nil {
			return err
		}
		if blocked {
			return errs.New(errs.KindBlocked, "bay %s is unavailable for part of the requested time", bay.Name)
		}
		ids := model.SlotIDs(slots)
		if err := e.ledger.Transition(ctx, tx, ids, model.SlotOpen, model.SlotHeld); err != nil {
			if errs.KindOf(err) == errs.KindConflict {
				return errs.New(errs.KindConflict, "the requested time on bay %s is no longer available", bay.Name)
			}
			return err
		}

		nb := &model.Booking{
			CustomerID:    customerID,
			BayID:         bayID,
			State:         model.BookingPendingPayment,
			StartAt:       iv.Start,
			EndAt:         iv.End,
			SlotIDs:       ids,
			HoldExpiresAt: now.Add(e.cfg.HoldTTL),
			CreatedAt:     now,
		}
		if err := e.bookings.CreateTx(ctx, tx, nb); err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		b = nb
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("booking_id", int64(b.ID)))
	e.log.Info("booking held",
		zap.Uint64("booking_id", b.ID), zap.Uint64("customer_id", customerID), zap.Uint64("bay_id", bayID),
		zap.Int("slots", len(b.SlotIDs)), zap.Time("hold_expires_at", b.HoldExpiresAt))
	e.emit(ctx, queue.EventBookingHeld, b)
	return b, nil
}

// Confirm moves a PENDING_PAYMENT booking to CONFIRMED and its slots from
// HELD to BOOKED.  Any other state yields AlreadyResolved.
func (e *Engine) Confirm(ctx context.Context, id uint64) (b *model.Booking, err error) {
	ctx, span := e.startSpan(ctx, "Confirm", attribute.Int64("booking_id", int64(id)))
	defer func() { endSpan(span, err) }()

	err = e.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = e.ConfirmTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("booking confirmed", zap.Uint64("booking_id", id))
	e.emit(ctx, queue.EventBookingConfirmed, b)
	return b, nil
}

// ConfirmTx is Confirm inside the caller's transaction.  No event is
// published; the caller does that after commit.
func (e *Engine) ConfirmTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	b, err := e.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.State != model.BookingPendingPayment {
		return nil, errs.New(errs.KindAlreadyResolved, "booking %d is already %s", id, b.State)
	}
	now := e.clock.Now()
	ok, err := e.bookings.UpdateStateTx(ctx, tx, id, model.BookingPendingPayment, model.BookingConfirmed, "", now)
	if err != nil {
		return nil, fmt.Errorf("update booking: %w", err)
	}
	if !ok {
		return nil, errs.New(errs.KindAlreadyResolved, "booking %d was resolved concurrently", id)
	}
	if err := e.ledger.Transition(ctx, tx, b.SlotIDs, model.SlotHeld, model.SlotBooked); err != nil {
		return nil, err
	}
	b.State = model.BookingConfirmed
	b.UpdatedAt = now
	return b, nil
}

// Extend adds the slots covering iv to a CONFIRMED booking.  iv must end
// where the booking starts or start where it ends.  Every refusal is an
// ExtendUnavailable error whose reason code says why and whose message
// can be shown to the customer as is.
func (e *Engine) Extend(ctx context.Context, id uint64, iv model.Interval) (b *model.Booking, err error) {
	ctx, span := e.startSpan(ctx, "Extend", attribute.Int64("booking_id", int64(id)))
	defer func() { endSpan(span, err) }()

	iv = model.NewInterval(iv.Start, iv.End)
	if !iv.Valid() {
		return nil, errs.New(errs.KindInvalid, "extension end must be after its start")
	}
	// The owner is needed to resolve the entitlement; the state itself is
	// re-checked under lock below.
	current, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	profile, err := e.profiles.Profile(ctx, current.CustomerID)
	if err != nil {
		return nil, err
	}

	err = e.InTx(ctx, func(tx *sql.Tx) error {
		locked, err := e.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.State != model.BookingConfirmed {
			return errs.ExtendUnavailable(errs.ReasonNotConfirmed, "only confirmed bookings can be extended; this one is %s", locked.State)
		}
		cur := locked.Interval()
		if !iv.End.Equal(cur.Start) && !iv.Start.Equal(cur.End) {
			return errs.ExtendUnavailable(errs.ReasonNotAdjacent, "the extra time must start when the booking ends or end when it starts")
		}

		now := e.clock.Now().UTC()
		win := e.policy.Resolve(profile, now)
		if iv.Start.Before(win.EarliestBookableFrom) {
			return errs.ExtendUnavailable(errs.ReasonNoSlot, "the requested time has already started")
		}
		slots, err := e.ledger.Resolve(ctx, tx, locked.BayID, iv)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return errs.ExtendUnavailable(errs.ReasonNoSlot, "there is no bookable time slot %s", describe(iv, win.Location()))
			}
			return err
		}
		if total := len(locked.SlotIDs) + len(slots); total > win.MaxExtendedSlots {
			return errs.ExtendUnavailable(errs.ReasonEntitlementExceeded,
				"%s members can extend a booking to at most %d consecutive slots; this would make %d", win.Tier, win.MaxExtendedSlots, total)
		}
		blocked, err := e.blockOuts.IsBlocked(ctx, tx, locked.BayID, iv)
		if err != nil {
			return err
		}
		if blocked {
			return errs.ExtendUnavailable(errs.ReasonBlocked, "the bay is unavailable %s", describe(iv, win.Location()))
		}
		ids := model.SlotIDs(slots)
		if err := e.ledger.Transition(ctx, tx, ids, model.SlotOpen, model.SlotBooked); err != nil {
			if errs.KindOf(err) == errs.KindConflict {
				return errs.ExtendUnavailable(errs.ReasonAlreadyBooked, "the time slot %s is already taken", describe(iv, win.Location()))
			}
			return err
		}
		if err := e.bookings.AddSlotsTx(ctx, tx, id, ids); err != nil {
			return fmt.Errorf("link slots: %w", err)
		}
		widened := cur
		if iv.Start.Before(widened.Start) {
			widened.Start = iv.Start
		}
		if iv.End.After(widened.End) {
			widened.End = iv.End
		}
		if err := e.bookings.ExtendTx(ctx, tx, id, widened, now); err != nil {
			return fmt.Errorf("extend booking: %w", err)
		}

		locked.SlotIDs = mergeSlotIDs(locked.SlotIDs, ids, iv.Start.Before(cur.Start))
		locked.StartAt, locked.EndAt = widened.Start, widened.End
		locked.ExtendedAt = &now
		locked.UpdatedAt = now
		b = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("booking extended", zap.Uint64("booking_id", id), zap.Int("slots", len(b.SlotIDs)))
	e.emit(ctx, queue.EventBookingExtended, b)
	return b, nil
}

// outOfWindow explains why win refused a booking starting at start.
func outOfWindow(win membership.Window, start time.Time) error {
	loc := win.Location()
	if start.Before(win.EarliestBookableFrom) {
		return errs.New(errs.KindOutOfWindow, "bookings must start at or after %s",
			win.EarliestBookableFrom.In(loc).Format(displayLayout))
	}
	return errs.New(errs.KindOutOfWindow, "%s members can book this day from %s",
		win.Tier, win.OpensAt(start).In(loc).Format(displayLayout))
}

// describe renders iv in facility time.
func describe(iv model.Interval, loc *time.Location) string {
	return fmt.Sprintf("from %s to %s", iv.Start.In(loc).Format("15:04"), iv.End.In(loc).Format("15:04"))
}

// mergeSlotIDs keeps slot ids in start order: the new ids go before the
// existing ones when the booking grows backwards.
func mergeSlotIDs(existing, added []uint64, before bool) []uint64 {
	out := make([]uint64, 0, len(existing)+len(added))
	if before {
		out = append(out, added...)
		return append(out, existing...)
	}
	out = append(out, existing...)
	return append(out, added...)
}
