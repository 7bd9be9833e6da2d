package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/queue"
	"github.com/iliyamo/bay-reservation/internal/repository"
	"github.com/iliyamo/bay-reservation/internal/reservation"
)

// Pricing is the flat per-slot checkout price.
type Pricing struct {
	PricePerSlotCents int64
	Currency          string
}

// Result reports what OnPaymentOutcome did.  Duplicate means the session
// had already been reconciled and nothing changed.  Stale means the
// outcome was recorded but the booking had already been resolved some
// other way (for example the hold expired first).
type Result struct {
	Session   *model.CheckoutSession
	Booking   *model.Booking
	Duplicate bool
	Stale     bool
}

// Reconciler drives checkout sessions.
type Reconciler struct {
	engine    *reservation.Engine
	sessions  *repository.CheckoutRepo
	bookings  *repository.BookingRepo
	processor Processor
	pricing   Pricing
	log       *zap.Logger
	tracer    trace.Tracer
}

// NewReconciler wires a Reconciler.
func NewReconciler(engine *reservation.Engine, sessions *repository.CheckoutRepo, bookings *repository.BookingRepo,
	processor Processor, pricing Pricing, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		engine:    engine,
		sessions:  sessions,
		bookings:  bookings,
		processor: processor,
		pricing:   pricing,
		log:       log.Named("checkout"),
		tracer:    otel.Tracer("github.com/iliyamo/bay-reservation/internal/checkout"),
	}
}

// BeginCheckout opens a processor session for a PENDING_PAYMENT booking and
// records it.  A booking has at most one open session: while an
// unreconciled one exists it is returned instead of opening a second
// charge.  The processor is called with no transaction open; the state is
// checked again before the session is stored.
func (r *Reconciler) BeginCheckout(ctx context.Context, bookingID uint64, returnURL, sourceID string) (s *model.CheckoutSession, err error) {
	ctx, span := r.tracer.Start(ctx, "checkout.BeginCheckout", trace.WithAttributes(attribute.Int64("booking_id", int64(bookingID))))
	defer func() { endSpan(span, err) }()

	b, err := r.engine.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.State != model.BookingPendingPayment {
		return nil, errs.New(errs.KindAlreadyResolved, "booking %d is %s and cannot be paid for", bookingID, b.State)
	}
	if open, err := r.openSession(ctx, r.engine.DB(), bookingID); err != nil || open != nil {
		return open, err
	}

	amount := int64(len(b.SlotIDs)) * r.pricing.PricePerSlotCents
	sess, err := r.processor.CreateSession(ctx, SessionRequest{
		BookingID:      bookingID,
		AmountCents:    amount,
		Currency:       r.pricing.Currency,
		ReturnURL:      returnURL,
		SourceID:       sourceID,
		IdempotencyKey: IdempotencyKey(bookingID),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}

	now := r.engine.Clock().Now()
	s = &model.CheckoutSession{
		BookingID:   bookingID,
		ExternalID:  sess.ExternalID,
		RedirectURL: sess.RedirectURL,
		AmountCents: amount,
		Currency:    r.pricing.Currency,
		Outcome:     model.OutcomePending,
		CreatedAt:   now,
	}
	var existing *model.CheckoutSession
	err = r.engine.InTx(ctx, func(tx *sql.Tx) error {
		existing = nil
		locked, err := r.bookings.LockTx(ctx, tx, bookingID)
		if err != nil {
			return fmt.Errorf("lock booking: %w", err)
		}
		if locked.State != model.BookingPendingPayment {
			return errs.New(errs.KindAlreadyResolved, "booking %d was %s before checkout completed", bookingID, locked.State)
		}
		// A concurrent call stored its session while ours was being opened.
		existing, err = r.openSession(ctx, tx, bookingID)
		if err != nil || existing != nil {
			return err
		}
		if err := r.sessions.CreateTx(ctx, tx, s); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return errs.New(errs.KindConflict, "payment session %s is already recorded", sess.ExternalID)
			}
			return fmt.Errorf("store checkout session: %w", err)
		}
		return r.bookings.SetPaymentRefTx(ctx, tx, bookingID, sess.ExternalID, now)
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindAlreadyResolved {
			r.log.Warn("checkout session opened for a resolved booking",
				zap.Uint64("booking_id", bookingID), zap.String("session_id", sess.ExternalID))
		}
		return nil, err
	}
	if existing != nil {
		if existing.ExternalID != sess.ExternalID {
			r.log.Warn("concurrent checkout, keeping the stored session",
				zap.Uint64("booking_id", bookingID), zap.String("session_id", existing.ExternalID),
				zap.String("discarded_session_id", sess.ExternalID))
		}
		return existing, nil
	}
	r.log.Info("checkout started",
		zap.Uint64("booking_id", bookingID), zap.String("session_id", s.ExternalID), zap.Int64("amount_cents", amount))
	return s, nil
}

// IdempotencyKey is the processor idempotency key for a booking's charge.
// Retried checkouts of the same booking send the same key.
func IdempotencyKey(bookingID uint64) string {
	return "bayres-booking-" + strconv.FormatUint(bookingID, 10)
}

// openSession returns the booking's unreconciled session, or nil.
func (r *Reconciler) openSession(ctx context.Context, q database.Querier, bookingID uint64) (*model.CheckoutSession, error) {
	sessions, err := r.sessions.ListByBooking(ctx, q, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", err)
	}
	for i := range sessions {
		if sessions[i].ReconciledAt == nil {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// OnPaymentOutcome applies a processor notification.  It is safe to call
// any number of times for the same session.  A pending outcome is
// ignored; an unknown session yields NotFound.
func (r *Reconciler) OnPaymentOutcome(ctx context.Context, externalID string, outcome model.PaymentOutcome) (res Result, err error) {
	ctx, span := r.tracer.Start(ctx, "checkout.OnPaymentOutcome",
		trace.WithAttributes(attribute.String("session_id", externalID), attribute.String("outcome", string(outcome))))
	defer func() { endSpan(span, err) }()

	if !outcome.Valid() {
		return Result{}, errs.New(errs.KindInvalid, "unknown payment outcome %q", outcome)
	}
	if outcome == model.OutcomePending {
		return Result{}, nil
	}

	err = r.engine.InTx(ctx, func(tx *sql.Tx) error {
		res = Result{}
		s, err := r.sessions.LockByExternalIDTx(ctx, tx, externalID)
		if errors.Is(err, repository.ErrNotFound) {
			return errs.New(errs.KindNotFound, "no checkout session %s", externalID)
		}
		if err != nil {
			return fmt.Errorf("lock checkout session: %w", err)
		}
		res.Session = s
		if s.ReconciledAt != nil {
			res.Duplicate = true
			return nil
		}

		var b *model.Booking
		if outcome == model.OutcomeSucceeded {
			b, err = r.engine.ConfirmTx(ctx, tx, s.BookingID)
		} else {
			b, err = r.engine.CancelPendingTx(ctx, tx, s.BookingID, model.CancelReasonPaymentFailed)
		}
		switch {
		case errors.Is(err, errs.ErrAlreadyResolved):
			res.Stale = true
		case err != nil:
			return err
		}
		res.Booking = b

		now := r.engine.Clock().Now()
		if err := r.sessions.MarkReconciledTx(ctx, tx, s.ID, outcome, now); err != nil {
			return fmt.Errorf("record payment outcome: %w", err)
		}
		reconciled := database.Time(now)
		s.Outcome, s.ReconciledAt = outcome, &reconciled
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	fields := []zap.Field{zap.String("session_id", externalID), zap.String("outcome", string(outcome))}
	switch {
	case res.Duplicate:
		r.log.Info("duplicate payment notification", fields...)
	case res.Stale:
		// Money may have moved for a booking we no longer hold; refunds are
		// handled by the billing side.
		r.log.Warn("payment outcome for an already resolved booking",
			append(fields, zap.Uint64("booking_id", res.Session.BookingID))...)
	case outcome == model.OutcomeSucceeded:
		r.log.Info("booking paid", append(fields, zap.Uint64("booking_id", res.Booking.ID))...)
		r.engine.Emit(ctx, queue.EventBookingConfirmed, res.Booking)
	default:
		r.log.Info("payment failed, booking released", append(fields, zap.Uint64("booking_id", res.Booking.ID))...)
		r.engine.Emit(ctx, queue.EventBookingCancelled, res.Booking)
	}
	return res, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
