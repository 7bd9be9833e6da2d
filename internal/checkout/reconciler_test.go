package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/iliyamo/bay-reservation/internal/blockout"
	"github.com/iliyamo/bay-reservation/internal/database/dbtest"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/membership"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/queue"
	"github.com/iliyamo/bay-reservation/internal/repository"
	"github.com/iliyamo/bay-reservation/internal/reservation"
)

type fakeProcessor struct {
	mu     sync.Mutex
	calls  []SessionRequest
	err    error
	during func()
}

func (f *fakeProcessor) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return Session{}, f.err
	}
	id := fmt.Sprintf("chrg_test_%d", len(f.calls))
	return Session{ExternalID: id, RedirectURL: "https://pay.example/" + id}, nil
}

type events struct {
	mu    sync.Mutex
	types []string
}

func (e *events) Publish(_ context.Context, ev queue.BookingEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, ev.Type)
	return nil
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

type fixture struct {
	db         *sql.DB
	engine     *reservation.Engine
	reconciler *Reconciler
	sessions   *repository.CheckoutRepo
	processor  *fakeProcessor
	events     *events
	clock      *testclock.Clock
	bay        uint64
	slots      []uint64
}

var (
	now   = time.Date(2025, 5, 26, 8, 0, 0, 0, time.UTC)
	start = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	bay := dbtest.SeedBay(t, db, "B1")
	slots := dbtest.SeedSlots(t, db, bay, start, 30*time.Minute, 4)

	clk := testclock.NewClock(now)
	slotRepo := repository.NewSlotRepo(db, dbtest.SQLite)
	bays := repository.NewBayRepo(db, dbtest.SQLite)
	bookings := repository.NewBookingRepo(db, dbtest.SQLite)
	led := ledger.New(slotRepo, clk)
	reg := blockout.NewRegistry(dbtest.Runner(db), bays, repository.NewBlockOutRepo(db, dbtest.SQLite), slotRepo, led, clk, nil)
	policy, err := membership.NewPolicy(membership.DefaultRules(), time.UTC, 0, 0)
	require.NoError(t, err)
	ev := &events{}

	engine := reservation.New(reservation.Deps{
		DB:        db,
		Dialect:   dbtest.SQLite,
		Bays:      bays,
		Bookings:  bookings,
		Ledger:    led,
		BlockOuts: reg,
		Policy:    policy,
		Profiles:  membership.NewRepoSource(repository.NewMembershipRepo(db)),
		Publisher: ev,
		Clock:     clk,
	}, reservation.Config{TxRetryDelay: time.Millisecond})

	sessions := repository.NewCheckoutRepo(db, dbtest.SQLite)
	proc := &fakeProcessor{}
	rec := NewReconciler(engine, sessions, bookings, proc, Pricing{PricePerSlotCents: 1500, Currency: "THB"}, nil)
	return &fixture{db: db, engine: engine, reconciler: rec, sessions: sessions, processor: proc, events: ev, clock: clk, bay: bay, slots: slots}
}

func (f *fixture) hold(t *testing.T) *model.Booking {
	t.Helper()
	b, err := f.engine.Create(context.Background(), 7, f.bay, model.NewInterval(start, start.Add(time.Hour)))
	require.NoError(t, err)
	return b
}

func TestBeginCheckoutStoresSessionAndPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)

	s, err := f.reconciler.BeginCheckout(ctx, b.ID, "https://app.example/done", "src_test_1")
	require.NoError(t, err)
	assert.Equal(t, "chrg_test_1", s.ExternalID)
	assert.Equal(t, int64(3000), s.AmountCents)
	assert.Equal(t, model.OutcomePending, s.Outcome)

	require.Len(t, f.processor.calls, 1)
	call := f.processor.calls[0]
	assert.Equal(t, b.ID, call.BookingID)
	assert.Equal(t, "src_test_1", call.SourceID)
	assert.Equal(t, "https://app.example/done", call.ReturnURL)
	assert.Equal(t, IdempotencyKey(b.ID), call.IdempotencyKey)

	stored, err := f.sessions.GetByExternalID(ctx, f.db, "chrg_test_1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, stored.BookingID)
	assert.Nil(t, stored.ReconciledAt)

	got, err := f.engine.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PaymentRef)
	assert.Equal(t, "chrg_test_1", *got.PaymentRef)
}

func TestBeginCheckoutTwiceReusesOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)

	first, err := f.reconciler.BeginCheckout(ctx, b.ID, "https://app.example/done", "src_1")
	require.NoError(t, err)
	second, err := f.reconciler.BeginCheckout(ctx, b.ID, "https://app.example/done", "src_2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Len(t, f.processor.calls, 1, "no second charge is opened")

	list, err := f.sessions.ListByBooking(ctx, f.db, b.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	res, err := f.reconciler.OnPaymentOutcome(ctx, first.ExternalID, model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, model.BookingConfirmed, res.Booking.State)
}

func TestBeginCheckoutKeepsSessionStoredConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)

	// Another request stores its session while ours is at the processor.
	f.processor.during = func() {
		f.processor.during = nil
		_, err := f.db.Exec(`INSERT INTO checkout_sessions (booking_id, external_id, redirect_url, amount_cents, currency, outcome, created_at)
            VALUES (?, 'chrg_other', 'https://pay.example/chrg_other', 3000, 'THB', 'pending', ?)`, b.ID, now)
		require.NoError(t, err)
	}

	s, err := f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	require.NoError(t, err)
	assert.Equal(t, "chrg_other", s.ExternalID)

	list, err := f.sessions.ListByBooking(ctx, f.db, b.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "chrg_other", list[0].ExternalID)
}

func TestBeginCheckoutReusesPendingAndRefusesAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)

	s, err := f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	require.NoError(t, err)
	// A pending outcome leaves the session open.
	_, err = f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomePending)
	require.NoError(t, err)
	again, err := f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	require.NoError(t, err)
	assert.Equal(t, s.ExternalID, again.ExternalID)

	_, err = f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomeFailed)
	require.NoError(t, err)
	_, err = f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	assert.ErrorIs(t, err, errs.ErrAlreadyResolved, "a failed payment released the booking")
	assert.Len(t, f.processor.calls, 1)
}

func TestBeginCheckoutRequiresPendingBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)
	_, err := f.engine.Confirm(ctx, b.ID)
	require.NoError(t, err)

	_, err = f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	assert.ErrorIs(t, err, errs.ErrAlreadyResolved)
	assert.Empty(t, f.processor.calls)

	_, err = f.reconciler.BeginCheckout(ctx, b.ID+100, "", "src")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBeginCheckoutProcessorFailure(t *testing.T) {
	f := newFixture(t)
	f.processor.err = errors.New("gateway timeout")
	b := f.hold(t)

	_, err := f.reconciler.BeginCheckout(context.Background(), b.ID, "", "src")
	require.Error(t, err)
	assert.Equal(t, errs.Kind(""), errs.KindOf(err))

	list, err := f.sessions.ListByBooking(context.Background(), f.db, b.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPaymentSuccessConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)
	s, err := f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	require.NoError(t, err)

	res, err := f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.False(t, res.Stale)
	require.NotNil(t, res.Booking)
	assert.Equal(t, model.BookingConfirmed, res.Booking.State)
	assert.Equal(t, []string{"BOOKED", "BOOKED", "OPEN", "OPEN"}, dbtest.SlotStatuses(t, f.db, f.slots))

	again, err := f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, []string{queue.EventBookingHeld, queue.EventBookingConfirmed}, f.events.list())

	// A contradictory late notice for a reconciled session changes nothing.
	late, err := f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomeFailed)
	require.NoError(t, err)
	assert.True(t, late.Duplicate)
	got, err := f.engine.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, got.State)

	stored, err := f.sessions.GetByExternalID(ctx, f.db, s.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, stored.Outcome)
	assert.NotNil(t, stored.ReconciledAt)
}

func TestPaymentFailureReleasesSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)
	s, err := f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	require.NoError(t, err)

	res, err := f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomeFailed)
	require.NoError(t, err)
	require.NotNil(t, res.Booking)
	assert.Equal(t, model.BookingCancelled, res.Booking.State)
	require.NotNil(t, res.Booking.CancelReason)
	assert.Equal(t, model.CancelReasonPaymentFailed, *res.Booking.CancelReason)
	assert.Equal(t, dbtest.Repeat("OPEN", 4), dbtest.SlotStatuses(t, f.db, f.slots))
	assert.Contains(t, f.events.list(), queue.EventBookingCancelled)
}

func TestPaymentAfterHoldExpiredIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.hold(t)
	s, err := f.reconciler.BeginCheckout(ctx, b.ID, "", "src")
	require.NoError(t, err)

	f.clock.Advance(reservation.DefaultHoldTTL + time.Minute)
	n, err := f.engine.ExpireStaleHolds(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := f.reconciler.OnPaymentOutcome(ctx, s.ExternalID, model.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Nil(t, res.Booking)

	got, err := f.engine.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingExpired, got.State)
	assert.Equal(t, dbtest.Repeat("OPEN", 4), dbtest.SlotStatuses(t, f.db, f.slots))

	stored, err := f.sessions.GetByExternalID(ctx, f.db, s.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, stored.Outcome)
	assert.NotNil(t, stored.ReconciledAt)
}

func TestOutcomeForUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.OnPaymentOutcome(context.Background(), "chrg_missing", model.OutcomeSucceeded)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.reconciler.OnPaymentOutcome(context.Background(), "chrg_missing", model.PaymentOutcome("refunded"))
	assert.ErrorIs(t, err, errs.ErrInvalid)

	res, err := f.reconciler.OnPaymentOutcome(context.Background(), "chrg_missing", model.OutcomePending)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
}

func TestChargeOutcome(t *testing.T) {
	cases := map[string]model.PaymentOutcome{
		"successful":         model.OutcomeSucceeded,
		"failed":             model.OutcomeFailed,
		"reversed":           model.OutcomeFailed,
		"expired":            model.OutcomeExpired,
		"pending":            model.OutcomePending,
		"awaiting_authorize": model.OutcomePending,
	}
	for status, want := range cases {
		assert.Equal(t, want, ChargeOutcome(status), status)
	}
}

func TestCheckoutSpansCarryPackageScope(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t)
	b := f.hold(t)
	_, err := f.reconciler.BeginCheckout(context.Background(), b.ID, "", "src")
	require.NoError(t, err)

	scopes := map[string]string{}
	for _, s := range spans.Ended() {
		scopes[s.Name()] = s.InstrumentationScope().Name
	}
	assert.Equal(t, "github.com/iliyamo/bay-reservation/internal/checkout", scopes["checkout.BeginCheckout"])
	assert.Equal(t, "github.com/iliyamo/bay-reservation/internal/reservation", scopes["reservation.Create"])
}
