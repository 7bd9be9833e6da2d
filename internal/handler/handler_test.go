package handler_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bay-reservation/internal/blockout"
	"github.com/iliyamo/bay-reservation/internal/checkout"
	"github.com/iliyamo/bay-reservation/internal/database/dbtest"
	"github.com/iliyamo/bay-reservation/internal/handler"
	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/membership"
	"github.com/iliyamo/bay-reservation/internal/middleware"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
	"github.com/iliyamo/bay-reservation/internal/reservation"
	"github.com/iliyamo/bay-reservation/internal/router"
	"github.com/iliyamo/bay-reservation/internal/slotgen"
	"github.com/iliyamo/bay-reservation/internal/utils"
)

const (
	secret       = "handler-test-secret"
	parCustomer  = uint64(1)
	noneCustomer = uint64(2)
	adminUser    = uint64(99)
)

var (
	now       = time.Date(2025, 5, 26, 8, 0, 0, 0, time.UTC)
	firstSlot = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
)

type processor struct {
	mu sync.Mutex
	n  int
}

func (p *processor) CreateSession(context.Context, checkout.SessionRequest) (checkout.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	id := fmt.Sprintf("chrg_%d", p.n)
	return checkout.Session{ExternalID: id, RedirectURL: "https://pay.example/" + id}, nil
}

type outcome struct {
	session string
	outcome model.PaymentOutcome
}

type resolver struct {
	mu     sync.Mutex
	events map[string]outcome
	err    error
}

func (r *resolver) ResolveEvent(_ context.Context, id string) (string, model.PaymentOutcome, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", "", false, r.err
	}
	o, ok := r.events[id]
	return o.session, o.outcome, ok, nil
}

func (r *resolver) set(id, session string, o model.PaymentOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[id] = outcome{session, o}
}

type api struct {
	e        *echo.Echo
	db       *sql.DB
	bay      uint64
	slots    []uint64
	resolver *resolver
}

func newAPI(t *testing.T, payments bool) *api {
	t.Helper()
	db := dbtest.Open(t)
	bay := dbtest.SeedBay(t, db, "B1")
	slots := dbtest.SeedSlots(t, db, bay, firstSlot, 30*time.Minute, 6)
	dbtest.SeedProfile(t, db, parCustomer, "PAR", "ACTIVE")

	clk := testclock.NewClock(now)
	slotRepo := repository.NewSlotRepo(db, dbtest.SQLite)
	bays := repository.NewBayRepo(db, dbtest.SQLite)
	bookings := repository.NewBookingRepo(db, dbtest.SQLite)
	led := ledger.New(slotRepo, clk)
	reg := blockout.NewRegistry(dbtest.Runner(db), bays, repository.NewBlockOutRepo(db, dbtest.SQLite), slotRepo, led, clk, nil)
	policy, err := membership.NewPolicy(membership.DefaultRules(), time.UTC, 0, 0)
	require.NoError(t, err)
	engine := reservation.New(reservation.Deps{
		DB:        db,
		Dialect:   dbtest.SQLite,
		Bays:      bays,
		Bookings:  bookings,
		Ledger:    led,
		BlockOuts: reg,
		Policy:    policy,
		Profiles:  membership.NewRepoSource(repository.NewMembershipRepo(db)),
		Clock:     clk,
	}, reservation.Config{TxRetryDelay: time.Millisecond})
	gen := slotgen.NewGenerator(dbtest.Runner(db), slotRepo, repository.NewBlockOutRepo(db, dbtest.SQLite), led, slotgen.Schedule{
		Location: time.UTC, Open: 7 * time.Hour, Close: 22 * time.Hour, Granularity: 30 * time.Minute,
	}, clk, nil)

	a := &api{e: echo.New(), db: db, bay: bay, slots: slots, resolver: &resolver{events: map[string]outcome{}}}
	h := router.Handlers{
		Ready:  handler.Ready(db),
		Public: handler.NewPublicHandler(db, bays, led, clk),
		Admin:  handler.NewAdminHandler(db, bays, engine, reg, gen, 1, clk),
	}
	var rec *checkout.Reconciler
	if payments {
		rec = checkout.NewReconciler(engine, repository.NewCheckoutRepo(db, dbtest.SQLite), bookings,
			&processor{}, checkout.Pricing{PricePerSlotCents: 40000, Currency: "THB"}, nil)
		h.Webhook = handler.NewWebhookHandler(a.resolver, rec, nil)
	}
	h.Bookings = handler.NewBookingHandler(engine, rec)
	router.Register(a.e, h, router.Middleware{JWTSecret: secret})
	return a
}

func bearer(t *testing.T, id uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, id, role, time.Hour, time.Now())
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func (a *api) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type apiError struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func slotTime(h, m int) string {
	return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC).Format(time.RFC3339)
}

func bookingBody(bay uint64, h1, m1, h2, m2 int) map[string]any {
	return map[string]any{"bay_id": bay, "start": slotTime(h1, m1), "end": slotTime(h2, m2)}
}

func TestHealthAndReady(t *testing.T) {
	a := newAPI(t, false)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/readyz", "", nil).Code)
}

func TestPublicBaysAndSlots(t *testing.T) {
	a := newAPI(t, false)

	rec := a.do(t, http.MethodGet, "/v1/bays", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bays := decode[[]model.Bay](t, rec)
	require.Len(t, bays, 1)
	assert.Equal(t, "B1", bays[0].Name)

	path := fmt.Sprintf("/v1/bays/%d/slots?from=%s&to=%s", a.bay, slotTime(9, 0), slotTime(12, 0))
	rec = a.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Slots []model.Slot `json:"slots"`
	}](t, rec)
	require.Len(t, body.Slots, 6)
	assert.Equal(t, model.SlotOpen, body.Slots[0].Status)

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/v1/bays/%d/slots?from=yesterday", a.bay), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodGet, fmt.Sprintf("/v1/bays/%d/slots?from=2025-06-01T00:00:00Z&to=2025-07-01T00:00:00Z", a.bay), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodGet, "/v1/bays/999/slots", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBookingRoutesRequireCustomer(t *testing.T) {
	a := newAPI(t, false)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/v1/bookings", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/v1/bookings", bearer(t, adminUser, middleware.RoleAdmin), nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/v1/admin/blockouts", bearer(t, parCustomer, middleware.RoleCustomer), nil).Code)
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t, true)
	par := bearer(t, parCustomer, middleware.RoleCustomer)
	other := bearer(t, noneCustomer, middleware.RoleCustomer)

	rec := a.do(t, http.MethodPost, "/v1/bookings", par, bookingBody(a.bay, 9, 0, 10, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[model.Booking](t, rec)
	assert.Equal(t, model.BookingPendingPayment, b.State)
	assert.Equal(t, a.slots[:2], b.SlotIDs)
	bookingPath := fmt.Sprintf("/v1/bookings/%d", b.ID)

	rec = a.do(t, http.MethodPost, "/v1/bookings", other, bookingBody(a.bay, 9, 30, 10, 0))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decode[apiError](t, rec).Error)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, bookingPath, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, bookingPath, other, nil).Code)

	rec = a.do(t, http.MethodPost, bookingPath+"/checkout", par, map[string]any{"return_url": "https://app.example/done"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[model.CheckoutSession](t, rec)
	assert.Equal(t, "chrg_1", sess.ExternalID)
	assert.Equal(t, int64(80000), sess.AmountCents)

	a.resolver.set("evnt_1", "chrg_1", model.OutcomeSucceeded)
	rec = a.do(t, http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_1", "key": "charge.complete"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed"`)

	rec = a.do(t, http.MethodGet, bookingPath, par, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BookingConfirmed, decode[model.Booking](t, rec).State)

	rec = a.do(t, http.MethodPost, bookingPath+"/extend", par, map[string]any{"start": slotTime(10, 0), "end": slotTime(10, 30)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[model.Booking](t, rec).SlotIDs, 3)

	rec = a.do(t, http.MethodPost, bookingPath+"/extend", par, map[string]any{"start": slotTime(10, 30), "end": slotTime(11, 0)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "entitlement_exceeded", decode[apiError](t, rec).Reason)

	rec = a.do(t, http.MethodGet, "/v1/bookings", par, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Booking](t, rec), 1)

	rec = a.do(t, http.MethodDelete, bookingPath, par, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BookingCancelled, decode[model.Booking](t, rec).State)
	assert.Equal(t, dbtest.Repeat("OPEN", 6), dbtest.SlotStatuses(t, a.db, a.slots))
}

func TestBookingValidationErrors(t *testing.T) {
	a := newAPI(t, false)
	par := bearer(t, parCustomer, middleware.RoleCustomer)

	rec := a.do(t, http.MethodPost, "/v1/bookings", par, bookingBody(a.bay, 9, 0, 10, 30))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "TOO_MANY_SLOTS", decode[apiError](t, rec).Error)

	rec = a.do(t, http.MethodPost, "/v1/bookings", par, map[string]any{"start": slotTime(9, 0), "end": slotTime(9, 30)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bookings", par, bookingBody(a.bay, 10, 0, 9, 0))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID", decode[apiError](t, rec).Error)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/v1/bookings/12345", par, nil).Code)
}

func TestCheckoutUnavailableWithoutProcessor(t *testing.T) {
	a := newAPI(t, false)
	par := bearer(t, parCustomer, middleware.RoleCustomer)
	rec := a.do(t, http.MethodPost, "/v1/bookings", par, bookingBody(a.bay, 9, 0, 9, 30))
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[model.Booking](t, rec)

	rec = a.do(t, http.MethodPost, fmt.Sprintf("/v1/bookings/%d/checkout", b.ID), par, map[string]any{"return_url": "https://x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt"}).Code)
}

func TestWebhookAcknowledgement(t *testing.T) {
	a := newAPI(t, true)

	rec := a.do(t, http.MethodPost, "/v1/payments/webhook", "", map[string]any{"key": "charge.complete"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	rec = a.do(t, http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_unrelated"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	a.resolver.set("evnt_unknown", "chrg_nobody", model.OutcomeSucceeded)
	rec = a.do(t, http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_unknown"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	a.resolver.err = errors.New("processor unreachable")
	rec = a.do(t, http.MethodPost, "/v1/payments/webhook", "", map[string]any{"id": "evnt_1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminBays(t *testing.T) {
	a := newAPI(t, false)
	admin := bearer(t, adminUser, middleware.RoleAdmin)

	rec := a.do(t, http.MethodPost, "/v1/admin/bays", admin, map[string]any{"name": "B2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	bay := decode[model.Bay](t, rec)
	assert.True(t, bay.Active)

	rec = a.do(t, http.MethodPost, "/v1/admin/bays", admin, map[string]any{"name": "B2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/v1/admin/bays", admin, map[string]any{"name": " "}).Code)

	rec = a.do(t, http.MethodPost, fmt.Sprintf("/v1/admin/bays/%d/horizon", bay.ID), admin, map[string]any{"days": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[struct {
		DaysChecked  int   `json:"days_checked"`
		SlotsCreated int64 `json:"slots_created"`
	}](t, rec)
	assert.Equal(t, 2, report.DaysChecked)
	assert.Equal(t, int64(60), report.SlotsCreated)

	rec = a.do(t, http.MethodPatch, fmt.Sprintf("/v1/admin/bays/%d", bay.ID), admin, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.Bay](t, rec).Active)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPatch, fmt.Sprintf("/v1/admin/bays/%d", bay.ID), admin, map[string]any{}).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPatch, "/v1/admin/bays/999", admin, map[string]any{"active": true}).Code)

	rec = a.do(t, http.MethodGet, "/v1/bays", "", nil)
	assert.Len(t, decode[[]model.Bay](t, rec), 1)
}

func TestAdminBlockOuts(t *testing.T) {
	a := newAPI(t, false)
	admin := bearer(t, adminUser, middleware.RoleAdmin)
	par := bearer(t, parCustomer, middleware.RoleCustomer)

	rec := a.do(t, http.MethodPost, "/v1/bookings", par, bookingBody(a.bay, 9, 0, 10, 0))
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[model.Booking](t, rec)

	block := map[string]any{"bay_id": a.bay, "start": slotTime(9, 30), "end": slotTime(11, 0), "reason": "maintenance"}
	rec = a.do(t, http.MethodPost, "/v1/admin/blockouts", admin, block)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"HELD", "HELD", "OPEN", "OPEN", "OPEN", "OPEN"}, dbtest.SlotStatuses(t, a.db, a.slots))

	block["override"] = true
	rec = a.do(t, http.MethodPost, "/v1/admin/blockouts", admin, block)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		BlockOut  model.BlockOut  `json:"block_out"`
		Cancelled []model.Booking `json:"cancelled_bookings"`
	}](t, rec)
	require.Len(t, created.Cancelled, 1)
	assert.Equal(t, b.ID, created.Cancelled[0].ID)
	assert.Equal(t, adminUser, created.BlockOut.CreatedBy)
	assert.Equal(t, []string{"OPEN", "BLOCKED", "BLOCKED", "BLOCKED", "OPEN", "OPEN"}, dbtest.SlotStatuses(t, a.db, a.slots))

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/v1/admin/blockouts?bay_id=%d", a.bay), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.BlockOut](t, rec), 1)

	path := fmt.Sprintf("/v1/admin/blockouts/%d", created.BlockOut.ID)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, path, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, path, admin, nil).Code)
	assert.Equal(t, dbtest.Repeat("OPEN", 6), dbtest.SlotStatuses(t, a.db, a.slots))
}

func TestAdminCancelBooking(t *testing.T) {
	a := newAPI(t, false)
	admin := bearer(t, adminUser, middleware.RoleAdmin)
	rec := a.do(t, http.MethodPost, "/v1/bookings", bearer(t, parCustomer, middleware.RoleCustomer), bookingBody(a.bay, 11, 0, 12, 0))
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[model.Booking](t, rec)

	rec = a.do(t, http.MethodDelete, fmt.Sprintf("/v1/admin/bookings/%d", b.ID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.Booking](t, rec)
	assert.Equal(t, model.BookingCancelled, got.State)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, model.CancelReasonAdmin, *got.CancelReason)
}
