package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bay-reservation/internal/checkout"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/middleware"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/reservation"
)

// BookingHandler serves the customer booking routes.  JWTAuth and the
// CUSTOMER role check run first; a customer only ever sees their own
// bookings, and another customer's booking reads as not found.
type BookingHandler struct {
	engine   *reservation.Engine
	checkout *checkout.Reconciler
}

// NewBookingHandler returns a BookingHandler.  A nil reconciler disables
// the checkout route.
func NewBookingHandler(engine *reservation.Engine, rec *checkout.Reconciler) *BookingHandler {
	if engine == nil {
		panic("nil engine passed to NewBookingHandler")
	}
	return &BookingHandler{engine: engine, checkout: rec}
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "UNAUTHORIZED", "message": "missing subject"})
}

// own loads the booking named by :id and checks that it belongs to the
// caller.
func (h *BookingHandler) own(c echo.Context, customerID uint64) (*model.Booking, error) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, errs.New(errs.KindInvalid, "invalid booking id")
	}
	b, err := h.engine.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != customerID {
		return nil, errs.New(errs.KindNotFound, "booking %d does not exist", id)
	}
	return b, nil
}

type createBookingBody struct {
	BayID uint64 `json:"bay_id"`
	intervalBody
}

// Create handles POST /v1/bookings.  On success the slots are HELD and the
// booking is PENDING_PAYMENT until checkout completes or the hold lapses.
func (h *BookingHandler) Create(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	var body createBookingBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.BayID == 0 {
		return badRequest(c, "bay_id is required")
	}
	iv, err := body.interval()
	if err != nil {
		return fail(c, err)
	}
	b, err := h.engine.Create(c.Request().Context(), uid, body.BayID, iv)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// List handles GET /v1/bookings.
func (h *BookingHandler) List(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	list, err := h.engine.ListByCustomer(c.Request().Context(), uid)
	if err != nil {
		return fail(c, err)
	}
	if list == nil {
		list = []model.Booking{}
	}
	return c.JSON(http.StatusOK, list)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	b, err := h.own(c, uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Extend handles POST /v1/bookings/:id/extend with the adjacent interval to
// add, either directly after or directly before the booking.
func (h *BookingHandler) Extend(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	b, err := h.own(c, uid)
	if err != nil {
		return fail(c, err)
	}
	var body intervalBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	iv, err := body.interval()
	if err != nil {
		return fail(c, err)
	}
	b, err = h.engine.Extend(c.Request().Context(), b.ID, iv)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

type checkoutBody struct {
	ReturnURL string `json:"return_url"`
	SourceID  string `json:"source_id"`
}

// Checkout handles POST /v1/bookings/:id/checkout.  It opens a payment
// session for a PENDING_PAYMENT booking and returns where to send the
// customer.
func (h *BookingHandler) Checkout(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	if h.checkout == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "UNAVAILABLE", "message": "payments are not configured"})
	}
	b, err := h.own(c, uid)
	if err != nil {
		return fail(c, err)
	}
	var body checkoutBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.ReturnURL == "" {
		return badRequest(c, "return_url is required")
	}
	s, err := h.checkout.BeginCheckout(c.Request().Context(), b.ID, body.ReturnURL, body.SourceID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// Cancel handles DELETE /v1/bookings/:id.  Cancelling an already cancelled
// or expired booking returns it unchanged.
func (h *BookingHandler) Cancel(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	b, err := h.own(c, uid)
	if err != nil {
		return fail(c, err)
	}
	b, err = h.engine.Cancel(c.Request().Context(), b.ID, model.CancelReasonCustomer)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}
