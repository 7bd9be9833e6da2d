package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bay-reservation/internal/blockout"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/middleware"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
	"github.com/iliyamo/bay-reservation/internal/reservation"
	"github.com/iliyamo/bay-reservation/internal/slotgen"
)

// AdminHandler serves the ADMIN routes: bay setup, slot horizon, block-outs
// and booking cancellation.
type AdminHandler struct {
	db          *sql.DB
	bays        *repository.BayRepo
	engine      *reservation.Engine
	registry    *blockout.Registry
	generator   *slotgen.Generator
	horizonDays int
	clock       clock.Clock
}

// NewAdminHandler returns an AdminHandler.  horizonDays is the default
// for horizon generation requests that name none.
func NewAdminHandler(db *sql.DB, bays *repository.BayRepo, engine *reservation.Engine, registry *blockout.Registry,
	generator *slotgen.Generator, horizonDays int, clk clock.Clock) *AdminHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &AdminHandler{db: db, bays: bays, engine: engine, registry: registry, generator: generator, horizonDays: horizonDays, clock: clk}
}

// CreateBay handles POST /v1/admin/bays {"name"}.
func (h *AdminHandler) CreateBay(c echo.Context) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	name := strings.TrimSpace(body.Name)
	if name == "" || len(name) > 64 {
		return badRequest(c, "name must be 1-64 characters")
	}
	bay, err := h.bays.Create(c.Request().Context(), name, h.clock.Now())
	if errors.Is(err, repository.ErrDuplicate) {
		return fail(c, errs.New(errs.KindConflict, "bay %q already exists", name))
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, bay)
}

// UpdateBay handles PATCH /v1/admin/bays/:id {"active"}.
func (h *AdminHandler) UpdateBay(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid bay id")
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Active == nil {
		return badRequest(c, "active is required")
	}
	bay, err := h.bays.SetActive(c.Request().Context(), id, *body.Active, h.clock.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return fail(c, errs.New(errs.KindNotFound, "bay %d does not exist", id))
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, bay)
}

type dayFailure struct {
	Day   string `json:"day"`
	Error string `json:"error"`
}

// GenerateHorizon handles POST /v1/admin/bays/:id/horizon {"days"}.  It
// fills missing slots from today through the given number of days ahead
// and reports what it did.  Day failures yield 500 with the same report.
func (h *AdminHandler) GenerateHorizon(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid bay id")
	}
	var body struct {
		Days int `json:"days"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Days == 0 {
		body.Days = h.horizonDays
	}
	if body.Days < 1 || body.Days > 366 {
		return badRequest(c, "days must be between 1 and 366")
	}

	ctx := c.Request().Context()
	bay, err := h.bays.GetByID(ctx, h.db, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fail(c, errs.New(errs.KindNotFound, "bay %d does not exist", id))
	}
	if err != nil {
		return fail(c, err)
	}
	through := h.clock.Now().Add(time.Duration(body.Days) * 24 * time.Hour)
	rep := h.generator.EnsureHorizon(ctx, *bay, through)

	failures := make([]dayFailure, 0, len(rep.Failures))
	for _, f := range rep.Failures {
		failures = append(failures, dayFailure{Day: f.Day, Error: f.Err.Error()})
	}
	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, echo.Map{
		"bay_id":        rep.BayID,
		"skipped":       rep.Skipped,
		"days_checked":  rep.DaysChecked,
		"days_filled":   rep.DaysFilled,
		"slots_created": rep.SlotsCreated,
		"failures":      failures,
	})
}

type blockOutBody struct {
	BayID    uint64 `json:"bay_id"`
	Reason   string `json:"reason"`
	Override bool   `json:"override"`
	intervalBody
}

// CreateBlockOut handles POST /v1/admin/blockouts.  Without override the
// request fails with 409 when any covered slot is HELD or BOOKED; with
// override those bookings are cancelled first in the same transaction.
func (h *AdminHandler) CreateBlockOut(c echo.Context) error {
	adminID, _ := middleware.UserID(c)
	var body blockOutBody
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
	ctx := c.Request().Context()
	if !body.Override {
		bo, err := h.registry.Add(ctx, body.BayID, iv, body.Reason, adminID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, echo.Map{"block_out": bo, "cancelled_bookings": []model.Booking{}})
	}
	bo, cancelled, err := h.engine.CancelAndBlock(ctx, body.BayID, iv, body.Reason, adminID)
	if err != nil {
		return fail(c, err)
	}
	if cancelled == nil {
		cancelled = []model.Booking{}
	}
	return c.JSON(http.StatusCreated, echo.Map{"block_out": bo, "cancelled_bookings": cancelled})
}

// DeleteBlockOut handles DELETE /v1/admin/blockouts/:id.
func (h *AdminHandler) DeleteBlockOut(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid block-out id")
	}
	if err := h.registry.Remove(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListBlockOuts handles GET /v1/admin/blockouts?bay_id=&from=&to=.  Every
// filter is optional.
func (h *AdminHandler) ListBlockOuts(c echo.Context) error {
	var bayID uint64
	if v := c.QueryParam("bay_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return badRequest(c, "invalid bay_id")
		}
		bayID = n
	}
	var iv model.Interval
	if from, to := c.QueryParam("from"), c.QueryParam("to"); from != "" || to != "" {
		start, err1 := time.Parse(time.RFC3339, from)
		end, err2 := time.Parse(time.RFC3339, to)
		if err1 != nil || err2 != nil {
			return badRequest(c, "from and to must both be RFC 3339 timestamps")
		}
		iv = model.NewInterval(start, end)
		if !iv.Valid() {
			return badRequest(c, "to must be after from")
		}
	}
	list, err := h.registry.List(c.Request().Context(), bayID, iv)
	if err != nil {
		return fail(c, err)
	}
	if list == nil {
		list = []model.BlockOut{}
	}
	return c.JSON(http.StatusOK, list)
}

// CancelBooking handles DELETE /v1/admin/bookings/:id?reason=.  Any
// customer's booking may be cancelled; the reason defaults to
// admin_cancelled.
func (h *AdminHandler) CancelBooking(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	reason := strings.TrimSpace(c.QueryParam("reason"))
	if reason == "" {
		reason = model.CancelReasonAdmin
	}
	b, err := h.engine.Cancel(c.Request().Context(), id, reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}
