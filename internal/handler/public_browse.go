package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

// MaxSlotRange bounds the window a single slot listing may cover.
const MaxSlotRange = 14 * 24 * time.Hour

// PublicHandler serves the unauthenticated display surface: the bay list
// and per-bay slot availability.
type PublicHandler struct {
	db     *sql.DB
	bays   *repository.BayRepo
	ledger *ledger.Ledger
	clock  clock.Clock
}

// NewPublicHandler returns a PublicHandler.
func NewPublicHandler(db *sql.DB, bays *repository.BayRepo, l *ledger.Ledger, clk clock.Clock) *PublicHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &PublicHandler{db: db, bays: bays, ledger: l, clock: clk}
}

// ListBays handles GET /v1/bays.  Only active bays are listed.
func (h *PublicHandler) ListBays(c echo.Context) error {
	bays, err := h.bays.List(c.Request().Context(), true)
	if err != nil {
		return fail(c, err)
	}
	if bays == nil {
		bays = []model.Bay{}
	}
	return c.JSON(http.StatusOK, bays)
}

// ListSlots handles GET /v1/bays/:id/slots?from=&to=.  The window defaults
// to the next 24 hours and may not exceed MaxSlotRange.
func (h *PublicHandler) ListSlots(c echo.Context) error {
	bayID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid bay id")
	}
	from := h.clock.Now().UTC().Truncate(time.Hour)
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "from must be an RFC 3339 timestamp")
		}
		from = t
	}
	to := from.Add(24 * time.Hour)
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "to must be an RFC 3339 timestamp")
		}
		to = t
	}
	iv := model.NewInterval(from, to)
	if iv.Duration() > MaxSlotRange {
		return badRequest(c, "range may not exceed %s", MaxSlotRange)
	}

	ctx := c.Request().Context()
	bay, err := h.bays.GetByID(ctx, h.db, bayID)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "NOT_FOUND", "message": "bay not found"})
	}
	if err != nil {
		return fail(c, err)
	}
	slots, err := h.ledger.GetSlots(ctx, h.db, bayID, iv)
	if err != nil {
		return fail(c, err)
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	return c.JSON(http.StatusOK, echo.Map{"bay": bay, "from": iv.Start, "to": iv.End, "slots": slots})
}
