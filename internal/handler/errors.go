package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// statusOf maps a domain error kind to its HTTP status.
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindConflict, errs.KindBlocked, errs.KindAlreadyResolved, errs.KindExtendUnavailable:
		return http.StatusConflict
	case errs.KindOutOfWindow, errs.KindTooManySlots:
		return http.StatusUnprocessableEntity
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail renders err as {"error","reason","message"}.  Errors that are not
// domain errors are logged and reported as INTERNAL without detail.
func fail(c echo.Context, err error) error {
	e, ok := errs.As(err)
	if !ok {
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "INTERNAL", "message": "internal error"})
	}
	body := echo.Map{"error": e.Kind, "message": e.Message}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	return c.JSON(statusOf(e.Kind), body)
}

func badRequest(c echo.Context, format string, args ...any) error {
	return fail(c, errs.New(errs.KindInvalid, format, args...))
}

func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// intervalBody is the request shape shared by booking, extension and
// block-out requests.  Times are RFC 3339.
type intervalBody struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (b intervalBody) interval() (model.Interval, error) {
	if b.Start.IsZero() || b.End.IsZero() {
		return model.Interval{}, errs.New(errs.KindInvalid, "start and end are required")
	}
	iv := model.NewInterval(b.Start, b.End)
	if !iv.Valid() {
		return model.Interval{}, errs.New(errs.KindInvalid, "end must be after start")
	}
	return iv, nil
}
