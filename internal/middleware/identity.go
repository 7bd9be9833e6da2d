package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// Roles carried in the access token's role claim.
const (
	RoleCustomer = "CUSTOMER"
	RoleAdmin    = "ADMIN"
)

// Context keys set by JWTAuth.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// UserID returns the authenticated subject.  ok is false on public routes
// or when the subject is not a positive integer.
func UserID(c echo.Context) (uint64, bool) {
	switch t := c.Get(ctxUserID).(type) {
	case uint64:
		return t, t > 0
	case float64:
		if t > 0 && t == float64(uint64(t)) {
			return uint64(t), true
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// Role returns the authenticated role, or "".
func Role(c echo.Context) string {
	r, _ := c.Get(ctxRole).(string)
	return r
}

// currentUserID is the subject as a cache/rate-limit key component.
func currentUserID(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
