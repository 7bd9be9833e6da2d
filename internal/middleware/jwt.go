package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// JWTAuth validates an HS256 Bearer token and stores its subject and role
// in the context (see UserID and Role).  Tokens are issued by the identity
// provider; any tier claim they carry is ignored.
func JWTAuth(secret string) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "UNAUTHORIZED", "message": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "UNAUTHORIZED", "message": "invalid token"})
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "UNAUTHORIZED", "message": "invalid claims"})
			}

			c.Set(ctxUserID, claims["sub"])
			c.Set(ctxRole, claims["role"])
			if _, ok := UserID(c); !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "UNAUTHORIZED", "message": "token has no usable subject"})
			}
			return next(c)
		}
	}
}
