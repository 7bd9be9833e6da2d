// Package router registers the HTTP routes on an echo instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bay-reservation/internal/handler"
	"github.com/iliyamo/bay-reservation/internal/middleware"
)

// Handlers bundles everything the routes dispatch to.  Webhook may be nil
// when no payment processor is configured.
type Handlers struct {
	Ready    echo.HandlerFunc
	Public   *handler.PublicHandler
	Bookings *handler.BookingHandler
	Admin    *handler.AdminHandler
	Webhook  *handler.WebhookHandler
}

// Middleware carries the shared middleware built from configuration.
type Middleware struct {
	JWTSecret string
	RateLimit echo.MiddlewareFunc
	Cache     echo.MiddlewareFunc
}

func passthrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// Register mounts every route.
func Register(e *echo.Echo, h Handlers, m Middleware) {
	if m.RateLimit == nil {
		m.RateLimit = passthrough
	}
	if m.Cache == nil {
		m.Cache = passthrough
	}

	e.GET("/healthz", handler.Health)
	if h.Ready != nil {
		e.GET("/readyz", h.Ready)
	}

	RegisterPublic(e, h.Public, m.Cache)
	if h.Webhook != nil {
		e.POST("/v1/payments/webhook", h.Webhook.Receive)
	}
	RegisterCustomer(e, h.Bookings, m.JWTSecret, m.RateLimit)
	RegisterAdmin(e, h.Admin, m.JWTSecret)
}

// RegisterPublic mounts the unauthenticated display routes.  Only the bay
// list is cached; slot availability is always read live.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/bays", p.ListBays, cache)
	e.GET("/v1/bays/:id/slots", p.ListSlots)
}

// RegisterCustomer mounts the booking routes.  They require a CUSTOMER
// token and are rate limited per customer and route.
func RegisterCustomer(e *echo.Echo, b *handler.BookingHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/bookings",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleCustomer),
		limit,
	)
	g.POST("", b.Create)
	g.GET("", b.List)
	g.GET("/:id", b.Get)
	g.POST("/:id/extend", b.Extend)
	g.POST("/:id/checkout", b.Checkout)
	g.DELETE("/:id", b.Cancel)
}

// RegisterAdmin mounts the ADMIN routes under /v1/admin.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleAdmin),
	)
	g.POST("/bays", a.CreateBay)
	g.PATCH("/bays/:id", a.UpdateBay)
	g.POST("/bays/:id/horizon", a.GenerateHorizon)

	g.POST("/blockouts", a.CreateBlockOut)
	g.GET("/blockouts", a.ListBlockOuts)
	g.DELETE("/blockouts/:id", a.DeleteBlockOut)

	g.DELETE("/bookings/:id", a.CancelBooking)
}
