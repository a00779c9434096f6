package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/handler"
	"github.com/iliyamo/gate-sso/internal/middleware"
)

// RegisterRoutes registers the unauthenticated probes.
func RegisterRoutes(e *echo.Echo, ready *handler.Readiness) {
	e.GET("/healthz", handler.Health)
	e.HEAD("/healthz", handler.Health)
	e.GET("/readyz", ready.Readyz)
}

// RegisterSSO registers the protocol endpoints under /auth/sso.  These are
// admitted by the abuse guard inside the service, so no rate-limit
// middleware is applied here.
func RegisterSSO(e *echo.Echo, h *handler.SSOHandler, resolver middleware.Resolver) {
	g := e.Group("/auth/sso")
	g.POST("/login", h.Login)
	g.GET("/authorize", h.Authorize)
	g.POST("/token", h.Token)
	g.POST("/logout", h.Logout)

	auth := middleware.BearerAuth(resolver)
	g.GET("/userinfo", h.UserInfo, auth)
	g.GET("/stats", h.Stats, auth, middleware.RequireRole("admin"))
}
