package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/handler"
	"github.com/iliyamo/gate-sso/internal/middleware"
)

// Management groups the handlers of the administration API.
type Management struct {
	Clients  *handler.ClientHandler
	Sessions *handler.SessionHandler
	Scopes   *handler.ScopeHandler
}

// RegisterManagement registers client, session and scope administration
// under /auth/sso.  Every route passes limit; everything except the scope
// catalog requires a bearer token, and the admin-only routes the admin
// role.  Ownership checks for session routes happen in the service.
//
// Middleware is attached per route rather than per group so that the
// protocol routes sharing the prefix are unaffected.
func RegisterManagement(e *echo.Echo, m Management, resolver middleware.Resolver, limit echo.MiddlewareFunc) {
	g := e.Group("/auth/sso")
	auth := middleware.BearerAuth(resolver)
	admin := middleware.RequireRole("admin")

	g.GET("/scopes", m.Scopes.List, limit)
	g.GET("/scopes/:scope", m.Scopes.Get, limit)
	g.POST("/scopes/validate", m.Scopes.Validate, auth, limit)
	g.POST("/scopes/check-permission", m.Scopes.CheckPermission, auth, limit)

	g.POST("/clients", m.Clients.Register, auth, limit)
	g.GET("/clients", m.Clients.List, auth, limit, admin)
	g.GET("/clients/:client_id", m.Clients.Get, auth, limit, admin)
	g.PUT("/clients/:client_id", m.Clients.Update, auth, limit, admin)
	g.DELETE("/clients/:client_id", m.Clients.Deactivate, auth, limit, admin)
	g.GET("/clients/:client_id/sessions", m.Sessions.ListForClient, auth, limit, admin)

	g.GET("/sessions/:session_id", m.Sessions.Get, auth, limit)
	g.DELETE("/sessions/:session_id", m.Sessions.End, auth, limit)
	g.GET("/sessions/:session_id/history", m.Sessions.History, auth, limit, admin)
	g.GET("/session-stats", m.Sessions.Stats, auth, limit, admin)

	g.GET("/users/:user_id/sessions", m.Sessions.ListForUser, auth, limit)
	g.DELETE("/users/:user_id/sessions", m.Sessions.EndForUser, auth, limit)
}
