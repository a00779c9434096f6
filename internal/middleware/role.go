package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/sso"
)

// RequireRole lets the request through when the authenticated user holds
// one of roles.  It must run after BearerAuth; without an identity the
// request is forbidden.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			info, ok := Identity(c)
			if !ok {
				return sso.ErrForbidden
			}
			for _, r := range roles {
				if info.User.HasRole(r) {
					return next(c)
				}
			}
			return sso.ErrForbidden
		}
	}
}
