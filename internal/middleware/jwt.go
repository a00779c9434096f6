package middleware // package middleware contains the echo middleware shared by the HTTP routes

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/sso"
	"github.com/iliyamo/gate-sso/internal/token"
)

// Resolver turns a bearer token into the identity behind it.
type Resolver interface {
	UserInfo(ctx context.Context, bearer string, caller sso.Caller) (token.Introspection, error)
}

// BearerAuth rejects requests without a valid access token and stores the
// introspection in the context for Identity and Actor.  Rejections are
// returned as errors so the application error handler renders them.
//
// A token is valid only while its record exists, its session is live and
// its user is active, so revocation takes effect on the next request.
func BearerAuth(r Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := BearerToken(c)
			if raw == "" {
				return token.ErrMissingToken
			}
			info, err := r.UserInfo(c.Request().Context(), raw, Caller(c))
			if err != nil {
				return err
			}
			c.Set(identityKey, info)
			c.Set(userIDKey, info.User.ID)
			return next(c)
		}
	}
}
