package middleware

// identity.go holds the helpers that read the authenticated caller back out
// of the echo context once BearerAuth has run.

import (
	"net"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/sso"
	"github.com/iliyamo/gate-sso/internal/token"
)

const (
	identityKey = "identity"
	userIDKey   = "user_id"
)

// Identity returns the introspection stored by BearerAuth.
func Identity(c echo.Context) (token.Introspection, bool) {
	info, ok := c.Get(identityKey).(token.Introspection)
	return info, ok
}

// userID returns the authenticated user id, or "anon" when the request
// carries no identity.
func userID(c echo.Context) string {
	if v, ok := c.Get(userIDKey).(string); ok && v != "" {
		return v
	}
	return "anon"
}

// IPExtractor decides which address RealIP reports.  Without trusted
// ranges it is the socket peer, so a client cannot pick its own address
// through X-Forwarded-For.  With ranges, the header is walked from the
// right and only hops inside them are skipped.
func IPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, r := range trusted {
		opts = append(opts, echo.TrustIPRange(r))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// Caller describes where the request came from.
func Caller(c echo.Context) sso.Caller {
	return sso.Caller{IP: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

// Actor is the management-call view of the authenticated user.  Admin is
// set for users holding the admin role.
func Actor(c echo.Context) sso.Actor {
	a := sso.Actor{Caller: Caller(c)}
	if info, ok := Identity(c); ok {
		a.UserID = info.User.ID
		a.Admin = info.User.HasRole("admin")
	}
	return a
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
