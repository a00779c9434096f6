package middleware

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/config"
	"github.com/iliyamo/gate-sso/internal/guard"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/sso"
	"github.com/iliyamo/gate-sso/internal/token"
)

type stubResolver map[string]model.User

func (s stubResolver) UserInfo(_ context.Context, bearer string, _ sso.Caller) (token.Introspection, error) {
	u, ok := s[bearer]
	if !ok {
		return token.Introspection{}, token.ErrTokenUnknown
	}
	return token.Introspection{User: u}, nil
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if ae := apperr.As(err); ae != nil {
			_ = c.JSON(ae.Kind.Status(), map[string]string{"error": ae.Reason})
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
	return e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBearerAuthAndRequireRole(t *testing.T) {
	resolver := stubResolver{
		"admin-token": {ID: "u1", Roles: []string{"admin"}},
		"user-token":  {ID: "u2", Roles: []string{"user"}},
	}
	e := newEcho()
	g := e.Group("/x", BearerAuth(resolver))
	g.GET("/me", func(c echo.Context) error {
		a := Actor(c)
		return c.JSON(http.StatusOK, map[string]any{"user_id": a.UserID, "admin": a.Admin})
	})
	g.GET("/admin", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, RequireRole("admin"))

	req := httptest.NewRequest(http.MethodGet, "/x/me", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)

	req.Header.Set(echo.HeaderAuthorization, "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)

	req.Header.Set(echo.HeaderAuthorization, "bearer user-token")
	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u2","admin":false}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/x/admin", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer user-token")
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)

	req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
	assert.Equal(t, http.StatusNoContent, serve(e, req).Code)
}

func TestRateLimiterBlocksOverCapacity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	counter := guard.NewMemoryCounter(func() time.Time { return now })
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 2, Window: time.Minute, Prefix: "rl"}

	e := newEcho()
	e.Use(NewRateLimiter(cfg, counter, nil))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	for i := 0; i < 2; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"error":"too_many_requests","message":"rate limit exceeded","retry_after":60}`, rec.Body.String())
}

func TestRateLimiterDisabled(t *testing.T) {
	e := newEcho()
	e.Use(NewRateLimiter(config.RateLimitConfig{Enabled: false}, nil, nil))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestAccessLogRecordsRenderedStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := newEcho()
	e.Use(AccessLog(zap.New(core)))
	e.GET("/missing", func(c echo.Context) error { return apperr.NotFound("nope", "not here") })

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(http.StatusNotFound), logs.All()[0].ContextMap()["status"])
}

func TestIPExtractorIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	_, proxies, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)

	cases := []struct {
		name    string
		trusted []*net.IPNet
		remote  string
		want    string
	}{
		{"direct by default", nil, "10.9.9.9:4000", "10.9.9.9"},
		{"trusted proxy", []*net.IPNet{proxies}, "10.0.0.2:4000", "1.2.3.4"},
		{"untrusted peer", []*net.IPNet{proxies}, "8.8.8.8:4000", "8.8.8.8"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEcho()
			e.IPExtractor = IPExtractor(tc.trusted)
			e.GET("/ip", func(c echo.Context) error { return c.String(http.StatusOK, Caller(c).IP) })

			req := httptest.NewRequest(http.MethodGet, "/ip", nil)
			req.RemoteAddr = tc.remote
			req.Header.Set(echo.HeaderXForwardedFor, "1.2.3.4")
			rec := serve(e, req)
			assert.Equal(t, tc.want, rec.Body.String())
		})
	}
}

func TestRateLimiterKeysOnPeerNotForwardedFor(t *testing.T) {
	e := newEcho()
	e.IPExtractor = IPExtractor(nil)
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 2, Window: time.Minute, Prefix: "rl"}
	e.GET("/r", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewRateLimiter(cfg, guard.NewMemoryCounter(nil), zap.NewNop()))

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/r", nil)
		req.RemoteAddr = "10.9.9.9:4000"
		req.Header.Set(echo.HeaderXForwardedFor, "1.2.3."+strconv.Itoa(i))
		codes = append(codes, serve(e, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
