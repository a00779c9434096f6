package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/gate-sso/internal/authcode"
	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/config"
	"github.com/iliyamo/gate-sso/internal/credential"
	"github.com/iliyamo/gate-sso/internal/guard"
	"github.com/iliyamo/gate-sso/internal/handler"
	"github.com/iliyamo/gate-sso/internal/middleware"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/router"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/session"
	"github.com/iliyamo/gate-sso/internal/sso"
	"github.com/iliyamo/gate-sso/internal/token"
	"github.com/iliyamo/gate-sso/internal/utils"
)

const callback = "http://localhost:3001/callback"

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	ctx := context.Background()

	users := repository.NewMemoryUserStore()
	hash, err := utils.HashPassword("password", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, users.Create(ctx, model.User{
		ID: "u-admin", Username: "admin", Email: "admin@example.com", PasswordHash: hash,
		Roles: []string{"admin", "user"}, Permissions: []string{"read", "write", "delete", "admin"}, IsActive: true,
	}))
	require.NoError(t, users.Create(ctx, model.User{
		ID: "u-user", Username: "user", Email: "user@example.com", PasswordHash: hash,
		Roles: []string{"user"}, Permissions: []string{"read"}, IsActive: true,
	}))

	scopes := scope.NewAuthority(scope.DefaultCatalog())
	clients := client.NewRegistry(repository.NewMemoryClientStore(), scopes, client.Defaults{BcryptCost: bcrypt.MinCost})
	require.NoError(t, clients.Seed(ctx, client.RegisterRequest{
		ClientID: "test_client", ClientSecret: "test_secret", Name: "Test Client Application",
		RedirectURIs: []string{callback, "http://localhost:3002/callback"},
		Scopes:       []string{"read", "write"}, ContactEmail: "dev@example.com",
		TermsAccepted: true, PrivacyAccepted: true,
	}))

	counter := guard.NewMemoryCounter(nil)
	blacklist := guard.NewMemoryBlacklist()
	creds := credential.NewStore(users, credential.DefaultPolicy())
	codes := authcode.NewIssuer(repository.NewMemoryCodeStore(), 0)
	sessions := session.NewManager(repository.NewMemorySessionStore(), 0)
	tokens := token.NewService(token.Deps{
		Signer:    utils.NewTokenSigner("test-secret", "gate-sso", "gate-clients", nil),
		Tokens:    repository.NewMemoryTokenStore(),
		Blacklist: blacklist,
		Clients:   clients,
		Scopes:    scopes,
		Codes:     codes,
		Sessions:  sessions,
		Users:     creds,
	}, token.TTLs{})
	svc := sso.New(sso.Deps{
		Credentials: creds,
		Clients:     clients,
		Scopes:      scopes,
		Guard:       guard.New(counter, blacklist, guard.DefaultLimits()),
		Codes:       codes,
		Tokens:      tokens,
		Sessions:    sessions,
	})

	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler(zap.NewNop())
	e.IPExtractor = middleware.IPExtractor(nil)
	router.RegisterRoutes(e, handler.NewReadiness(nil))
	router.RegisterSSO(e, handler.NewSSOHandler(svc, false, 24*time.Hour), svc)
	limit := middleware.NewRateLimiter(config.RateLimitConfig{Enabled: true, Capacity: 1000, Window: time.Minute, Prefix: "rl"}, counter, nil)
	router.RegisterManagement(e, router.Management{
		Clients:  handler.NewClientHandler(svc),
		Sessions: handler.NewSessionHandler(svc),
		Scopes:   handler.NewScopeHandler(svc),
	}, svc, limit)
	return e
}

type call struct {
	method, path, body, contentType, bearer string
	cookie                                  *http.Cookie
	ip, forwardedFor                        string
}

func do(e *echo.Echo, c call) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		ct := c.contentType
		if ct == "" {
			ct = echo.MIMEApplicationJSON
		}
		req.Header.Set(echo.HeaderContentType, ct)
	}
	if c.bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+c.bearer)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	if c.ip != "" {
		req.RemoteAddr = c.ip + ":1234"
	}
	if c.forwardedFor != "" {
		req.Header.Set(echo.HeaderXForwardedFor, c.forwardedFor)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == handler.SessionCookie {
			return ck
		}
	}
	return nil
}

// loginToken runs login + code exchange and returns the grant body.
func loginToken(t *testing.T, e *echo.Echo, username string) map[string]any {
	t.Helper()
	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/login",
		body: `{"username":"` + username + `","password":"password","client_id":"test_client","redirect_uri":"` + callback + `","state":"xyz"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code := decode(t, rec)["authorization_code"].(string)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"test_client"},
		"client_secret": {"test_secret"},
		"redirect_uri":  {callback},
	}
	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/token", body: form.Encode(), contentType: echo.MIMEApplicationForm})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func TestHealth(t *testing.T) {
	e := newServer(t)
	rec := do(e, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(e, call{method: http.MethodGet, path: "/readyz"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginTokenUserInfoLogout(t *testing.T) {
	e := newServer(t)

	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/login",
		body: `{"username":"admin","password":"password","client_id":"test_client","redirect_uri":"` + callback + `","state":"xyz"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode(t, rec)
	assert.Len(t, login["authorization_code"], 64)
	assert.Equal(t, float64(600), login["expires_in"])
	assert.Equal(t, "xyz", login["state"])
	assert.Equal(t, "admin", login["user"].(map[string]any)["username"])
	ck := sessionCookie(rec)
	require.NotNil(t, ck)
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, login["session_id"], ck.Value)

	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/token", body: `{"grant_type":"authorization_code","code":"` +
		login["authorization_code"].(string) + `","client_id":"test_client","client_secret":"test_secret","redirect_uri":"` + callback + `"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	grant := decode(t, rec)
	assert.Equal(t, "Bearer", grant["token_type"])
	assert.Equal(t, float64(3600), grant["expires_in"])
	assert.Equal(t, "read write", grant["scope"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	access := grant["access_token"].(string)

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/userinfo", bearer: access})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode(t, rec)
	assert.Equal(t, "u-admin", info["user_id"])
	assert.Equal(t, "test_client", info["client_id"])

	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/logout", body: `{"token":"` + access + `"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.GreaterOrEqual(t, decode(t, rec)["tokens_invalidated"], float64(1))

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/userinfo", bearer: access})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid or expired token", decode(t, rec)["message"])
}

func TestTokenRejections(t *testing.T) {
	e := newServer(t)
	bodies := map[string]string{
		`{"grant_type":"authorization_code","code":"nope","client_id":"test_client","client_secret":"test_secret","redirect_uri":"` + callback + `"}`: "invalid or expired authorization code",
		`{"grant_type":"authorization_code","code":"nope","client_id":"test_client","client_secret":"wrong","redirect_uri":"` + callback + `"}`:       "invalid client credentials",
		`{"grant_type":"authorization_code","code":"nope","client_id":"ghost","client_secret":"x","redirect_uri":"` + callback + `"}`:                 "invalid client credentials",
	}
	for b, msg := range bodies {
		rec := do(e, call{method: http.MethodPost, path: "/auth/sso/token", body: b})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, msg, decode(t, rec)["message"])
	}

	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/token", body: `{"grant_type":"password"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", decode(t, rec)["error"])
}

func TestStrictBodies(t *testing.T) {
	e := newServer(t)
	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/login", body: `{"username":"admin","password":"password","extra":1}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decode(t, rec)["error"])

	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/login", body: `{"username":"admin"`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginFailuresAndRateLimit(t *testing.T) {
	e := newServer(t)
	bad := call{method: http.MethodPost, path: "/auth/sso/login", body: `{"username":"user","password":"wrong"}`, ip: "10.0.0.9"}

	rec := do(e, bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", decode(t, rec)["message"])

	for i := 2; i <= 5; i++ {
		do(e, bad)
	}
	rec = do(e, bad)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	for i := 7; i <= 10; i++ {
		do(e, bad)
	}
	rec = do(e, bad)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, float64(900), body["retry_after"])
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
}

func TestForwardedForDoesNotResetLoginWindow(t *testing.T) {
	e := newServer(t)
	var limited int
	for i := 1; i <= 15; i++ {
		rec := do(e, call{method: http.MethodPost, path: "/auth/sso/login",
			body: `{"username":"ghost","password":"wrong"}`, ip: "10.9.9.9", forwardedFor: "1.2.3." + strconv.Itoa(i)})
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 5, limited)
}

func TestCredentialFailuresLookAlike(t *testing.T) {
	e := newServer(t)
	access := loginToken(t, e, "admin")["access_token"].(string)
	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/logout", body: `{"token":"` + access + `"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tokenBody := func(clientID, secret string) string {
		return `{"grant_type":"authorization_code","code":"nope","client_id":"` + clientID + `","client_secret":"` + secret + `","redirect_uri":"` + callback + `"}`
	}
	refreshBody := func(refresh string) string {
		return `{"grant_type":"refresh_token","refresh_token":"` + refresh + `","client_id":"test_client","client_secret":"test_secret"}`
	}
	rotated := loginToken(t, e, "user")["refresh_token"].(string)
	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/token", body: refreshBody(rotated)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	authorize := func(clientID, redirect string) string {
		return "/auth/sso/authorize?response_type=code&client_id=" + clientID + "&redirect_uri=" + url.QueryEscape(redirect)
	}

	pairs := map[string][2]call{
		"unknown user vs wrong password": {
			{method: http.MethodPost, path: "/auth/sso/login", body: `{"username":"ghost","password":"password"}`, ip: "10.1.0.1"},
			{method: http.MethodPost, path: "/auth/sso/login", body: `{"username":"admin","password":"wrong"}`, ip: "10.1.0.2"},
		},
		"unknown client vs wrong secret": {
			{method: http.MethodPost, path: "/auth/sso/token", body: tokenBody("ghost", "test_secret"), ip: "10.2.0.1"},
			{method: http.MethodPost, path: "/auth/sso/token", body: tokenBody("test_client", "wrong"), ip: "10.2.0.2"},
		},
		"unknown client vs unregistered redirect": {
			{method: http.MethodGet, path: authorize("ghost", callback), ip: "10.3.0.1"},
			{method: http.MethodGet, path: authorize("test_client", callback+"/"), ip: "10.3.0.2"},
		},
		"unknown vs replayed refresh token": {
			{method: http.MethodPost, path: "/auth/sso/token", body: refreshBody("nope"), ip: "10.4.0.1"},
			{method: http.MethodPost, path: "/auth/sso/token", body: refreshBody(rotated), ip: "10.4.0.2"},
		},
		"unknown vs revoked access token": {
			{method: http.MethodGet, path: "/auth/sso/userinfo", bearer: "nope", ip: "10.5.0.1"},
			{method: http.MethodGet, path: "/auth/sso/userinfo", bearer: access, ip: "10.5.0.2"},
		},
	}
	for name, pair := range pairs {
		t.Run(name, func(t *testing.T) {
			first, second := do(e, pair[0]), do(e, pair[1])
			assert.Equal(t, first.Code, second.Code)
			assert.Equal(t, first.Body.String(), second.Body.String())
			assert.NotContains(t, first.Body.String(), "unknown_")
		})
	}
}

func TestAuthorizeWithSessionCookie(t *testing.T) {
	e := newServer(t)
	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/login", body: `{"username":"admin","password":"password"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	_, hasCode := decode(t, rec)["authorization_code"]
	assert.False(t, hasCode)
	ck := sessionCookie(rec)
	require.NotNil(t, ck)

	q := url.Values{"client_id": {"test_client"}, "redirect_uri": {callback}, "response_type": {"code"}, "state": {"abc"}, "scope": {"read"}}
	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/authorize?" + q.Encode()})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/authorize?" + q.Encode(), cookie: ck})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "read", out["scope"])
	u, err := url.Parse(out["authorization_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, out["code"], u.Query().Get("code"))
	assert.Equal(t, "abc", u.Query().Get("state"))
}

func TestAdminGates(t *testing.T) {
	e := newServer(t)
	admin := loginToken(t, e, "admin")["access_token"].(string)
	userGrant := loginToken(t, e, "user")
	user := userGrant["access_token"].(string)

	rec := do(e, call{method: http.MethodGet, path: "/auth/sso/stats", bearer: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode(t, rec)
	assert.Equal(t, float64(2), st["registered_users"])
	assert.Equal(t, float64(1), st["registered_clients"])

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/stats", bearer: user})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/stats"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/clients", bearer: user})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A user cannot see someone else's session.
	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/users/u-admin/sessions", bearer: user})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/users/u-user/sessions", bearer: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	sid := userGrant["session_id"].(string)
	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/sessions/" + sid, bearer: user})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(e, call{method: http.MethodDelete, path: "/auth/sso/sessions/" + sid, bearer: admin})
	require.Equal(t, http.StatusOK, rec.Code)

	// Ending the session revoked the user's token.
	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/userinfo", bearer: user})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientRegistrationAndManagement(t *testing.T) {
	e := newServer(t)
	admin := loginToken(t, e, "admin")["access_token"].(string)

	rec := do(e, call{method: http.MethodPost, path: "/auth/sso/clients", bearer: admin, body: `{
		"name": "Reporting Portal",
		"redirect_uris": ["https://reports.example.com/cb"],
		"scopes": ["read"],
		"contact_email": "ops@example.com",
		"terms_accepted": true,
		"privacy_accepted": true
	}`})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode(t, rec)
	id := reg["client_id"].(string)
	assert.NotEmpty(t, reg["client_secret"])
	assert.NotContains(t, reg, "secret_hash")

	rec = do(e, call{method: http.MethodPut, path: "/auth/sso/clients/" + id, bearer: admin, body: `{"rate_limit_per_minute": 30, "token_expiry": 600}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode(t, rec)
	assert.Equal(t, float64(30), updated["rate_limit_per_minute"])
	assert.Equal(t, float64(600), updated["token_expiry"])
	assert.NotContains(t, updated, "client_secret")

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/clients?limit=1", bearer: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.Equal(t, float64(2), page["total"])
	assert.Equal(t, float64(2), page["total_pages"])

	rec = do(e, call{method: http.MethodDelete, path: "/auth/sso/clients/" + id, bearer: admin})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/clients/missing", bearer: admin})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScopeEndpoints(t *testing.T) {
	e := newServer(t)
	rec := do(e, call{method: http.MethodGet, path: "/auth/sso/scopes"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Len(t, decode(t, rec)["scopes"], 6)

	rec = do(e, call{method: http.MethodGet, path: "/auth/sso/scopes/nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	access := loginToken(t, e, "user")["access_token"].(string)
	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/scopes/validate", bearer: access,
		body: `{"client_id":"test_client","scopes":["read","admin"]}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode(t, rec)
	assert.Equal(t, false, v["valid"])
	assert.Equal(t, []any{"admin"}, v["invalid_scopes"])

	rec = do(e, call{method: http.MethodPost, path: "/auth/sso/scopes/check-permission", bearer: access,
		body: `{"scopes":["admin"],"permission":"delete:email"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["has_permission"])
}

func TestUnknownRouteKeepsStatus(t *testing.T) {
	e := newServer(t)
	rec := do(e, call{method: http.MethodGet, path: "/nowhere"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
}
