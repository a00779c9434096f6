package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/middleware"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/sso"
	"github.com/iliyamo/gate-sso/internal/token"
)

const (
	// SessionCookie carries the SSO session id between authorize calls.
	SessionCookie = "sso_session"
	// SessionHeader is the header alternative to SessionCookie.
	SessionHeader = "X-SSO-Session"
)

// SSOHandler serves the protocol endpoints.
type SSOHandler struct {
	svc          *sso.Service
	secureCookie bool
	sessionTTL   time.Duration
}

// NewSSOHandler builds the handler.  secureCookie marks the session cookie
// Secure, which production deployments behind TLS want.
func NewSSOHandler(svc *sso.Service, secureCookie bool, sessionTTL time.Duration) *SSOHandler {
	return &SSOHandler{svc: svc, secureCookie: secureCookie, sessionTTL: sessionTTL}
}

// ----- DTOs -----

type loginReq struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	Scope        string `json:"scope"`
	State        string `json:"state"`
}

type loginResp struct {
	User              model.UserSnapshot `json:"user"`
	SessionID         string             `json:"session_id"`
	Scope             string             `json:"scope,omitempty"`
	AuthorizationCode string             `json:"authorization_code,omitempty"`
	ExpiresIn         int                `json:"expires_in,omitempty"`
	State             string             `json:"state,omitempty"`
}

type authorizeResp struct {
	AuthorizationURL string `json:"authorization_url"`
	Code             string `json:"code"`
	State            string `json:"state,omitempty"`
	ExpiresIn        int    `json:"expires_in"`
	Scope            string `json:"scope"`
	SessionID        string `json:"session_id"`
}

type tokenReq struct {
	GrantType    string `json:"grant_type" form:"grant_type"`
	Code         string `json:"code" form:"code"`
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
	RedirectURI  string `json:"redirect_uri" form:"redirect_uri"`
}

type tokenResp struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
	SessionID        string `json:"session_id"`
}

type userInfoResp struct {
	model.UserSnapshot
	ClientID            string    `json:"client_id"`
	SessionID           string    `json:"session_id"`
	Scope               string    `json:"scope"`
	EffectivePerms      []string  `json:"scope_permissions"`
	TokenExpiresAt      time.Time `json:"token_expires_at"`
	SessionExpiresAt    time.Time `json:"session_expires_at"`
	SessionLastActivity time.Time `json:"session_last_activity"`
}

type logoutReq struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type logoutResp struct {
	Message           string `json:"message"`
	TokensInvalidated int    `json:"tokens_invalidated"`
	SessionID         string `json:"session_id,omitempty"`
}

// Login: verify credentials, start a session and, when a redirect URI is
// given, issue an authorization code.
func (h *SSOHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Login(c.Request().Context(), sso.LoginRequest{
		Username:     req.Username,
		Password:     req.Password,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		Scope:        req.Scope,
		State:        req.State,
		Caller:       middleware.Caller(c),
	})
	if err != nil {
		return err
	}
	h.setSessionCookie(c, res.Session)

	out := loginResp{User: res.User, SessionID: res.Session.ID, Scope: scope.Format(res.Scopes)}
	if res.Code != nil {
		out.AuthorizationCode = res.Code.Code
		out.ExpiresIn = int(res.Code.ExpiresAt.Sub(res.Code.CreatedAt) / time.Second)
		out.State = res.Code.State
	}
	return c.JSON(http.StatusOK, out)
}

// Authorize: issue a code to an already authenticated user.
func (h *SSOHandler) Authorize(c echo.Context) error {
	res, err := h.svc.Authorize(c.Request().Context(), sso.AuthorizeRequest{
		ClientID:     c.QueryParam("client_id"),
		RedirectURI:  c.QueryParam("redirect_uri"),
		ResponseType: c.QueryParam("response_type"),
		Scope:        c.QueryParam("scope"),
		State:        c.QueryParam("state"),
		BearerToken:  middleware.BearerToken(c),
		SessionID:    sessionID(c),
		Caller:       middleware.Caller(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, authorizeResp{
		AuthorizationURL: res.RedirectURL,
		Code:             res.Code,
		State:            res.State,
		ExpiresIn:        res.ExpiresIn,
		Scope:            scope.Format(res.Scopes),
		SessionID:        res.SessionID,
	})
}

// Token: authorization_code and refresh_token grants.  Accepts JSON or
// form bodies.
func (h *SSOHandler) Token(c echo.Context) error {
	var req tokenReq
	if err := bind(c, &req); err != nil {
		return err
	}
	g, err := h.svc.Token(c.Request().Context(), sso.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		Caller:       middleware.Caller(c),
	})
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, tokenResp{
		AccessToken:      g.AccessToken,
		TokenType:        g.TokenType,
		ExpiresIn:        g.ExpiresIn,
		RefreshToken:     g.RefreshToken,
		RefreshExpiresIn: g.RefreshExpiresIn,
		Scope:            g.Scope(),
		SessionID:        g.SessionID,
	})
}

// UserInfo returns the identity behind the bearer token.  BearerAuth has
// already resolved it.
func (h *SSOHandler) UserInfo(c echo.Context) error {
	info, ok := middleware.Identity(c)
	if !ok {
		return token.ErrMissingToken
	}
	return c.JSON(http.StatusOK, userInfoResp{
		UserSnapshot:        info.User.Snapshot(),
		ClientID:            info.Record.ClientID,
		SessionID:           info.Session.ID,
		Scope:               scope.Format(info.Record.Scopes),
		EffectivePerms:      info.Permissions,
		TokenExpiresAt:      info.Record.ExpiresAt,
		SessionExpiresAt:    info.Session.ExpiresAt,
		SessionLastActivity: info.Session.LastActivity,
	})
}

// Logout invalidates the tokens in the body, falling back to the bearer
// token when the body names none.
func (h *SSOHandler) Logout(c echo.Context) error {
	var req logoutReq
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	if req.Token == "" {
		req.Token = middleware.BearerToken(c)
	}
	res, err := h.svc.Logout(c.Request().Context(), token.LogoutRequest{
		Token:        req.Token,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
	}, middleware.Caller(c))
	if err != nil {
		return err
	}
	c.SetCookie(&http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: h.secureCookie, SameSite: http.SameSiteLaxMode})
	return c.JSON(http.StatusOK, logoutResp{
		Message:           "logout successful",
		TokensInvalidated: res.TokensInvalidated,
		SessionID:         res.SessionID,
	})
}

// Stats serves the service-wide counters to admins.
func (h *SSOHandler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *SSOHandler) setSessionCookie(c echo.Context, s model.Session) {
	maxAge := int(h.sessionTTL / time.Second)
	if !s.ExpiresAt.IsZero() {
		if left := int(time.Until(s.ExpiresAt) / time.Second); left > 0 && left < maxAge {
			maxAge = left
		}
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionID reads the SSO session from the cookie or the header.
func sessionID(c echo.Context) string {
	if ck, err := c.Cookie(SessionCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	return c.Request().Header.Get(SessionHeader)
}
