// Package sso is the façade of the SSO core.  It orchestrates login,
// authorize, token, userinfo and logout over the credential store, client
// registry, scope authority, abuse guard, code issuer, token service and
// session manager, and records the audit trail.
package sso

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/authcode"
	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/credential"
	"github.com/iliyamo/gate-sso/internal/guard"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/queue"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/session"
	"github.com/iliyamo/gate-sso/internal/token"
)

// PortalClient owns sessions created by a login that names no client.
const PortalClient = "sso"

var (
	ErrUnsupportedResponseType = apperr.Validation("unsupported_response_type", "response_type must be code")
	ErrUnsupportedGrantType    = apperr.Validation("unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	ErrMissingRedirectURI      = apperr.Validation("missing_redirect_uri", "redirect_uri is required")
	ErrRedirectWithoutClient   = apperr.Validation("missing_client_id", "client_id is required with redirect_uri")
	ErrLoginRequired           = apperr.Authentication("login_required", "authentication required")
)

// Deps groups the components the façade composes.
type Deps struct {
	Credentials *credential.Store
	Clients     *client.Registry
	Scopes      *scope.Authority
	Guard       *guard.Guard
	Codes       *authcode.Issuer
	Tokens      *token.Service
	Sessions    *session.Manager
	Auditor     queue.Auditor
}

// Service is the SSO façade.
type Service struct {
	credentials *credential.Store
	clients     *client.Registry
	scopes      *scope.Authority
	guard       *guard.Guard
	codes       *authcode.Issuer
	tokens      *token.Service
	sessions    *session.Manager
	auditor     queue.Auditor
	logger      *zap.Logger
	now         func() time.Time
	started     time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(d Deps, opts ...Option) *Service {
	s := &Service{
		credentials: d.Credentials,
		clients:     d.Clients,
		scopes:      d.Scopes,
		guard:       d.Guard,
		codes:       d.Codes,
		tokens:      d.Tokens,
		sessions:    d.Sessions,
		auditor:     d.Auditor,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.auditor == nil {
		s.auditor = queue.NewLogAuditor(s.logger)
	}
	s.started = s.now()
	return s
}

// Caller identifies where a request came from.
type Caller struct {
	IP        string
	UserAgent string
}

// LoginRequest is the body of a login call.
type LoginRequest struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	State        string
	Caller
}

// LoginResult is the detailed login response.  Code is set only when a
// redirect URI was supplied.
type LoginResult struct {
	User    model.UserSnapshot
	Session model.Session
	Scopes  []string
	Code    *model.AuthorizationCode
}

// Login authenticates a user.  Every login attempt counts against the
// caller's ip window before credentials are looked at.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if err := s.admit(ctx, req.Caller, "", 0); err != nil {
		return LoginResult{}, err
	}
	if req.RedirectURI != "" && req.ClientID == "" {
		return LoginResult{}, ErrRedirectWithoutClient
	}

	var c model.Client
	sessionClient := PortalClient
	var scopes []string
	if req.ClientID != "" {
		var err error
		c, err = s.clients.Validate(ctx, req.ClientID, req.ClientSecret, req.RedirectURI)
		if err != nil {
			return LoginResult{}, err
		}
		if scopes, err = s.grantScopes(req.Scope, c); err != nil {
			return LoginResult{}, err
		}
		sessionClient = c.ID
	}

	u, err := s.credentials.Verify(ctx, req.Username, req.Password)
	if err != nil {
		s.loginFailed(ctx, req, err)
		return LoginResult{}, err
	}

	sess, err := s.sessions.Create(ctx, session.CreateRequest{
		UserID:        u.ID,
		ClientID:      sessionClient,
		Scopes:        scopes,
		UserAgent:     req.UserAgent,
		IPAddress:     req.IP,
		MaxConcurrent: c.MaxConcurrentSessions,
	})
	if err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{User: u.Snapshot(), Session: sess, Scopes: scopes}

	if req.RedirectURI != "" {
		code, err := s.codes.Issue(ctx, authcode.IssueRequest{
			User:        res.User,
			ClientID:    c.ID,
			RedirectURI: req.RedirectURI,
			Scopes:      scopes,
			State:       req.State,
			SessionID:   sess.ID,
			IPAddress:   req.IP,
		})
		if err != nil {
			return LoginResult{}, err
		}
		res.Code = &code
	}

	ev := s.event(queue.EventLoginSucceeded, req.Caller)
	ev.UserID, ev.Username, ev.ClientID, ev.SessionID = u.ID, u.Username, req.ClientID, sess.ID
	s.audit(ctx, ev)
	return res, nil
}

func (s *Service) loginFailed(ctx context.Context, req LoginRequest, err error) {
	failures := s.guard.RecordFailedAttempt(req.IP, req.Username)
	typ := queue.EventLoginFailed
	if apperr.KindOf(err) == apperr.KindLocked {
		typ = queue.EventAccountLocked
	}
	ev := s.event(typ, req.Caller)
	ev.Username, ev.ClientID, ev.Reason = req.Username, req.ClientID, apperr.ReasonOf(err)
	ev.Details = map[string]string{"ip_failures": itoa(failures)}
	s.audit(ctx, ev)
}

// grantScopes resolves the scopes of a request against the client's allowed
// set.  An empty request grants everything the client may ask for.
func (s *Service) grantScopes(raw string, c model.Client) ([]string, error) {
	requested := scope.Parse(raw)
	if len(requested) == 0 {
		return append([]string(nil), c.Scopes...), nil
	}
	res := s.scopes.Validate(requested, c.Scopes)
	if !res.OK() {
		return nil, apperr.Validation("invalid_scope", "invalid scope: "+scope.Format(res.Invalid))
	}
	return res.Valid, nil
}

// AuthorizeRequest is an authorization request.  The caller is identified
// by BearerToken or, failing that, by SessionID (the SSO cookie).
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	BearerToken  string
	SessionID    string
	Caller
}

// AuthorizeResult carries the issued code and the URL to send the user to.
type AuthorizeResult struct {
	RedirectURL string
	Code        string
	State       string
	ExpiresIn   int
	Scopes      []string
	SessionID   string
}

// Authorize issues a code for an already authenticated user.  When the
// caller's session belongs to another client a session for this client is
// started, which is what makes the login single sign-on.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	if err := s.admit(ctx, req.Caller, req.ClientID, s.clients.RateLimit(ctx, req.ClientID)); err != nil {
		return AuthorizeResult{}, err
	}
	if req.ResponseType != "code" {
		return AuthorizeResult{}, ErrUnsupportedResponseType
	}
	if req.RedirectURI == "" {
		return AuthorizeResult{}, ErrMissingRedirectURI
	}
	c, err := s.clients.Validate(ctx, req.ClientID, "", req.RedirectURI)
	if err != nil {
		return AuthorizeResult{}, err
	}
	scopes, err := s.grantScopes(req.Scope, c)
	if err != nil {
		return AuthorizeResult{}, err
	}

	u, current, err := s.authenticated(ctx, req)
	if err != nil {
		return AuthorizeResult{}, err
	}
	sessionID := current.ID
	if current.ClientID != c.ID {
		sess, err := s.sessions.Create(ctx, session.CreateRequest{
			UserID:        u.ID,
			ClientID:      c.ID,
			Scopes:        scopes,
			UserAgent:     req.UserAgent,
			IPAddress:     req.IP,
			MaxConcurrent: c.MaxConcurrentSessions,
		})
		if err != nil {
			return AuthorizeResult{}, err
		}
		sessionID = sess.ID
	}

	code, err := s.codes.Issue(ctx, authcode.IssueRequest{
		User:        u.Snapshot(),
		ClientID:    c.ID,
		RedirectURI: req.RedirectURI,
		Scopes:      scopes,
		State:       req.State,
		SessionID:   sessionID,
		IPAddress:   req.IP,
	})
	if err != nil {
		return AuthorizeResult{}, err
	}

	ev := s.event(queue.EventCodeIssued, req.Caller)
	ev.UserID, ev.Username, ev.ClientID, ev.SessionID = u.ID, u.Username, c.ID, sessionID
	s.audit(ctx, ev)

	return AuthorizeResult{
		RedirectURL: redirectURL(req.RedirectURI, code.Code, req.State),
		Code:        code.Code,
		State:       req.State,
		ExpiresIn:   int(s.codes.TTL() / time.Second),
		Scopes:      scopes,
		SessionID:   sessionID,
	}, nil
}

// authenticated resolves the user behind an authorize request.
func (s *Service) authenticated(ctx context.Context, req AuthorizeRequest) (model.User, model.Session, error) {
	if req.BearerToken != "" {
		info, err := s.tokens.Introspect(ctx, req.BearerToken, req.IP, req.UserAgent)
		if err != nil {
			return model.User{}, model.Session{}, err
		}
		return info.User, info.Session, nil
	}
	if req.SessionID == "" {
		return model.User{}, model.Session{}, ErrLoginRequired
	}
	sess, err := s.sessions.Active(ctx, req.SessionID)
	if errors.Is(err, session.ErrSessionEnded) {
		return model.User{}, model.Session{}, ErrLoginRequired
	}
	if err != nil {
		return model.User{}, model.Session{}, err
	}
	u, err := s.credentials.Lookup(ctx, sess.UserID)
	if errors.Is(err, credential.ErrUserNotFound) || (err == nil && !u.IsActive) {
		return model.User{}, model.Session{}, ErrLoginRequired
	}
	if err != nil {
		return model.User{}, model.Session{}, err
	}
	sess, err = s.sessions.Touch(ctx, sess.ID, req.IP, req.UserAgent)
	if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrSessionNotFound) {
		return model.User{}, model.Session{}, ErrLoginRequired
	}
	if err != nil {
		return model.User{}, model.Session{}, err
	}
	return u, sess, nil
}

// redirectURL appends code and state to the registered redirect URI,
// keeping any query it already carries.
func redirectURL(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TokenRequest is a token endpoint call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RefreshToken string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Caller
}

// Token runs the authorization_code or refresh_token grant.
func (s *Service) Token(ctx context.Context, req TokenRequest) (token.Grant, error) {
	if err := s.admit(ctx, req.Caller, req.ClientID, s.clients.RateLimit(ctx, req.ClientID)); err != nil {
		return token.Grant{}, err
	}
	var (
		g   token.Grant
		err error
		typ string
	)
	switch req.GrantType {
	case "authorization_code":
		typ = queue.EventTokenIssued
		g, err = s.tokens.ExchangeCode(ctx, token.ExchangeRequest{
			Code:         req.Code,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RedirectURI:  req.RedirectURI,
			IPAddress:    req.IP,
			UserAgent:    req.UserAgent,
		})
	case "refresh_token":
		typ = queue.EventTokenRefreshed
		g, err = s.tokens.Refresh(ctx, token.RefreshRequest{
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			IPAddress:    req.IP,
		})
	default:
		return token.Grant{}, ErrUnsupportedGrantType
	}
	if err != nil {
		ev := s.event(queue.EventTokenRejected, req.Caller)
		ev.ClientID, ev.Reason = req.ClientID, apperr.ReasonOf(err)
		ev.Details = map[string]string{"grant_type": req.GrantType}
		if r := apperr.ReasonOf(err); r == apperr.ReasonOf(authcode.ErrCodeClientMismatch) || r == apperr.ReasonOf(token.ErrRefreshClientMismatch) {
			ev.Type = queue.EventSecurityViolation
		}
		s.audit(ctx, ev)
		return token.Grant{}, err
	}
	ev := s.event(typ, req.Caller)
	ev.UserID, ev.ClientID, ev.SessionID = g.UserID, g.ClientID, g.SessionID
	s.audit(ctx, ev)
	return g, nil
}

// UserInfo resolves a bearer token.
func (s *Service) UserInfo(ctx context.Context, bearer string, caller Caller) (token.Introspection, error) {
	return s.tokens.Introspect(ctx, bearer, caller.IP, caller.UserAgent)
}

// Logout invalidates the supplied tokens.
func (s *Service) Logout(ctx context.Context, req token.LogoutRequest, caller Caller) (token.LogoutResult, error) {
	res, err := s.tokens.Logout(ctx, req)
	if err != nil {
		return res, err
	}
	ev := s.event(queue.EventLogout, caller)
	ev.UserID, ev.ClientID, ev.SessionID = res.UserID, req.ClientID, res.SessionID
	ev.Details = map[string]string{"tokens_invalidated": itoa(res.TokensInvalidated)}
	s.audit(ctx, ev)
	return res, nil
}

// Stats is the service-wide snapshot served to admins.
type Stats struct {
	ActiveTokens          int       `json:"active_tokens"`
	ActiveRefreshTokens   int       `json:"active_refresh_tokens"`
	PendingCodes          int       `json:"pending_authorization_codes"`
	BlacklistedTokens     int       `json:"blacklisted_tokens"`
	RegisteredClients     int       `json:"registered_clients"`
	RegisteredUsers       int       `json:"registered_users"`
	RateLimitedIPs        int       `json:"rate_limited_ips"`
	FailedAttemptsTracked int       `json:"failed_attempts_tracked"`
	ActiveSessions        int       `json:"active_sessions"`
	Uptime                string    `json:"uptime"`
	Timestamp             time.Time `json:"timestamp"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ts, err := s.tokens.Stats(ctx)
	if err != nil {
		return Stats{}, apperr.Internal(err)
	}
	gs, err := s.guard.Stats(ctx)
	if err != nil {
		return Stats{}, apperr.Internal(err)
	}
	codes, err := s.codes.Pending(ctx)
	if err != nil {
		return Stats{}, apperr.Internal(err)
	}
	clients, err := s.clients.Count(ctx)
	if err != nil {
		return Stats{}, apperr.Internal(err)
	}
	users, err := s.credentials.Count(ctx)
	if err != nil {
		return Stats{}, apperr.Internal(err)
	}
	ss, err := s.sessions.Stats(ctx)
	if err != nil {
		return Stats{}, apperr.Internal(err)
	}
	now := s.now()
	return Stats{
		ActiveTokens:          ts.AccessTokens,
		ActiveRefreshTokens:   ts.RefreshTokens,
		PendingCodes:          codes,
		BlacklistedTokens:     gs.BlacklistedTokens,
		RegisteredClients:     clients,
		RegisteredUsers:       users,
		RateLimitedIPs:        gs.RateLimitedKeys,
		FailedAttemptsTracked: gs.FailedAttemptsTracked,
		ActiveSessions:        ss.ActiveSessions,
		Uptime:                now.Sub(s.started).Truncate(time.Second).String(),
		Timestamp:             now.UTC(),
	}, nil
}

func (s *Service) admit(ctx context.Context, caller Caller, clientID string, ceiling int) error {
	err := s.guard.Admit(ctx, caller.IP, clientID, ceiling)
	if err != nil {
		ev := s.event(queue.EventRateLimited, caller)
		ev.ClientID = clientID
		s.audit(ctx, ev)
	}
	return err
}

func (s *Service) event(typ string, caller Caller) queue.AuditEvent {
	ev := queue.NewEvent(typ)
	ev.At = s.now().UTC().Format(time.RFC3339)
	ev.IPAddress = caller.IP
	return ev
}

// audit hands ev to the auditor.  It outlives the request's cancellation
// but not a slow broker.
func (s *Service) audit(ctx context.Context, ev queue.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.auditor.Audit(ctx, ev); err != nil {
		s.logger.Warn("audit event dropped", zap.String("type", ev.Type), zap.Error(err))
	}
}
