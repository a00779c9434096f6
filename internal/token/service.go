// Package token implements the authorization_code and refresh_token grants,
// bearer-token introspection and logout.
package token

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/authcode"
	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/guard"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/session"
	"github.com/iliyamo/gate-sso/internal/utils"
)

const (
	invalidToken     = "invalid or expired token"
	invalidTokenCode = "invalid_token"
	invalidGrant     = "invalid or expired refresh token"
	invalidGrantCode = "invalid_grant"
)

var (
	ErrMissingToken = apperr.Authentication("missing_token", "bearer token required")
	ErrTokenRevoked = apperr.Authentication("token_revoked", invalidToken).WithCode(invalidTokenCode)
	ErrTokenUnknown = apperr.Authentication("token_not_found", invalidToken).WithCode(invalidTokenCode)
	ErrTokenExpired = apperr.Authentication("token_expired", invalidToken).WithCode(invalidTokenCode)
	ErrTokenInvalid = apperr.Authentication("token_invalid", invalidToken).WithCode(invalidTokenCode)

	ErrMissingRefresh        = apperr.Validation("missing_refresh_token", "refresh_token is required")
	ErrRefreshUnknown        = apperr.Validation("refresh_not_found", invalidGrant).WithCode(invalidGrantCode)
	ErrRefreshExpired        = apperr.Validation("refresh_expired", invalidGrant).WithCode(invalidGrantCode)
	ErrRefreshRevoked        = apperr.Validation("refresh_revoked", invalidGrant).WithCode(invalidGrantCode)
	ErrRefreshClientMismatch = apperr.Validation("refresh_client_mismatch", invalidGrant).WithCode(invalidGrantCode)
	ErrRefreshSessionEnded   = apperr.Validation("refresh_session_ended", invalidGrant).WithCode(invalidGrantCode)
	ErrRefreshUser           = apperr.Validation("refresh_user_inactive", invalidGrant).WithCode(invalidGrantCode)
	ErrMissingRedirect       = apperr.Validation("missing_redirect_uri", "redirect_uri is required")
	ErrNoGrantedScope        = apperr.Validation("invalid_scope", "none of the granted scopes is allowed for this client")
	ErrLogoutTokenRequired   = apperr.Validation("missing_token", "token is required")
)

// TTLs are the service-wide token lifetimes.  Access must be shorter than
// Refresh.
type TTLs struct {
	Access  time.Duration
	Refresh time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{Access: time.Hour, Refresh: 7 * 24 * time.Hour}
}

// Users resolves live user records.
type Users interface {
	Lookup(ctx context.Context, id string) (model.User, error)
}

// Service owns issued tokens and the revocation blacklist.
type Service struct {
	signer    *utils.TokenSigner
	tokens    repository.TokenStore
	blacklist guard.Blacklist
	clients   *client.Registry
	scopes    *scope.Authority
	codes     *authcode.Issuer
	sessions  *session.Manager
	users     Users
	ttl       TTLs
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// Deps groups the collaborators of a Service.
type Deps struct {
	Signer    *utils.TokenSigner
	Tokens    repository.TokenStore
	Blacklist guard.Blacklist
	Clients   *client.Registry
	Scopes    *scope.Authority
	Codes     *authcode.Issuer
	Sessions  *session.Manager
	Users     Users
}

// NewService wires a Service and registers it to revoke the tokens of every
// session the session manager ends.
func NewService(d Deps, ttl TTLs, opts ...Option) *Service {
	def := DefaultTTLs()
	if ttl.Access <= 0 {
		ttl.Access = def.Access
	}
	if ttl.Refresh <= ttl.Access {
		ttl.Refresh = def.Refresh
	}
	s := &Service{
		signer:    d.Signer,
		tokens:    d.Tokens,
		blacklist: d.Blacklist,
		clients:   d.Clients,
		scopes:    d.Scopes,
		codes:     d.Codes,
		sessions:  d.Sessions,
		users:     d.Users,
		ttl:       ttl,
		timeout:   10 * time.Second,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.sessions.OnEnd(func(ctx context.Context, sess model.Session) {
		if _, err := s.RevokeSession(ctx, sess.ID); err != nil {
			s.logger.Warn("revoking tokens of ended session failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	})
	return s
}

// Grant is the result of a successful token request.
type Grant struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int
	RefreshExpiresIn int
	Scopes           []string
	SessionID        string
	UserID           string
	ClientID         string
}

// Scope returns the granted scopes in wire form.
func (g Grant) Scope() string { return scope.Format(g.Scopes) }

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	IPAddress    string
	UserAgent    string
}

// ExchangeCode redeems an authorization code for an access/refresh pair.
// The code is consumed even when the request is rejected after redemption.
func (s *Service) ExchangeCode(ctx context.Context, req ExchangeRequest) (Grant, error) {
	if req.RedirectURI == "" {
		return Grant{}, ErrMissingRedirect
	}
	c, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret, req.RedirectURI)
	if err != nil {
		return Grant{}, err
	}
	code, err := s.codes.RedeemFor(ctx, req.Code, c.ID, req.RedirectURI)
	if errors.Is(err, authcode.ErrCodeClientMismatch) {
		s.clients.RecordViolation(ctx, c.ID, apperr.ReasonOf(err))
	}
	if err != nil {
		return Grant{}, err
	}

	// The client may have lost scopes since the code was issued.
	scopes := s.scopes.Validate(code.Scopes, c.Scopes).Valid
	if len(scopes) == 0 {
		return Grant{}, ErrNoGrantedScope
	}

	sessionID, err := s.continueSession(ctx, code, c, scopes, req)
	if err != nil {
		return Grant{}, err
	}
	g, err := s.mint(ctx, code.User, c, sessionID, scopes, req.IPAddress)
	if err != nil {
		return Grant{}, err
	}
	s.logger.Info("tokens issued",
		zap.String("grant_type", "authorization_code"),
		zap.String("user_id", g.UserID), zap.String("client_id", c.ID), zap.String("session_id", sessionID))
	return g, nil
}

// continueSession reuses the session the code was issued under when it is
// still live for the same user and client, and starts a new one otherwise.
func (s *Service) continueSession(ctx context.Context, code model.AuthorizationCode, c model.Client, scopes []string, req ExchangeRequest) (string, error) {
	if code.SessionID != "" {
		sess, err := s.sessions.Active(ctx, code.SessionID)
		if err == nil && sess.UserID == code.User.ID && sess.ClientID == c.ID {
			return sess.ID, nil
		}
	}
	sess, err := s.sessions.Create(ctx, session.CreateRequest{
		UserID:        code.User.ID,
		ClientID:      c.ID,
		Scopes:        scopes,
		UserAgent:     req.UserAgent,
		IPAddress:     req.IPAddress,
		MaxConcurrent: c.MaxConcurrentSessions,
	})
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// RefreshRequest is a refresh_token grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	IPAddress    string
}

// Refresh rotates a refresh token.  The old record is taken out of the store
// before any check, so a refresh token is usable exactly once even when a
// check fails or two rotations race.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (Grant, error) {
	if req.RefreshToken == "" {
		return Grant{}, ErrMissingRefresh
	}
	c, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret, "")
	if err != nil {
		return Grant{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	hash := utils.HashToken(req.RefreshToken)
	rec, err := s.tokens.Get(storeCtx, hash)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && rec.Type != model.RefreshToken) {
		return Grant{}, ErrRefreshUnknown
	}
	if err != nil {
		return Grant{}, apperr.Internal(err)
	}
	rec, err = s.tokens.Take(storeCtx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return Grant{}, ErrRefreshUnknown
	}
	if err != nil {
		return Grant{}, apperr.Internal(err)
	}

	if revoked, err := s.blacklist.Contains(storeCtx, req.RefreshToken); err != nil {
		return Grant{}, apperr.Internal(err)
	} else if revoked {
		return Grant{}, ErrRefreshRevoked
	}
	if rec.Expired(s.now()) {
		return Grant{}, ErrRefreshExpired
	}
	if rec.ClientID != c.ID {
		s.logger.Warn("refresh token presented by another client",
			zap.String("token_ref", utils.TokenRef(req.RefreshToken)),
			zap.String("issued_to", rec.ClientID), zap.String("presented_by", c.ID))
		s.clients.RecordViolation(ctx, c.ID, apperr.ReasonOf(ErrRefreshClientMismatch))
		return Grant{}, ErrRefreshClientMismatch
	}
	claims, err := s.signer.Parse(req.RefreshToken)
	if err != nil || claims.Type != utils.TypeRefresh || claims.SessionID != rec.SessionID {
		return Grant{}, ErrRefreshUnknown
	}
	u, err := s.users.Lookup(ctx, rec.UserID)
	if err != nil || !u.IsActive {
		if err != nil && apperr.KindOf(err) == apperr.KindInternal {
			return Grant{}, err
		}
		return Grant{}, ErrRefreshUser
	}
	if _, err := s.sessions.Refresh(ctx, rec.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrSessionNotFound) {
			return Grant{}, ErrRefreshSessionEnded
		}
		return Grant{}, err
	}

	g, err := s.mint(ctx, u.Snapshot(), c, rec.SessionID, rec.Scopes, req.IPAddress)
	if err != nil {
		return Grant{}, err
	}
	s.logger.Info("tokens refreshed",
		zap.String("user_id", g.UserID), zap.String("client_id", c.ID), zap.String("session_id", g.SessionID))
	return g, nil
}

// ttlFor applies the client's overrides, falling back to the service
// lifetimes when the pair would break access < refresh.
func (s *Service) ttlFor(c model.Client) TTLs {
	t := s.ttl
	if c.TokenTTL > 0 {
		t.Access = c.TokenTTL
	}
	if c.RefreshTokenTTL > 0 {
		t.Refresh = c.RefreshTokenTTL
	}
	if t.Access >= t.Refresh {
		s.logger.Warn("client token lifetimes ignored", zap.String("client_id", c.ID),
			zap.Duration("access", t.Access), zap.Duration("refresh", t.Refresh))
		return s.ttl
	}
	return t
}

func (s *Service) mint(ctx context.Context, u model.UserSnapshot, c model.Client, sessionID string, scopes []string, ip string) (Grant, error) {
	ttl := s.ttlFor(c)
	base := utils.Claims{
		Username:  u.Username,
		Email:     u.Email,
		ClientID:  c.ID,
		SessionID: sessionID,
		Scopes:    scopes,
	}
	base.Subject = u.ID

	access := base
	access.Type = utils.TypeAccess
	at, err := s.signer.Sign(access, ttl.Access)
	if err != nil {
		return Grant{}, apperr.Internal(err)
	}
	refresh := base
	refresh.Type = utils.TypeRefresh
	rt, err := s.signer.Sign(refresh, ttl.Refresh)
	if err != nil {
		return Grant{}, apperr.Internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for _, r := range []struct {
		tok utils.SignedToken
		typ model.TokenType
	}{{at, model.AccessToken}, {rt, model.RefreshToken}} {
		rec := model.TokenRecord{
			Hash:      utils.HashToken(r.tok.Token),
			Type:      r.typ,
			UserID:    u.ID,
			Username:  u.Username,
			ClientID:  c.ID,
			SessionID: sessionID,
			Scopes:    append([]string(nil), scopes...),
			IPAddress: ip,
			IssuedAt:  r.tok.IssuedAt,
			ExpiresAt: r.tok.ExpiresAt,
		}
		if err := s.tokens.Save(ctx, rec); err != nil {
			return Grant{}, apperr.Internal(err)
		}
	}

	return Grant{
		AccessToken:      at.Token,
		RefreshToken:     rt.Token,
		TokenType:        "Bearer",
		ExpiresIn:        int(ttl.Access / time.Second),
		RefreshExpiresIn: int(ttl.Refresh / time.Second),
		Scopes:           append([]string(nil), scopes...),
		SessionID:        sessionID,
		UserID:           u.ID,
		ClientID:         c.ID,
	}, nil
}
