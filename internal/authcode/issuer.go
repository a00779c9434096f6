// Package authcode issues and redeems single-use authorization codes.
package authcode

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/utils"
)

const (
	invalidCode     = "invalid or expired authorization code"
	invalidCodeCode = "invalid_grant"
	misboundCode    = "authorization code was not issued for this client and redirect_uri"
)

var (
	ErrCodeNotFound       = apperr.Validation("code_not_found", invalidCode).WithCode(invalidCodeCode)
	ErrCodeExpired        = apperr.Validation("code_expired", invalidCode).WithCode(invalidCodeCode)
	ErrCodeClientMismatch = apperr.Validation("code_client_mismatch", misboundCode).WithCode(invalidCodeCode)
	ErrCodeRedirect       = apperr.Validation("code_redirect_mismatch", misboundCode).WithCode(invalidCodeCode)
	ErrMissingCode        = apperr.Validation("missing_code", "code is required")
)

// DefaultTTL is the lifetime of an authorization code.
const DefaultTTL = 10 * time.Minute

// Issuer owns authorization codes.
type Issuer struct {
	store   repository.CodeStore
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Issuer)

func WithLogger(l *zap.Logger) Option { return func(i *Issuer) { i.logger = l } }

func WithClock(now func() time.Time) Option { return func(i *Issuer) { i.now = now } }

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option { return func(i *Issuer) { i.timeout = d } }

func NewIssuer(store repository.CodeStore, ttl time.Duration, opts ...Option) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{store: store, ttl: ttl, timeout: 10 * time.Second, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(i)
	}
	return i
}

// TTL returns the code lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// IssueRequest describes what a code is bound to.
type IssueRequest struct {
	User        model.UserSnapshot
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
	SessionID   string
	IPAddress   string
}

// Issue stores a new code carrying 256 bits of randomness.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (model.AuthorizationCode, error) {
	code, err := utils.RandomHex(32)
	if err != nil {
		return model.AuthorizationCode{}, apperr.Internal(err)
	}
	now := i.now().UTC()
	c := model.AuthorizationCode{
		Code:        code,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		User:        req.User,
		Scopes:      append([]string(nil), req.Scopes...),
		State:       req.State,
		SessionID:   req.SessionID,
		IPAddress:   req.IPAddress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(i.ttl),
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	if err := i.store.Save(ctx, c); err != nil {
		return model.AuthorizationCode{}, apperr.Internal(err)
	}
	i.logger.Debug("authorization code issued",
		zap.String("code_ref", utils.TokenRef(code)),
		zap.String("client_id", req.ClientID),
		zap.String("user_id", req.User.ID))
	return c, nil
}

// Redeem consumes code.  The code is removed before it is examined, so of any
// number of concurrent redemptions at most one gets the binding back and an
// expired code is gone after the first attempt.
func (i *Issuer) Redeem(ctx context.Context, code string) (model.AuthorizationCode, error) {
	if code == "" {
		return model.AuthorizationCode{}, ErrMissingCode
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	c, err := i.store.Take(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return model.AuthorizationCode{}, ErrCodeNotFound
	}
	if err != nil {
		return model.AuthorizationCode{}, apperr.Internal(err)
	}
	if c.Expired(i.now()) {
		return model.AuthorizationCode{}, ErrCodeExpired
	}
	return c, nil
}

// RedeemFor consumes code and checks it was issued to clientID for
// redirectURI.  A mismatch still consumes the code.
func (i *Issuer) RedeemFor(ctx context.Context, code, clientID, redirectURI string) (model.AuthorizationCode, error) {
	c, err := i.Redeem(ctx, code)
	if err != nil {
		return model.AuthorizationCode{}, err
	}
	if c.ClientID != clientID {
		i.logger.Warn("authorization code presented by another client",
			zap.String("code_ref", utils.TokenRef(code)),
			zap.String("issued_to", c.ClientID),
			zap.String("presented_by", clientID))
		return model.AuthorizationCode{}, ErrCodeClientMismatch
	}
	if c.RedirectURI != redirectURI {
		return model.AuthorizationCode{}, ErrCodeRedirect
	}
	return c, nil
}

// Purge removes expired codes.
func (i *Issuer) Purge(ctx context.Context) (int, error) {
	return i.store.DeleteExpired(ctx, i.now())
}

// Pending returns the number of unredeemed codes.
func (i *Issuer) Pending(ctx context.Context) (int, error) {
	return i.store.Count(ctx)
}
