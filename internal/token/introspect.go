package token

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/session"
	"github.com/iliyamo/gate-sso/internal/utils"
)

// Introspection is what a valid bearer token resolves to.
type Introspection struct {
	User        model.User
	Claims      utils.Claims
	Record      model.TokenRecord
	Session     model.Session
	Permissions []string
}

// Introspect validates a bearer access token.  Checks run in order:
// blacklist, server-side record, record expiry (an expired record is
// evicted), signature, live user, live session.  The session is touched on
// success.
func (s *Service) Introspect(ctx context.Context, raw, ip, userAgent string) (Introspection, error) {
	if raw == "" {
		return Introspection{}, ErrMissingToken
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	revoked, err := s.blacklist.Contains(ctx, raw)
	if err != nil {
		return Introspection{}, apperr.Internal(err)
	}
	if revoked {
		return Introspection{}, ErrTokenRevoked
	}

	hash := utils.HashToken(raw)
	rec, err := s.tokens.Get(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && rec.Type != model.AccessToken) {
		return Introspection{}, ErrTokenUnknown
	}
	if err != nil {
		return Introspection{}, apperr.Internal(err)
	}
	if rec.Expired(s.now()) {
		if _, err := s.tokens.Delete(ctx, hash); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("evicting expired token failed", zap.String("token_ref", utils.TokenRef(raw)), zap.Error(err))
		}
		return Introspection{}, ErrTokenExpired
	}

	claims, err := s.signer.Parse(raw)
	if err != nil || claims.Type != utils.TypeAccess {
		return Introspection{}, ErrTokenInvalid
	}

	u, err := s.users.Lookup(ctx, rec.UserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return Introspection{}, err
		}
		return Introspection{}, ErrTokenInvalid
	}
	if !u.IsActive {
		return Introspection{}, ErrTokenInvalid
	}

	sess, err := s.sessions.Touch(ctx, rec.SessionID, ip, userAgent)
	if errors.Is(err, session.ErrSessionNotFound) {
		return Introspection{}, ErrTokenRevoked
	}
	if errors.Is(err, session.ErrSessionEnded) {
		return Introspection{}, ErrTokenExpired
	}
	if err != nil {
		return Introspection{}, err
	}

	return Introspection{
		User:        u,
		Claims:      *claims,
		Record:      rec,
		Session:     sess,
		Permissions: s.scopes.EffectivePermissions(rec.Scopes),
	}, nil
}

// LogoutRequest names the tokens to invalidate.
type LogoutRequest struct {
	Token        string
	RefreshToken string
	ClientID     string
}

// LogoutResult reports what a logout invalidated.
type LogoutResult struct {
	TokensInvalidated int
	SessionID         string
	UserID            string
}

// Logout blacklists the supplied tokens until their natural expiry and
// removes their records, then ends the session they belong to, which
// removes every other token of that session.  When ClientID names the
// client the access token was issued to, every token and session of that
// client is revoked as well.
func (s *Service) Logout(ctx context.Context, req LogoutRequest) (LogoutResult, error) {
	if req.Token == "" {
		return LogoutResult{}, ErrLogoutTokenRequired
	}
	var res LogoutResult

	rec, found, err := s.invalidate(ctx, req.Token)
	if err != nil {
		return res, err
	}
	if found {
		res.TokensInvalidated++
		res.SessionID, res.UserID = rec.SessionID, rec.UserID
	}
	if req.RefreshToken != "" {
		_, ok, err := s.invalidate(ctx, req.RefreshToken)
		if err != nil {
			return res, err
		}
		if ok {
			res.TokensInvalidated++
		}
	}

	if res.SessionID != "" {
		n, err := s.RevokeSession(ctx, res.SessionID)
		if err != nil {
			return res, err
		}
		res.TokensInvalidated += n
		if _, err := s.sessions.End(ctx, res.SessionID, session.ReasonLogout); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			return res, err
		}
	}

	if req.ClientID != "" && found && rec.ClientID == req.ClientID {
		n, err := s.RevokeClient(ctx, req.ClientID)
		if err != nil {
			return res, err
		}
		res.TokensInvalidated += n
	}

	s.logger.Info("logout",
		zap.String("user_id", res.UserID), zap.String("session_id", res.SessionID),
		zap.String("client_id", req.ClientID), zap.Int("tokens_invalidated", res.TokensInvalidated))
	return res, nil
}

// invalidate blacklists raw until its natural expiry and deletes its record.
// found reports whether a record existed.
func (s *Service) invalidate(ctx context.Context, raw string) (model.TokenRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hash := utils.HashToken(raw)
	rec, err := s.tokens.Delete(ctx, hash)
	found := err == nil
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return model.TokenRecord{}, false, apperr.Internal(err)
	}

	expiresAt := rec.ExpiresAt
	if !found {
		// Unknown or already removed: blacklist a verifiable token for its
		// remaining life, ignore anything else.
		claims, err := s.signer.Parse(raw)
		if err != nil {
			return model.TokenRecord{}, false, nil
		}
		expiresAt = claims.ExpiresAt.Time
	}
	if err := s.blacklist.Add(ctx, raw, expiresAt); err != nil {
		return model.TokenRecord{}, false, apperr.Internal(err)
	}
	return rec, found, nil
}

// RevokeSession removes every token record of sessionID.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.tokens.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return len(recs), nil
}

// RevokeClient removes every token record of clientID and ends its
// sessions.
func (s *Service) RevokeClient(ctx context.Context, clientID string) (int, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.tokens.DeleteByClient(storeCtx, clientID)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	if _, err := s.sessions.EndAllForClient(ctx, clientID, session.ReasonClientLogout); err != nil {
		return len(recs), err
	}
	return len(recs), nil
}

// Purge removes expired token records.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.tokens.DeleteExpired(ctx, s.now())
}

// Stats counts live token records.
type Stats struct {
	AccessTokens  int `json:"active_tokens"`
	RefreshTokens int `json:"active_refresh_tokens"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	access, err := s.tokens.Count(ctx, model.AccessToken)
	if err != nil {
		return Stats{}, err
	}
	refresh, err := s.tokens.Count(ctx, model.RefreshToken)
	if err != nil {
		return Stats{}, err
	}
	return Stats{AccessTokens: access, RefreshTokens: refresh}, nil
}
