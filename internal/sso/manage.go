package sso

import (
	"context"
	"strconv"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/queue"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/session"
)

var ErrForbidden = apperr.Authorization("forbidden", "insufficient permissions")

// Actor is the authenticated user behind a management call.
type Actor struct {
	UserID string
	Admin  bool
	Caller
}

func (a Actor) owns(userID string) bool { return a.Admin || a.UserID == userID }

// RegisterClient registers a client on behalf of actor.
func (s *Service) RegisterClient(ctx context.Context, actor Actor, req client.RegisterRequest) (client.Registration, error) {
	req.RegistrationIP = actor.IP
	reg, err := s.clients.Register(ctx, req)
	if err != nil {
		return reg, err
	}
	ev := s.event(queue.EventClientRegistered, actor.Caller)
	ev.UserID, ev.ClientID = actor.UserID, reg.Client.ID
	ev.Details = map[string]string{"status": reg.Client.Status}
	s.audit(ctx, ev)
	return reg, nil
}

func (s *Service) GetClient(ctx context.Context, id string) (model.Client, error) {
	return s.clients.Get(ctx, id)
}

func (s *Service) ListClients(ctx context.Context, req client.ListRequest) (client.Page, error) {
	return s.clients.List(ctx, req)
}

func (s *Service) UpdateClient(ctx context.Context, actor Actor, id string, req client.UpdateRequest) (model.Client, error) {
	c, err := s.clients.Update(ctx, id, req)
	if err != nil {
		return c, err
	}
	ev := s.event(queue.EventClientUpdated, actor.Caller)
	ev.UserID, ev.ClientID = actor.UserID, id
	s.audit(ctx, ev)
	return c, nil
}

// DeactivateClient soft-deletes a client.  Tokens it already holds stay
// introspectable until they expire or are revoked.
func (s *Service) DeactivateClient(ctx context.Context, actor Actor, id string) (model.Client, error) {
	c, err := s.clients.Deactivate(ctx, id)
	if err != nil {
		return c, err
	}
	ev := s.event(queue.EventClientDeactivated, actor.Caller)
	ev.UserID, ev.ClientID = actor.UserID, id
	s.audit(ctx, ev)
	return c, nil
}

// GetSession returns a session owned by actor, or any session for admins.
// Someone else's session is reported as not found.
func (s *Service) GetSession(ctx context.Context, actor Actor, id string) (model.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return sess, err
	}
	if !actor.owns(sess.UserID) {
		return model.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) SessionHistory(ctx context.Context, id string) ([]model.SessionEvent, error) {
	return s.sessions.History(ctx, id)
}

// EndSession terminates one session and revokes its tokens.
func (s *Service) EndSession(ctx context.Context, actor Actor, id string) (model.Session, error) {
	if _, err := s.GetSession(ctx, actor, id); err != nil {
		return model.Session{}, err
	}
	sess, err := s.sessions.End(ctx, id, session.ReasonRevoked)
	if err != nil {
		return sess, err
	}
	ev := s.event(queue.EventSessionTerminated, actor.Caller)
	ev.UserID, ev.ClientID, ev.SessionID, ev.Reason = sess.UserID, sess.ClientID, id, session.ReasonRevoked
	ev.Details = map[string]string{"ended_by": actor.UserID}
	s.audit(ctx, ev)
	return sess, nil
}

func (s *Service) ListUserSessions(ctx context.Context, actor Actor, userID string) ([]model.Session, error) {
	if !actor.owns(userID) {
		return nil, ErrForbidden
	}
	return s.sessions.ListForUser(ctx, userID)
}

// EndUserSessions logs userID out everywhere.
func (s *Service) EndUserSessions(ctx context.Context, actor Actor, userID string) (int, error) {
	if !actor.owns(userID) {
		return 0, ErrForbidden
	}
	n, err := s.sessions.EndAllForUser(ctx, userID, session.ReasonUserLogout)
	if err != nil {
		return n, err
	}
	ev := s.event(queue.EventSessionTerminated, actor.Caller)
	ev.UserID, ev.Reason = userID, session.ReasonUserLogout
	ev.Details = map[string]string{"ended_by": actor.UserID, "sessions": itoa(n)}
	s.audit(ctx, ev)
	return n, nil
}

func (s *Service) ListClientSessions(ctx context.Context, clientID string) ([]model.Session, error) {
	return s.sessions.ListForClient(ctx, clientID)
}

func (s *Service) SessionStats(ctx context.Context) (repository.SessionStats, error) {
	st, err := s.sessions.Stats(ctx)
	if err != nil {
		return st, apperr.Internal(err)
	}
	return st, nil
}

// Scopes returns the scope catalog.
func (s *Service) Scopes() []scope.Definition { return s.scopes.All() }

// Scope returns one catalog entry.
func (s *Service) Scope(name string) (scope.Definition, error) {
	d, ok := s.scopes.Lookup(name)
	if !ok {
		return scope.Definition{}, apperr.NotFound("scope_not_found", "scope not found")
	}
	return d, nil
}

// ValidateScopes checks requested against the allowed set of clientID.
func (s *Service) ValidateScopes(ctx context.Context, clientID string, requested []string) (scope.Result, error) {
	c, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return scope.Result{}, err
	}
	return s.scopes.Validate(requested, c.Scopes), nil
}

// CheckPermission reports whether scopes carry permission, and the
// effective permission set they resolve to.
func (s *Service) CheckPermission(scopes []string, permission string) (bool, []string) {
	return s.scopes.HasPermission(scopes, permission), s.scopes.EffectivePermissions(scopes)
}

func itoa(n int) string { return strconv.Itoa(n) }
