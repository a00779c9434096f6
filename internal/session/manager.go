// Package session manages logical user sessions: one per (user, client)
// login, spanning every token rotation of that login.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
)

// End reasons.
const (
	ReasonLogout       = "logout"
	ReasonExpired      = "expired"
	ReasonSessionLimit = "session_limit"
	ReasonUserLogout   = "user_logout_all"
	ReasonClientLogout = "client_logout_all"
	ReasonRevoked      = "revoked"
)

var (
	ErrSessionNotFound = apperr.NotFound("session_not_found", "session not found")
	ErrSessionEnded    = apperr.Authentication("session_ended", "session has ended or expired")
)

// Defaults.
const (
	DefaultTTL       = 24 * time.Hour
	DefaultRetention = 30 * 24 * time.Hour
)

// Manager owns sessions.
type Manager struct {
	store     repository.SessionStore
	ttl       time.Duration
	retention time.Duration
	timeout   time.Duration
	onEnd     func(context.Context, model.Session)
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRetention sets how long session events are kept.
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }

func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

func NewManager(store repository.SessionStore, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		store:     store,
		ttl:       ttl,
		retention: DefaultRetention,
		timeout:   10 * time.Second,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnEnd registers fn to run after every session end, whatever the cause.
// It must be set before the manager is shared between goroutines.
func (m *Manager) OnEnd(fn func(context.Context, model.Session)) { m.onEnd = fn }

// CreateRequest describes a new session.  MaxConcurrent limits the active
// sessions of UserID at ClientID; zero means no limit.
type CreateRequest struct {
	UserID        string
	ClientID      string
	Scopes        []string
	UserAgent     string
	IPAddress     string
	MaxConcurrent int
}

// Create starts a session with a full TTL.  When the user already holds
// MaxConcurrent sessions at the client, the oldest are ended first.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if req.MaxConcurrent > 0 {
		if err := m.enforceLimit(ctx, req.UserID, req.ClientID, req.MaxConcurrent); err != nil {
			return model.Session{}, err
		}
	}

	now := m.now().UTC()
	s := model.Session{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ClientID:     req.ClientID,
		Scopes:       append([]string(nil), req.Scopes...),
		UserAgent:    req.UserAgent,
		IPAddress:    req.IPAddress,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.ttl),
		IsActive:     true,
		LoginTime:    now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return model.Session{}, apperr.Internal(err)
	}
	m.event(ctx, s, model.SessionCreated, "")
	m.logger.Info("session created",
		zap.String("session_id", s.ID), zap.String("user_id", s.UserID), zap.String("client_id", s.ClientID))
	return s, nil
}

func (m *Manager) enforceLimit(ctx context.Context, userID, clientID string, limit int) error {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return apperr.Internal(err)
	}
	var atClient []model.Session
	for _, s := range sessions {
		if s.ClientID == clientID {
			atClient = append(atClient, s)
		}
	}
	// ListByUser is oldest first.
	for i := 0; len(atClient)-i >= limit; i++ {
		if _, err := m.End(ctx, atClient[i].ID, ReasonSessionLimit); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// Get returns session id, expired or not.
func (m *Manager) Get(ctx context.Context, id string) (model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, apperr.Internal(err)
	}
	return s, nil
}

// Active returns session id if it exists and has not expired.
func (m *Manager) Active(ctx context.Context, id string) (model.Session, error) {
	s, err := m.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return model.Session{}, ErrSessionEnded
	}
	if err != nil {
		return model.Session{}, err
	}
	if !s.IsActive || s.Expired(m.now()) {
		return model.Session{}, ErrSessionEnded
	}
	return s, nil
}

// Touch records one request against session id.  A session that has
// ended or passed its expiry is not touched and yields ErrSessionEnded.
func (m *Manager) Touch(ctx context.Context, id, ip, userAgent string) (model.Session, error) {
	return m.update(ctx, id, func(s model.Session) (model.Session, error) {
		now := m.now().UTC()
		if !s.IsActive || s.Expired(now) {
			return model.Session{}, ErrSessionEnded
		}
		return s.Touched(now, ip, userAgent), nil
	})
}

// Refresh extends session id by a full TTL and counts the refresh.  An
// expired session cannot be refreshed.
func (m *Manager) Refresh(ctx context.Context, id string) (model.Session, error) {
	s, err := m.update(ctx, id, func(s model.Session) (model.Session, error) {
		now := m.now().UTC()
		if !s.IsActive || s.Expired(now) {
			return model.Session{}, ErrSessionEnded
		}
		return s.Refreshed(now, m.ttl), nil
	})
	if err != nil {
		return model.Session{}, err
	}
	m.event(ctx, s, model.SessionRefreshed, "")
	if s.RefreshCount > 0 && s.RefreshCount%100 == 0 {
		m.logger.Warn("session refreshed unusually often",
			zap.String("session_id", s.ID), zap.Int("refresh_count", s.RefreshCount))
	}
	return s, nil
}

func (m *Manager) update(ctx context.Context, id string, fn func(model.Session) (model.Session, error)) (model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	s, err := m.store.Update(ctx, id, fn)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return model.Session{}, ae
	}
	if err != nil {
		return model.Session{}, apperr.Internal(err)
	}
	return s, nil
}

// End terminates session id and removes it from the user and client
// indexes.  The returned snapshot carries the logout time and reason; the
// event history outlives the session.
func (m *Manager) End(ctx context.Context, id, reason string) (model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	s, err := m.store.Delete(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, apperr.Internal(err)
	}
	ended := s.Ended(m.now().UTC(), reason)
	m.event(ctx, ended, model.SessionEnded, reason)
	m.logger.Info("session ended",
		zap.String("session_id", id), zap.String("user_id", s.UserID),
		zap.String("client_id", s.ClientID), zap.String("reason", reason))
	if m.onEnd != nil {
		m.onEnd(ctx, ended)
	}
	return ended, nil
}

// EndAllForUser ends every session of userID.
func (m *Manager) EndAllForUser(ctx context.Context, userID, reason string) (int, error) {
	sessions, err := m.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.endAll(ctx, sessions, reason)
}

// EndAllForClient ends every session held at clientID.
func (m *Manager) EndAllForClient(ctx context.Context, clientID, reason string) (int, error) {
	sessions, err := m.ListForClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return m.endAll(ctx, sessions, reason)
}

func (m *Manager) endAll(ctx context.Context, sessions []model.Session, reason string) (int, error) {
	n := 0
	for _, s := range sessions {
		_, err := m.End(ctx, s.ID, reason)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) ListForUser(ctx context.Context, userID string) ([]model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	out, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

func (m *Manager) ListForClient(ctx context.Context, clientID string) ([]model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	out, err := m.store.ListByClient(ctx, clientID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// History returns the recorded events of session id, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]model.SessionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	events, err := m.store.History(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return events, nil
}

func (m *Manager) Stats(ctx context.Context) (repository.SessionStats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.Stats(ctx)
}

// SweepReport counts what one Sweep removed.
type SweepReport struct {
	Expired int
	Events  int
}

// Sweep ends expired sessions with reason "expired" and drops events older
// than the retention period.  Expired ids are collected first and ended one
// by one, so no store lock is held for the whole pass.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	var r SweepReport
	now := m.now()
	ids, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return r, err
	}
	for _, id := range ids {
		// A refresh may have landed since the listing.
		if s, err := m.Get(ctx, id); err != nil || !s.Expired(now) {
			continue
		}
		_, err := m.End(ctx, id, ReasonExpired)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return r, err
		}
		r.Expired++
	}
	if r.Events, err = m.store.PurgeHistory(ctx, now.Add(-m.retention)); err != nil {
		return r, err
	}
	return r, nil
}

func (m *Manager) event(ctx context.Context, s model.Session, action, reason string) {
	ev := model.SessionEvent{
		SessionID: s.ID,
		Action:    action,
		Reason:    reason,
		IPAddress: s.IPAddress,
		UserAgent: s.UserAgent,
		At:        m.now().UTC(),
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn("session event not recorded", zap.String("session_id", s.ID), zap.Error(err))
	}
}
