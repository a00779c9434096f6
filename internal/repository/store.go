package repository

import (
	"context"
	"time"

	"github.com/iliyamo/gate-sso/internal/model"
)

// UserStore holds end users.  RegisterFailure and RegisterSuccess are the
// only mutations the SSO core performs.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	FindByID(ctx context.Context, id string) (model.User, error)
	Create(ctx context.Context, u model.User) error
	// RegisterFailure increments the failed-attempt counter of user id and,
	// when the new count reaches threshold, sets the lockout to lockUntil.
	// It returns the updated user.  The read-modify-write is atomic.
	RegisterFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (model.User, error)
	// RegisterSuccess clears the counter and lockout and stamps last login.
	RegisterSuccess(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (int, error)
}

// ClientFilter selects a page of clients.
type ClientFilter struct {
	Status string // active, inactive, pending or empty for any
	Search string // case-insensitive match on name or description
	Offset int
	Limit  int
}

// ClientStore holds registered clients.
type ClientStore interface {
	Create(ctx context.Context, c model.Client) error
	Get(ctx context.Context, id string) (model.Client, error)
	// Update applies fn to the current client and persists the result as
	// one atomic step.  An error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(*model.Client) error) (model.Client, error)
	List(ctx context.Context, f ClientFilter) ([]model.Client, int, error)
	Count(ctx context.Context) (int, error)
}

// CodeStore holds pending authorization codes.
type CodeStore interface {
	Save(ctx context.Context, c model.AuthorizationCode) error
	// Take removes and returns the code in one atomic step.  Concurrent
	// callers for the same code observe at most one success; the others
	// get ErrNotFound.
	Take(ctx context.Context, code string) (model.AuthorizationCode, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// TokenStore holds the server-side mirror of issued tokens, keyed by
// token hash.
type TokenStore interface {
	Save(ctx context.Context, r model.TokenRecord) error
	Get(ctx context.Context, hash string) (model.TokenRecord, error)
	// Take removes and returns the record atomically (refresh rotation).
	Take(ctx context.Context, hash string) (model.TokenRecord, error)
	Delete(ctx context.Context, hash string) (model.TokenRecord, error)
	DeleteByClient(ctx context.Context, clientID string) ([]model.TokenRecord, error)
	DeleteBySession(ctx context.Context, sessionID string) ([]model.TokenRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context, typ model.TokenType) (int, error)
}

// SessionStats summarizes the active sessions of a SessionStore.
type SessionStats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalUsers     int `json:"total_users"`
	TotalClients   int `json:"total_clients"`
	TotalRequests  int `json:"total_requests"`
	TotalRefreshes int `json:"total_refreshes"`
}

// SessionStore holds active sessions, indexed by user and by client, plus
// the event history of every session.
type SessionStore interface {
	Create(ctx context.Context, s model.Session) error
	Get(ctx context.Context, id string) (model.Session, error)
	// Update applies fn to the stored session and saves its result
	// atomically.  An error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(model.Session) (model.Session, error)) (model.Session, error)
	// Delete removes the session and its index entries and returns it.
	Delete(ctx context.Context, id string) (model.Session, error)
	ListByUser(ctx context.Context, userID string) ([]model.Session, error)
	ListByClient(ctx context.Context, clientID string) ([]model.Session, error)
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	AppendEvent(ctx context.Context, ev model.SessionEvent) error
	History(ctx context.Context, sessionID string) ([]model.SessionEvent, error)
	PurgeHistory(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (SessionStats, error)
}
