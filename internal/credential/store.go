// Package credential verifies end-user passwords and owns the per-account
// lockout bookkeeping.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/utils"
)

// Caller-facing code and message shared by every credential failure so
// responses do not reveal whether the account exists.
const (
	invalidCredentialsCode = "invalid_credentials"
	invalidCredentials     = "invalid credentials"
)

var (
	ErrUnknownUser  = apperr.Authentication("unknown_user", invalidCredentials).WithCode(invalidCredentialsCode)
	ErrBadPassword  = apperr.Authentication("bad_password", invalidCredentials).WithCode(invalidCredentialsCode)
	ErrInactiveUser = apperr.Authentication("inactive_user", invalidCredentials).WithCode(invalidCredentialsCode)
	ErrLocked       = apperr.Locked("account_locked", "account temporarily locked due to too many failed login attempts", 0)
	ErrMissingInput = apperr.Validation("missing_credentials", "username and password are required")
	ErrUserNotFound = apperr.NotFound("user_not_found", "user not found")
)

// Policy configures lockout.
type Policy struct {
	Threshold int           // failed attempts before lockout
	Duration  time.Duration // lockout length
	Timeout   time.Duration // bound on each store call
}

// DefaultPolicy locks an account for 30 minutes after 5 failures.
func DefaultPolicy() Policy {
	return Policy{Threshold: 5, Duration: 30 * time.Minute, Timeout: 10 * time.Second}
}

// Store verifies credentials against a UserStore.
type Store struct {
	users  repository.UserStore
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(users repository.UserStore, policy Policy, opts ...Option) *Store {
	if policy.Threshold < 1 {
		policy.Threshold = DefaultPolicy().Threshold
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	s := &Store{users: users, policy: policy, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Verify authenticates identifier (username or email) with password.
//
// A locked account is rejected before the password is checked, so attempts
// during a lockout neither count nor extend it.  A wrong password increments
// the account's counter; the attempt that reaches the threshold starts the
// lockout.  Success clears the counter and records the login time.
func (s *Store) Verify(ctx context.Context, identifier, password string) (model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return model.User{}, ErrMissingInput
	}
	ctx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	u, err := s.find(ctx, identifier)
	if errors.Is(err, repository.ErrNotFound) {
		utils.BurnPasswordCheck(password)
		s.logger.Info("login rejected", zap.String("reason", "unknown_user"), zap.String("identifier", identifier))
		return model.User{}, ErrUnknownUser
	}
	if err != nil {
		return model.User{}, apperr.Internal(err)
	}

	now := s.now()
	if !u.IsActive {
		utils.BurnPasswordCheck(password)
		s.logger.Info("login rejected", zap.String("reason", "inactive_user"), zap.String("user_id", u.ID))
		return model.User{}, ErrInactiveUser
	}
	if remaining := u.LockRemaining(now); remaining > 0 {
		s.logger.Info("login rejected", zap.String("reason", "account_locked"),
			zap.String("user_id", u.ID), zap.Duration("remaining", remaining))
		return model.User{}, ErrLocked.WithRetryAfter(remaining)
	}

	if !utils.VerifyPassword(u.PasswordHash, password) {
		updated, err := s.users.RegisterFailure(ctx, u.ID, s.policy.Threshold, now.Add(s.policy.Duration))
		if err != nil {
			return model.User{}, apperr.Internal(err)
		}
		fields := []zap.Field{
			zap.String("reason", "bad_password"),
			zap.String("user_id", u.ID),
			zap.Int("failed_attempts", updated.FailedAttempts),
		}
		if updated.LockRemaining(now) > 0 {
			s.logger.Warn("account locked", fields...)
		} else {
			s.logger.Info("login rejected", fields...)
		}
		return model.User{}, ErrBadPassword
	}

	if err := s.users.RegisterSuccess(ctx, u.ID, now); err != nil {
		return model.User{}, apperr.Internal(err)
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	u.LastLogin = &now
	return u, nil
}

// Lookup returns the current record of user id.
func (s *Store) Lookup(ctx context.Context, id string) (model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()
	u, err := s.users.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, apperr.Internal(err)
	}
	return u, nil
}

// Count returns the number of users.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()
	return s.users.Count(ctx)
}

func (s *Store) find(ctx context.Context, identifier string) (model.User, error) {
	u, err := s.users.FindByUsername(ctx, identifier)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return u, err
	}
	return s.users.FindByEmail(ctx, identifier)
}
