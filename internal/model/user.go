package model

import "time"

// User represents an end user as stored in the `users` table.  Users are
// created out of band (seed data or an external directory); the SSO core only
// mutates the login bookkeeping fields.
//
// Fields:
//  ID             – opaque user id (uuid).
//  Username       – unique login name.
//  Email          – unique email address, also accepted as login identifier.
//  PasswordHash   – bcrypt hash of the password.
//  FirstName      – given name, used to build the display name.
//  LastName       – family name.
//  Roles          – role names (e.g. admin, user).
//  Permissions    – permission names granted directly to the user.
//  IsActive       – inactive accounts cannot log in.
//  FailedAttempts – consecutive failed logins since the last success.
//  LockedUntil    – end of the current lockout, nil when not locked.
//  LastLogin      – time of the last successful login.
type User struct {
	ID             string     // users.id
	Username       string     // users.username
	Email          string     // users.email
	PasswordHash   string     // users.password_hash
	FirstName      string     // users.first_name
	LastName       string     // users.last_name
	Roles          []string   // users.roles (json)
	Permissions    []string   // users.permissions (json)
	IsActive       bool       // users.is_active
	FailedAttempts int        // users.failed_attempts
	LockedUntil    *time.Time // users.locked_until (nullable)
	LastLogin      *time.Time // users.last_login (nullable)
	CreatedAt      time.Time  // users.created_at
	UpdatedAt      time.Time  // users.updated_at
}

// DisplayName joins first and last name, falling back to the username.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Username
}

// LockRemaining returns how long the account stays locked at now, zero when
// it is not locked.
func (u User) LockRemaining(now time.Time) time.Duration {
	if u.LockedUntil == nil || !u.LockedUntil.After(now) {
		return 0
	}
	return u.LockedUntil.Sub(now)
}

// HasRole reports whether the user carries role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Snapshot returns the identity copy bound into codes and tokens.
func (u User) Snapshot() UserSnapshot {
	return UserSnapshot{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Name:        u.DisplayName(),
		Roles:       append([]string(nil), u.Roles...),
		Permissions: append([]string(nil), u.Permissions...),
	}
}

// UserSnapshot is a read-only copy of a user's identity taken at login.
type UserSnapshot struct {
	ID          string   `json:"user_id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
