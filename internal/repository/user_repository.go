package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/gate-sso/internal/model"
)

const userColumns = "id,username,email,password_hash,first_name,last_name,roles,permissions,is_active,failed_attempts,locked_until,last_login,created_at,updated_at"

// UserRepo is the MySQL UserStore over the `users` table.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u                 model.User
		roles, perms      []byte
		lockedUntil, last sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&roles, &perms, &u.IsActive, &u.FailedAttempts, &lockedUntil, &last, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	if err := decodeList(roles, &u.Roles); err != nil {
		return model.User{}, fmt.Errorf("decode roles: %w", err)
	}
	if err := decodeList(perms, &u.Permissions); err != nil {
		return model.User{}, fmt.Errorf("decode permissions: %w", err)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	if last.Valid {
		t := last.Time
		u.LastLogin = &t
	}
	return u, nil
}

// FindByUsername fetches a user by case-insensitive username.
func (r *UserRepo) FindByUsername(ctx context.Context, username string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username=? LIMIT 1",
		normalize(username)))
}

// FindByEmail fetches a user by normalized email.
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1",
		normalize(email)))
}

// FindByID fetches a user by id.
func (r *UserRepo) FindByID(ctx context.Context, id string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// Create inserts a user.  Username and email are stored lower-cased.
func (r *UserRepo) Create(ctx context.Context, u model.User) error {
	roles, err := encodeList(u.Roles)
	if err != nil {
		return err
	}
	perms, err := encodeList(u.Permissions)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO users (id,username,email,password_hash,first_name,last_name,roles,permissions,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)",
		u.ID, normalize(u.Username), normalize(u.Email), u.PasswordHash, u.FirstName, u.LastName,
		roles, perms, u.IsActive, now, now)
	if isDuplicate(err) {
		return fmt.Errorf("user %s: %w", u.Username, ErrConflict)
	}
	return err
}

// RegisterFailure increments failed_attempts under a row lock and sets
// locked_until once the threshold is reached.
func (r *UserRepo) RegisterFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (model.User, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? FOR UPDATE", id))
	if err != nil {
		return model.User{}, err
	}
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		t := lockUntil.UTC()
		u.LockedUntil = &t
	}
	u.UpdatedAt = time.Now().UTC()

	var locked any
	if u.LockedUntil != nil {
		locked = *u.LockedUntil
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET failed_attempts=?, locked_until=?, updated_at=? WHERE id=?",
		u.FailedAttempts, locked, u.UpdatedAt, id); err != nil {
		return model.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// RegisterSuccess resets the lockout bookkeeping and stamps last_login.
func (r *UserRepo) RegisterSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET failed_attempts=0, locked_until=NULL, last_login=?, updated_at=? WHERE id=?",
		at.UTC(), at.UTC(), id)
	return err
}

// Count returns the number of users.
func (r *UserRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(b []byte, dst *[]string) error {
	if len(b) == 0 {
		*dst = []string{}
		return nil
	}
	return json.Unmarshal(b, dst)
}

// isDuplicate reports a MySQL duplicate-key error (1062).
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "1062")
}
