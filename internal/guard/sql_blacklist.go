package guard

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/gate-sso/internal/utils"
)

// SQLBlacklist persists revoked token hashes in the sso_token_blacklist table.
type SQLBlacklist struct{ DB *sql.DB }

func NewSQLBlacklist(db *sql.DB) *SQLBlacklist { return &SQLBlacklist{DB: db} }

// Add inserts a hash row, keeping the later expiry when the token was
// already revoked.
func (b *SQLBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := b.DB.ExecContext(ctx,
		"INSERT INTO sso_token_blacklist (token_hash, expires_at, created_at) VALUES (?,?,?) "+
			"ON DUPLICATE KEY UPDATE expires_at=GREATEST(expires_at, VALUES(expires_at))",
		utils.HashToken(token), expiresAt.UTC(), time.Now().UTC())
	return err
}

// Contains reports whether a row exists for the token hash.
func (b *SQLBlacklist) Contains(ctx context.Context, token string) (bool, error) {
	var one int
	err := b.DB.QueryRowContext(ctx,
		"SELECT 1 FROM sso_token_blacklist WHERE token_hash=? LIMIT 1",
		utils.HashToken(token)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Purge deletes rows whose token has naturally expired.
func (b *SQLBlacklist) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := b.DB.ExecContext(ctx,
		"DELETE FROM sso_token_blacklist WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Len returns the number of blacklisted hashes.
func (b *SQLBlacklist) Len(ctx context.Context) (int, error) {
	var n int
	err := b.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sso_token_blacklist").Scan(&n)
	return n, err
}
