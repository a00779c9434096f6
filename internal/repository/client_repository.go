package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/gate-sso/internal/model"
)

const clientColumns = "id,secret_hash,name,description,redirect_uris,scopes,allowed_origins,contact_email,website,logo_url," +
	"status,is_active,security_level,security_violations,token_ttl_seconds,refresh_token_ttl_seconds," +
	"rate_limit_per_minute,max_concurrent_sessions,terms_accepted,privacy_accepted,registration_ip," +
	"created_at,updated_at,last_used,deactivated_at"

// ClientRepo is the MySQL ClientStore over the `sso_clients` table.
type ClientRepo struct{ DB *sql.DB }

func NewClientRepo(db *sql.DB) *ClientRepo { return &ClientRepo{DB: db} }

func scanClient(row rowScanner) (model.Client, error) {
	var (
		c                          model.Client
		redirects, scopes, origins []byte
		tokenTTL, refreshTTL       int64
		lastUsed, deactivated      sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &c.Description, &redirects, &scopes, &origins,
		&c.ContactEmail, &c.Website, &c.LogoURL, &c.Status, &c.IsActive, &c.SecurityLevel,
		&c.SecurityViolations, &tokenTTL, &refreshTTL, &c.RateLimitPerMinute, &c.MaxConcurrentSessions,
		&c.TermsAccepted, &c.PrivacyAccepted, &c.RegistrationIP, &c.CreatedAt, &c.UpdatedAt,
		&lastUsed, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Client{}, ErrNotFound
	}
	if err != nil {
		return model.Client{}, err
	}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{redirects, &c.RedirectURIs}, {scopes, &c.Scopes}, {origins, &c.AllowedOrigins}} {
		if err := decodeList(f.raw, f.dst); err != nil {
			return model.Client{}, fmt.Errorf("decode client %s: %w", c.ID, err)
		}
	}
	c.TokenTTL = time.Duration(tokenTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsed = &t
	}
	if deactivated.Valid {
		t := deactivated.Time
		c.DeactivatedAt = &t
	}
	return c, nil
}

// clientArgs returns the column values of c in clientColumns order.
func clientArgs(c model.Client) ([]any, error) {
	redirects, err := encodeList(c.RedirectURIs)
	if err != nil {
		return nil, err
	}
	scopes, err := encodeList(c.Scopes)
	if err != nil {
		return nil, err
	}
	origins, err := encodeList(c.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	var lastUsed, deactivated any
	if c.LastUsed != nil {
		lastUsed = c.LastUsed.UTC()
	}
	if c.DeactivatedAt != nil {
		deactivated = c.DeactivatedAt.UTC()
	}
	return []any{
		c.ID, c.SecretHash, c.Name, c.Description, redirects, scopes, origins,
		c.ContactEmail, c.Website, c.LogoURL, c.Status, c.IsActive, c.SecurityLevel,
		c.SecurityViolations, int64(c.TokenTTL / time.Second), int64(c.RefreshTokenTTL / time.Second),
		c.RateLimitPerMinute, c.MaxConcurrentSessions, c.TermsAccepted, c.PrivacyAccepted,
		c.RegistrationIP, c.CreatedAt.UTC(), c.UpdatedAt.UTC(), lastUsed, deactivated,
	}, nil
}

// Create inserts a client row.
func (r *ClientRepo) Create(ctx context.Context, c model.Client) error {
	args, err := clientArgs(c)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO sso_clients ("+clientColumns+") VALUES ("+placeholders+")", args...)
	if isDuplicate(err) {
		return fmt.Errorf("client %s: %w", c.ID, ErrConflict)
	}
	return err
}

// Get fetches a client by id.
func (r *ClientRepo) Get(ctx context.Context, id string) (model.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx,
		"SELECT "+clientColumns+" FROM sso_clients WHERE id=? LIMIT 1", id))
}

// Update locks the row, applies fn and writes every mutable column back.
func (r *ClientRepo) Update(ctx context.Context, id string, fn func(*model.Client) error) (model.Client, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Client{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanClient(tx.QueryRowContext(ctx,
		"SELECT "+clientColumns+" FROM sso_clients WHERE id=? FOR UPDATE", id))
	if err != nil {
		return model.Client{}, err
	}
	if err := fn(&c); err != nil {
		return model.Client{}, err
	}
	c.ID = id

	args, err := clientArgs(c)
	if err != nil {
		return model.Client{}, err
	}
	// Every column except id (first) is rewritten; id goes last for WHERE.
	cols := strings.Split(clientColumns, ",")[1:]
	set := strings.Join(cols, "=?,") + "=?"
	args = append(args[1:], id)
	if _, err := tx.ExecContext(ctx, "UPDATE sso_clients SET "+set+" WHERE id=?", args...); err != nil {
		return model.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Client{}, err
	}
	return c, nil
}

// List returns one page of clients, newest first, and the total match count.
func (r *ClientRepo) List(ctx context.Context, f ClientFilter) ([]model.Client, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		where = append(where, "(LOWER(name) LIKE ? OR LOWER(description) LIKE ?)")
		like := "%" + strings.ToLower(s) + "%"
		args = append(args, like, like)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sso_clients"+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM sso_clients"+cond+" ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?",
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// Count returns the number of registered clients, active or not.
func (r *ClientRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sso_clients").Scan(&n)
	return n, err
}
