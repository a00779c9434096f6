// Package client owns registered OAuth2 clients: registration, validation of
// client credentials and redirect URIs, and admin updates.
package client

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/utils"
)

// Every client credential failure carries this code and message so the
// response does not reveal whether the client exists.  An unregistered
// redirect_uri answers the same way, otherwise it would confirm the id.
const (
	invalidClientCode = "invalid_client"
	invalidClient     = "invalid client credentials"
)

var (
	ErrUnknownClient    = apperr.Validation("unknown_client", invalidClient).WithCode(invalidClientCode)
	ErrBadSecret        = apperr.Validation("bad_client_secret", invalidClient).WithCode(invalidClientCode)
	ErrInactiveClient   = apperr.Validation("inactive_client", invalidClient).WithCode(invalidClientCode)
	ErrPendingClient    = apperr.Validation("pending_client", invalidClient).WithCode(invalidClientCode)
	ErrBlockedClient    = apperr.Validation("blocked_client", invalidClient).WithCode(invalidClientCode)
	ErrRedirectMismatch = apperr.Validation("redirect_uri_mismatch", invalidClient).WithCode(invalidClientCode)
	ErrMissingClientID  = apperr.Validation("missing_client_id", "client_id is required")
	ErrClientNotFound   = apperr.NotFound("client_not_found", "client not found")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Defaults are applied to newly registered clients.
type Defaults struct {
	RateLimitPerMinute    int
	MaxConcurrentSessions int
	ViolationCeiling      int
	RequireApproval       bool
	BcryptCost            int
	Timeout               time.Duration
}

func DefaultDefaults() Defaults {
	return Defaults{
		RateLimitPerMinute:    60,
		MaxConcurrentSessions: 10,
		ViolationCeiling:      5,
		BcryptCost:            10,
		Timeout:               10 * time.Second,
	}
}

// Registry is the client registry.
type Registry struct {
	store    repository.ClientStore
	scopes   *scope.Authority
	defaults Defaults
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func NewRegistry(store repository.ClientStore, scopes *scope.Authority, d Defaults, opts ...Option) *Registry {
	def := DefaultDefaults()
	if d.RateLimitPerMinute <= 0 {
		d.RateLimitPerMinute = def.RateLimitPerMinute
	}
	if d.MaxConcurrentSessions <= 0 {
		d.MaxConcurrentSessions = def.MaxConcurrentSessions
	}
	if d.ViolationCeiling <= 0 {
		d.ViolationCeiling = def.ViolationCeiling
	}
	if d.BcryptCost <= 0 {
		d.BcryptCost = def.BcryptCost
	}
	if d.Timeout <= 0 {
		d.Timeout = def.Timeout
	}
	r := &Registry{store: store, scopes: scopes, defaults: d, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Registration is returned once per client.  Secret is the only copy of the
// plaintext secret.
type Registration struct {
	Client model.Client
	Secret string
}

// RegisterRequest is the caller-supplied metadata of a new client.
type RegisterRequest struct {
	ClientID        string // optional caller-chosen id
	ClientSecret    string // optional caller-chosen secret (seed data)
	Name            string
	Description     string
	RedirectURIs    []string
	Scopes          []string
	AllowedOrigins  []string
	ContactEmail    string
	Website         string
	LogoURL         string
	SecurityLevel   string
	TermsAccepted   bool
	PrivacyAccepted bool
	RegistrationIP  string
}

// Register validates req and stores a new client.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	name := strings.TrimSpace(req.Name)
	if len(name) < 3 || len(name) > 100 {
		return Registration{}, apperr.Validation("invalid_name", "name must be between 3 and 100 characters")
	}
	redirects := validRedirects(req.RedirectURIs)
	if len(redirects) == 0 {
		return Registration{}, apperr.Validation("invalid_redirect_uris", "at least one valid http or https redirect_uri is required")
	}
	if !emailPattern.MatchString(strings.TrimSpace(req.ContactEmail)) {
		return Registration{}, apperr.Validation("invalid_contact_email", "a valid contact_email is required")
	}
	if !req.TermsAccepted || !req.PrivacyAccepted {
		return Registration{}, apperr.Validation("terms_not_accepted", "terms and privacy policy must be accepted")
	}
	level, err := securityLevel(req.SecurityLevel)
	if err != nil {
		return Registration{}, err
	}
	scopes := r.scopes.Known(req.Scopes)
	if len(scopes) == 0 {
		scopes = []string{"read"}
	}

	now := r.now().UTC()
	id := strings.TrimSpace(req.ClientID)
	if id == "" {
		if id, err = utils.ClientID(name, now); err != nil {
			return Registration{}, apperr.Internal(err)
		}
	}
	secret := req.ClientSecret
	if secret == "" {
		if secret, err = utils.RandomURLSafe(32); err != nil {
			return Registration{}, apperr.Internal(err)
		}
	}
	hash, err := utils.HashPassword(secret, r.defaults.BcryptCost)
	if err != nil {
		return Registration{}, apperr.Internal(err)
	}

	status := model.ClientActive
	if r.defaults.RequireApproval {
		status = model.ClientPending
	}
	c := model.Client{
		ID:                    id,
		SecretHash:            hash,
		Name:                  name,
		Description:           strings.TrimSpace(req.Description),
		RedirectURIs:          redirects,
		Scopes:                scopes,
		AllowedOrigins:        append([]string{}, req.AllowedOrigins...),
		ContactEmail:          strings.TrimSpace(req.ContactEmail),
		Website:               strings.TrimSpace(req.Website),
		LogoURL:               strings.TrimSpace(req.LogoURL),
		Status:                status,
		IsActive:              true,
		SecurityLevel:         level,
		RateLimitPerMinute:    r.defaults.RateLimitPerMinute,
		MaxConcurrentSessions: r.defaults.MaxConcurrentSessions,
		TermsAccepted:         true,
		PrivacyAccepted:       true,
		RegistrationIP:        req.RegistrationIP,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	if err := r.store.Create(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return Registration{}, apperr.Conflict("client_exists", "client_id already registered")
		}
		return Registration{}, apperr.Internal(err)
	}
	r.logger.Info("client registered", zap.String("client_id", id), zap.String("status", status))
	return Registration{Client: c, Secret: secret}, nil
}

// Authenticate validates a client that must present its secret (token
// grants).
func (r *Registry) Authenticate(ctx context.Context, clientID, secret, redirectURI string) (model.Client, error) {
	if secret == "" {
		return model.Client{}, apperr.Validation("missing_client_secret", "client_secret is required")
	}
	return r.Validate(ctx, clientID, secret, redirectURI)
}

// Validate checks that clientID names a usable client.  The secret is
// checked when non-empty and the redirect URI when non-empty; the latter must
// be a literal member of the registered set.
func (r *Registry) Validate(ctx context.Context, clientID, secret, redirectURI string) (model.Client, error) {
	if clientID == "" {
		return model.Client{}, ErrMissingClientID
	}
	c, err := r.get(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		if secret != "" {
			utils.BurnPasswordCheck(secret)
		}
		r.reject(clientID, ErrUnknownClient)
		return model.Client{}, ErrUnknownClient
	}
	if err != nil {
		return model.Client{}, err
	}

	switch {
	case !c.IsActive || c.Status == model.ClientInactive:
		r.reject(clientID, ErrInactiveClient)
		return model.Client{}, ErrInactiveClient
	case c.Status == model.ClientPending:
		r.reject(clientID, ErrPendingClient)
		return model.Client{}, ErrPendingClient
	}
	if secret != "" && !utils.VerifyPassword(c.SecretHash, secret) {
		r.reject(clientID, ErrBadSecret)
		return model.Client{}, ErrBadSecret
	}
	if redirectURI != "" && !c.HasRedirectURI(redirectURI) {
		r.reject(clientID, ErrRedirectMismatch)
		return model.Client{}, ErrRedirectMismatch
	}
	if c.SecurityViolations >= r.defaults.ViolationCeiling {
		r.reject(clientID, ErrBlockedClient)
		return model.Client{}, ErrBlockedClient
	}

	r.touch(ctx, clientID)
	return c, nil
}

func (r *Registry) reject(clientID string, e *apperr.Error) {
	r.logger.Info("client rejected", zap.String("client_id", clientID), zap.String("reason", e.Reason))
}

// touch stamps last-used.  Failures are logged, not returned.
func (r *Registry) touch(ctx context.Context, clientID string) {
	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	now := r.now().UTC()
	if _, err := r.store.Update(ctx, clientID, func(c *model.Client) error {
		c.LastUsed = &now
		return nil
	}); err != nil {
		r.logger.Warn("client last-used update failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// Get returns a client regardless of its status.
func (r *Registry) Get(ctx context.Context, clientID string) (model.Client, error) {
	return r.get(ctx, clientID)
}

func (r *Registry) get(ctx context.Context, clientID string) (model.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	c, err := r.store.Get(ctx, clientID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Client{}, ErrClientNotFound
	}
	if err != nil {
		return model.Client{}, apperr.Internal(err)
	}
	return c, nil
}

// RateLimit returns the per-minute ceiling of clientID, zero when the client
// is unknown.
func (r *Registry) RateLimit(ctx context.Context, clientID string) int {
	if clientID == "" {
		return 0
	}
	c, err := r.get(ctx, clientID)
	if err != nil {
		return 0
	}
	return c.RateLimitPerMinute
}

// RecordViolation counts one security violation against clientID.
func (r *Registry) RecordViolation(ctx context.Context, clientID, reason string) {
	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	c, err := r.store.Update(ctx, clientID, func(c *model.Client) error {
		c.SecurityViolations++
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		r.logger.Warn("recording client violation failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("client_id", clientID),
		zap.String("reason", reason),
		zap.Int("violations", c.SecurityViolations),
	}
	if c.SecurityViolations >= r.defaults.ViolationCeiling {
		r.logger.Warn("client blocked after repeated security violations", fields...)
		return
	}
	r.logger.Warn("client security violation", fields...)
}

// ListRequest selects a page of clients.  Page is 1-based.
type ListRequest struct {
	Page   int
	Limit  int
	Status string
	Search string
}

// Page is one page of clients.
type Page struct {
	Clients    []model.Client
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// List returns a page of clients, 10 per page by default and at most 100.
func (r *Registry) List(ctx context.Context, req ListRequest) (Page, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit < 1 {
		req.Limit = 10
	}
	if req.Limit > 100 {
		req.Limit = 100
	}
	switch req.Status {
	case "", model.ClientActive, model.ClientInactive, model.ClientPending:
	default:
		return Page{}, apperr.Validation("invalid_status", "status must be active, inactive or pending")
	}
	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	clients, total, err := r.store.List(ctx, repository.ClientFilter{
		Status: req.Status,
		Search: req.Search,
		Offset: (req.Page - 1) * req.Limit,
		Limit:  req.Limit,
	})
	if err != nil {
		return Page{}, apperr.Internal(err)
	}
	return Page{
		Clients:    clients,
		Page:       req.Page,
		Limit:      req.Limit,
		Total:      total,
		TotalPages: (total + req.Limit - 1) / req.Limit,
	}, nil
}

// Count returns the number of registered clients.
func (r *Registry) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	return r.store.Count(ctx)
}

func validRedirects(uris []string) []string {
	out := make([]string, 0, len(uris))
	seen := make(map[string]struct{}, len(uris))
	for _, raw := range uris {
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Fragment != "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out
}

func securityLevel(level string) (string, error) {
	switch strings.TrimSpace(level) {
	case "":
		return model.SecurityStandard, nil
	case model.SecurityStandard, model.SecurityHigh, model.SecurityCritical:
		return level, nil
	}
	return "", apperr.Validation("invalid_security_level", "security_level must be standard, high or critical")
}
