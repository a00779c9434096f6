package client

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
)

// UpdateRequest carries an admin update.  Nil fields are left unchanged.
type UpdateRequest struct {
	Name                  *string
	Description           *string
	RedirectURIs          []string
	Scopes                []string
	AllowedOrigins        []string
	ContactEmail          *string
	Website               *string
	LogoURL               *string
	Status                *string
	SecurityLevel         *string
	TokenTTL              *time.Duration
	RefreshTokenTTL       *time.Duration
	RateLimitPerMinute    *int
	MaxConcurrentSessions *int
	ResetViolations       bool
}

// Update applies req to clientID.
func (r *Registry) Update(ctx context.Context, clientID string, req UpdateRequest) (model.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, r.defaults.Timeout)
	defer cancel()
	c, err := r.store.Update(ctx, clientID, func(c *model.Client) error {
		return r.apply(c, req)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return model.Client{}, ErrClientNotFound
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return model.Client{}, ae
	}
	if err != nil {
		return model.Client{}, apperr.Internal(err)
	}
	r.logger.Info("client updated", zap.String("client_id", clientID), zap.String("status", c.Status))
	return c, nil
}

func (r *Registry) apply(c *model.Client, req UpdateRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if len(name) < 3 || len(name) > 100 {
			return apperr.Validation("invalid_name", "name must be between 3 and 100 characters")
		}
		c.Name = name
	}
	if req.Description != nil {
		c.Description = strings.TrimSpace(*req.Description)
	}
	if req.RedirectURIs != nil {
		redirects := validRedirects(req.RedirectURIs)
		if len(redirects) == 0 {
			return apperr.Validation("invalid_redirect_uris", "at least one valid http or https redirect_uri is required")
		}
		c.RedirectURIs = redirects
	}
	if req.Scopes != nil {
		var unknown []string
		for _, s := range req.Scopes {
			if !r.scopes.Exists(s) {
				unknown = append(unknown, s)
			}
		}
		if len(unknown) > 0 || len(req.Scopes) == 0 {
			return apperr.Validation("invalid_scope", "unknown scope: "+strings.Join(unknown, " "))
		}
		c.Scopes = r.scopes.Known(req.Scopes)
	}
	if req.AllowedOrigins != nil {
		c.AllowedOrigins = append([]string{}, req.AllowedOrigins...)
	}
	if req.ContactEmail != nil {
		email := strings.TrimSpace(*req.ContactEmail)
		if !emailPattern.MatchString(email) {
			return apperr.Validation("invalid_contact_email", "a valid contact_email is required")
		}
		c.ContactEmail = email
	}
	if req.Website != nil {
		c.Website = strings.TrimSpace(*req.Website)
	}
	if req.LogoURL != nil {
		c.LogoURL = strings.TrimSpace(*req.LogoURL)
	}
	if req.SecurityLevel != nil {
		level, err := securityLevel(*req.SecurityLevel)
		if err != nil {
			return err
		}
		c.SecurityLevel = level
	}
	if req.Status != nil {
		switch *req.Status {
		case model.ClientActive:
			c.Status, c.IsActive, c.DeactivatedAt = model.ClientActive, true, nil
		case model.ClientPending:
			c.Status = model.ClientPending
		case model.ClientInactive:
			now := r.now().UTC()
			c.Status, c.IsActive, c.DeactivatedAt = model.ClientInactive, false, &now
		default:
			return apperr.Validation("invalid_status", "status must be active, inactive or pending")
		}
	}
	if req.TokenTTL != nil {
		if *req.TokenTTL < 0 {
			return apperr.Validation("invalid_token_ttl", "token lifetime must not be negative")
		}
		c.TokenTTL = *req.TokenTTL
	}
	if req.RefreshTokenTTL != nil {
		if *req.RefreshTokenTTL < 0 {
			return apperr.Validation("invalid_token_ttl", "refresh token lifetime must not be negative")
		}
		c.RefreshTokenTTL = *req.RefreshTokenTTL
	}
	if c.TokenTTL > 0 && c.RefreshTokenTTL > 0 && c.TokenTTL >= c.RefreshTokenTTL {
		return apperr.Validation("invalid_token_ttl", "access token lifetime must be shorter than refresh token lifetime")
	}
	if req.RateLimitPerMinute != nil {
		if *req.RateLimitPerMinute < 1 {
			return apperr.Validation("invalid_rate_limit", "rate_limit_per_minute must be positive")
		}
		c.RateLimitPerMinute = *req.RateLimitPerMinute
	}
	if req.MaxConcurrentSessions != nil {
		if *req.MaxConcurrentSessions < 1 {
			return apperr.Validation("invalid_max_sessions", "max_concurrent_sessions must be positive")
		}
		c.MaxConcurrentSessions = *req.MaxConcurrentSessions
	}
	if req.ResetViolations {
		c.SecurityViolations = 0
	}
	c.UpdatedAt = r.now().UTC()
	return nil
}

// Deactivate soft-deletes clientID.  The row stays so tokens already issued
// to it can still be introspected and revoked.
func (r *Registry) Deactivate(ctx context.Context, clientID string) (model.Client, error) {
	inactive := model.ClientInactive
	c, err := r.Update(ctx, clientID, UpdateRequest{Status: &inactive})
	if err != nil {
		return model.Client{}, err
	}
	r.logger.Info("client deactivated", zap.String("client_id", clientID))
	return c, nil
}

// Seed registers req as an active client unless its id already exists.
func (r *Registry) Seed(ctx context.Context, req RegisterRequest) error {
	if req.ClientID == "" {
		return apperr.Validation("missing_client_id", "seeded clients need a client_id")
	}
	if _, err := r.get(ctx, req.ClientID); err == nil {
		return nil
	}
	reg, err := r.Register(ctx, req)
	if errors.Is(err, apperr.Conflict("client_exists", "")) {
		return nil
	}
	if err != nil {
		return err
	}
	if reg.Client.Status != model.ClientActive {
		active := model.ClientActive
		_, err = r.Update(ctx, req.ClientID, UpdateRequest{Status: &active})
	}
	return err
}
