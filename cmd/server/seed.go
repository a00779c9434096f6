package main

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/utils"
)

type seedUser struct {
	username    string
	email       string
	first       string
	last        string
	roles       []string
	permissions []string
}

var seedUsers = []seedUser{
	{"admin", "admin@example.com", "Admin", "User", []string{"admin", "user"}, []string{"read", "write", "delete", "admin"}},
	{"user", "user@example.com", "Regular", "User", []string{"user"}, []string{"read"}},
}

const seedPassword = "password"

// seedDefaults creates the development accounts and the test client.
// Records that already exist are left alone.
func seedDefaults(ctx context.Context, users repository.UserStore, clients *client.Registry, cost int, logger *zap.Logger) error {
	for _, su := range seedUsers {
		if _, err := users.FindByUsername(ctx, su.username); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		hash, err := utils.HashPassword(seedPassword, cost)
		if err != nil {
			return err
		}
		err = users.Create(ctx, model.User{
			ID:           uuid.NewString(),
			Username:     su.username,
			Email:        su.email,
			PasswordHash: hash,
			FirstName:    su.first,
			LastName:     su.last,
			Roles:        su.roles,
			Permissions:  su.permissions,
			IsActive:     true,
		})
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return err
		}
		logger.Info("seeded user", zap.String("username", su.username))
	}

	err := clients.Seed(ctx, client.RegisterRequest{
		ClientID:        "test_client",
		ClientSecret:    "test_secret",
		Name:            "Test Client Application",
		Description:     "Client seeded for local development",
		RedirectURIs:    []string{"http://localhost:3001/callback", "http://localhost:3002/callback"},
		Scopes:          []string{"read", "write"},
		TermsAccepted:   true,
		PrivacyAccepted: true,
	})
	if err != nil {
		return err
	}
	logger.Info("seeded client", zap.String("client_id", "test_client"))
	return nil
}
