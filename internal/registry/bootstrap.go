package registry

import (
	"fmt"
	"time"

	"github.com/orvull/pizza-oauth/internal/auth"
	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/models"
)

// Bootstrap builds both registries from configuration, hashing the
// configured secret and password so plaintext never reaches them.
func Bootstrap(cfg *config.AuthServer) (*Clients, *Users, error) {
	secretHash, err := auth.HashPassword(cfg.Client.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("hash client secret: %w", err)
	}
	clients, err := NewClients(BootstrapClient(cfg.Client, secretHash, cfg.AccessTokenTTL, cfg.RefreshTokenTTL))
	if err != nil {
		return nil, nil, err
	}

	pwHash, err := auth.HashPassword(cfg.User.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash user password: %w", err)
	}
	users, err := NewUsers(models.UserAccount{
		Username:     cfg.User.Username,
		PasswordHash: pwHash,
		Email:        cfg.User.Email,
		Roles:        cfg.User.Roles,
	})
	if err != nil {
		return nil, nil, err
	}
	return clients, users, nil
}

// BootstrapClient is the confidential client used by the pizza SPA: Basic
// authentication, all three grants.
func BootstrapClient(c config.Client, secretHash string, accessTTL, refreshTTL time.Duration) models.RegisteredClient {
	return models.RegisteredClient{
		ClientID:         c.ID,
		ClientSecretHash: secretHash,
		AuthMethods:      []models.ClientAuthMethod{models.ClientSecretBasic},
		GrantTypes: []models.GrantType{
			models.GrantClientCredentials,
			models.GrantAuthorizationCode,
			models.GrantRefreshToken,
		},
		RedirectURIs:    c.RedirectURIs,
		Scopes:          c.Scopes,
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
		RequireConsent:  c.RequireConsent,
	}
}
