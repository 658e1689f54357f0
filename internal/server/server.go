// internal/server/server.go
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/auth"
	"github.com/orvull/pizza-oauth/internal/claims"
	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/google"
	"github.com/orvull/pizza-oauth/internal/metrics"
	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/registry"
)

// idTokenTTL is the lifetime of OpenID Connect ID tokens.
const idTokenTTL = 30 * time.Minute

// Service is the OAuth2 authorization server: token, authorize, login,
// consent, userinfo, JWKS and discovery endpoints.
type Service struct {
	clients  *registry.Clients
	users    *registry.Users
	store    Store
	jwt      auth.JWTSigner
	key      *auth.SigningKey
	googleV  google.IDTokenVerifier
	googleID string
	metrics  *metrics.AuthServer
	log      *zap.Logger

	issuer       string
	codeTTL      time.Duration
	sessionTTL   time.Duration
	secureCookie bool
	cors         config.CORS
	now          func() time.Time

	grants map[models.GrantType]Grant
}

// Store describes the persistence the service needs. storage.GrantStore
// satisfies it.
type Store interface {
	SaveAuthorizationCode(ctx context.Context, c *models.AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error)

	SaveRefreshToken(ctx context.Context, rt *models.RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)

	SaveSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Options carries the tunables of a Service.
type Options struct {
	Issuer       string
	CodeTTL      time.Duration
	SessionTTL   time.Duration
	SecureCookie bool
	CORS         config.CORS

	// GoogleClientID enables Google sign-in on /login.
	GoogleClientID string
	// Google overrides the verifier built from GoogleClientID.
	Google google.IDTokenVerifier
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the authorization server configuration to Options.
func OptionsFromConfig(cfg *config.AuthServer) Options {
	return Options{
		Issuer:       cfg.Issuer,
		CodeTTL:      cfg.CodeTTL,
		SessionTTL:   cfg.SessionTTL,
		SecureCookie: cfg.SecureCookie,
		CORS:         cfg.CORS,

		GoogleClientID: cfg.GoogleClientID,
	}
}

// New constructs the authorization server.
func New(
	clients *registry.Clients,
	users *registry.Users,
	store Store,
	key *auth.SigningKey,
	m *metrics.AuthServer,
	logger *zap.Logger,
	opts Options,
) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	gv := opts.Google
	if gv == nil && opts.GoogleClientID != "" {
		gv = google.NewVerifier(opts.GoogleClientID)
	}
	s := &Service{
		clients:      clients,
		users:        users,
		store:        store,
		jwt:          auth.JWTSigner{Key: key, Issuer: opts.Issuer, Now: now},
		key:          key,
		googleV:      gv,
		googleID:     opts.GoogleClientID,
		metrics:      m,
		log:          logger,
		issuer:       opts.Issuer,
		codeTTL:      opts.CodeTTL,
		sessionTTL:   opts.SessionTTL,
		secureCookie: opts.SecureCookie,
		cors:         opts.CORS,
		now:          now,
	}
	s.grants = map[models.GrantType]Grant{
		models.GrantClientCredentials: clientCredentialsGrant{s},
		models.GrantAuthorizationCode: authorizationCodeGrant{s},
		models.GrantRefreshToken:      refreshTokenGrant{s},
	}
	return s
}

// ---------- Token issuance ----------

// issuance describes what a grant decided to hand out.
type issuance struct {
	grant   models.GrantType
	subject string
	user    *models.UserAccount // nil for client-only tokens
	scopes  []string
	// grantScopes are bound to a new refresh token; nil means scopes.
	grantScopes []string
	authTime    time.Time
	nonce       string
	refresh     bool
}

// TokenResponse is the RFC 6749 section 5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

func (s *Service) issueTokens(ctx context.Context, client *models.RegisteredClient, is issuance) (*TokenResponse, error) {
	now := s.now()

	base := claims.AccessTokenClaims(claims.AccessToken{
		ID:       uuid.NewString(),
		Issuer:   s.issuer,
		Subject:  is.subject,
		ClientID: client.ClientID,
		Scopes:   is.scopes,
		IssuedAt: now,
		TTL:      client.AccessTokenTTL,
	})
	at, err := s.jwt.Issue(claims.WithUserClaims(base, is.user))
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: at,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenTTL / time.Second),
		Scope:       models.JoinScopes(is.scopes),
	}

	if is.refresh && client.AllowsGrant(models.GrantRefreshToken) {
		grantScopes := is.grantScopes
		if grantScopes == nil {
			grantScopes = is.scopes
		}
		rt := &models.RefreshToken{
			ID:        uuid.NewString(),
			Token:     rand.Text(),
			ClientID:  client.ClientID,
			Subject:   is.subject,
			Scopes:    grantScopes,
			AuthTime:  is.authTime,
			IssuedAt:  now,
			ExpiresAt: now.Add(client.RefreshTokenTTL),
		}
		if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
			return nil, fmt.Errorf("save refresh token: %w", err)
		}
		resp.RefreshToken = rt.Token
	}

	if is.user != nil && slices.Contains(is.scopes, models.ScopeOpenID) {
		idt, err := s.jwt.Issue(claims.WithUserClaims(claims.IDTokenClaims(claims.IDToken{
			ID:       uuid.NewString(),
			Issuer:   s.issuer,
			Subject:  is.subject,
			ClientID: client.ClientID,
			Nonce:    is.nonce,
			AuthTime: is.authTime,
			IssuedAt: now,
			TTL:      idTokenTTL,
		}), is.user))
		if err != nil {
			return nil, err
		}
		resp.IDToken = idt
	}

	s.metrics.TokensIssued.WithLabelValues(string(is.grant)).Inc()
	return resp, nil
}
