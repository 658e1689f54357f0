package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/registry"
	"github.com/orvull/pizza-oauth/internal/storage"
)

// TokenRequest is a parsed /oauth2/token request after client authentication.
type TokenRequest struct {
	GrantType     models.GrantType
	Scopes        []string
	ScopeProvided bool
	Code          string
	RedirectURI   string
	CodeVerifier  string
	RefreshToken  string
}

// Grant issues tokens for one grant type. The token endpoint dispatches on
// grant_type to exactly one Grant; there is no fallthrough between them.
type Grant interface {
	Issue(ctx context.Context, req *TokenRequest, client *models.RegisteredClient) (*TokenResponse, error)
}

// ---------- client_credentials ----------

type clientCredentialsGrant struct{ s *Service }

// Issue grants the requested scopes narrowed to what the client is allowed.
// The token has no end user and no refresh token.
func (g clientCredentialsGrant) Issue(ctx context.Context, req *TokenRequest, client *models.RegisteredClient) (*TokenResponse, error) {
	return g.s.issueTokens(ctx, client, issuance{
		grant:   models.GrantClientCredentials,
		subject: client.ClientID,
		scopes:  models.IntersectScopes(req.Scopes, client.Scopes),
	})
}

// ---------- authorization_code ----------

type authorizationCodeGrant struct{ s *Service }

// Issue exchanges a code. The code is consumed before any check so that a
// failed attempt invalidates it as well.
func (g authorizationCodeGrant) Issue(ctx context.Context, req *TokenRequest, client *models.RegisteredClient) (*TokenResponse, error) {
	s := g.s
	if req.Code == "" {
		return nil, errInvalidRequest("code is required")
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if errors.Is(err, storage.ErrCodeNotFound) {
		s.codeOutcome(models.CodeRejected)
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	if code.ClientID != client.ClientID {
		s.codeOutcome(models.CodeRejected)
		s.log.Warn("authorization code presented by another client",
			zap.String("client_id", client.ClientID), zap.String("issued_to", code.ClientID))
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}
	if !s.now().Before(code.ExpiresAt) {
		s.codeOutcome(models.CodeExpired)
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}
	if code.RedirectURIProvided && req.RedirectURI != code.RedirectURI {
		s.codeOutcome(models.CodeRejected)
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}
	if code.CodeChallenge != "" && !verifyPKCE(code.CodeChallenge, req.CodeVerifier) {
		s.codeOutcome(models.CodeRejected)
		return nil, errInvalidGrant("code_verifier does not match code_challenge")
	}

	user, err := s.users.Lookup(code.Subject)
	if errors.Is(err, registry.ErrUserNotFound) {
		s.codeOutcome(models.CodeRejected)
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.issueTokens(ctx, client, issuance{
		grant:    models.GrantAuthorizationCode,
		subject:  user.Username,
		user:     user,
		scopes:   code.Scopes,
		authTime: code.AuthTime,
		nonce:    code.Nonce,
		refresh:  true,
	})
	if err != nil {
		return nil, err
	}
	s.codeOutcome(models.CodeExchanged)
	return resp, nil
}

// verifyPKCE checks an S256 code_verifier (RFC 7636 section 4.6).
func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ---------- refresh_token ----------

type refreshTokenGrant struct{ s *Service }

// Issue redeems a refresh token and rotates it: the presented token is
// consumed and a new one with a full lifetime is returned. A token presented
// by a client other than the one it was issued to is rejected and stays
// invalidated.
func (g refreshTokenGrant) Issue(ctx context.Context, req *TokenRequest, client *models.RegisteredClient) (*TokenResponse, error) {
	s := g.s
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}

	rt, err := s.store.ConsumeRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, storage.ErrRefreshNotFound) {
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	if rt.ClientID != client.ClientID {
		s.log.Warn("refresh token presented by another client",
			zap.String("client_id", client.ClientID), zap.String("issued_to", rt.ClientID))
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}
	if !s.now().Before(rt.ExpiresAt) {
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}

	scopes := rt.Scopes
	if req.ScopeProvided {
		if missing := models.MissingScopes(req.Scopes, rt.Scopes); len(missing) > 0 {
			return nil, errInvalidScope("requested scope exceeds the original grant")
		}
		scopes = req.Scopes
	}

	user, err := s.users.Lookup(rt.Subject)
	if errors.Is(err, registry.ErrUserNotFound) {
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, client, issuance{
		grant:       models.GrantRefreshToken,
		subject:     user.Username,
		user:        user,
		scopes:      scopes,
		grantScopes: rt.Scopes,
		authTime:    rt.AuthTime,
		refresh:     true,
	})
}
