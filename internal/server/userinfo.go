package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/orvull/pizza-oauth/internal/claims"
	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/registry"
)

// handleUserInfo serves GET and POST /userinfo. The bearer token must name
// an end user; client-only tokens fail with invalid_request and no claims.
func (s *Service) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.userInfo(r)
	if err != nil {
		s.writeOAuthError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Service) userInfo(r *http.Request) (map[string]any, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, newOAuthError(ErrCodeInvalidToken, "bearer token is required", http.StatusUnauthorized)
	}
	tok, err := s.jwt.Parse(raw)
	if err != nil {
		return nil, newOAuthError(ErrCodeInvalidToken, "token is invalid or expired", http.StatusUnauthorized)
	}

	subject, ok := claims.UserSubject(tok)
	if !ok {
		return nil, errInvalidPrincipal()
	}
	scopes := claims.ScopesOf(tok)
	if !slices.Contains(scopes, models.ScopeOpenID) {
		return nil, newOAuthError(ErrCodeInsufficientScope, "the openid scope is required", http.StatusForbidden)
	}

	user, err := s.users.Lookup(subject)
	if errors.Is(err, registry.ErrUserNotFound) {
		return nil, errInvalidPrincipal()
	}
	if err != nil {
		return nil, err
	}
	return claims.UserInfo(user, scopes), nil
}

// bearerToken extracts an RFC 6750 Authorization header credential.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
