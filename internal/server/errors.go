package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// OAuth2 error codes (RFC 6749 section 5.2, RFC 6750 section 3.1).
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeUnsupportedResponse  = "unsupported_response_type"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeInvalidToken         = "invalid_token"
	ErrCodeInsufficientScope    = "insufficient_scope"
	ErrCodeServerError          = "server_error"
)

// OAuthError is a protocol error rendered to the caller as
// {"error", "error_description"}.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

func errInvalidRequest(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidRequest, description, http.StatusBadRequest)
}

func errInvalidClient() *OAuthError {
	return newOAuthError(ErrCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
}

func errInvalidGrant(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidGrant, description, http.StatusBadRequest)
}

func errInvalidScope(description string) *OAuthError {
	return newOAuthError(ErrCodeInvalidScope, description, http.StatusBadRequest)
}

// errInvalidPrincipal is returned by userinfo when the token carries no end user.
func errInvalidPrincipal() *OAuthError {
	return errInvalidRequest("user principal is not available")
}

// writeOAuthError renders err. Anything that is not an *OAuthError is
// logged and reported as server_error without details.
func (s *Service) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *OAuthError
	if !errors.As(err, &oe) {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		oe = newOAuthError(ErrCodeServerError, "", http.StatusInternalServerError)
	}

	switch oe.Code {
	case ErrCodeInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="pizza-oauth"`)
	case ErrCodeInvalidToken, ErrCodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q, error_description=%q`, oe.Code, oe.Description))
	}

	body := map[string]string{"error": oe.Code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	s.writeJSON(w, oe.Status, body)
}

// writeJSON writes v with the no-store headers every token-bearing response needs.
func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}
