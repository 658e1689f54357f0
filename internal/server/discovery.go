package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/auth"
	"github.com/orvull/pizza-oauth/internal/models"
)

// Cache-Control max-age values for the public metadata endpoints.
const (
	jwksCacheMaxAge      = 3600
	discoveryCacheMaxAge = 3600
)

// Metadata is the RFC 8414 / OpenID Connect discovery document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

func (s *Service) metadata(oidc bool) Metadata {
	m := Metadata{
		Issuer:                 s.issuer,
		AuthorizationEndpoint:  s.issuer + "/oauth2/authorize",
		TokenEndpoint:          s.issuer + "/oauth2/token",
		JWKSURI:                s.issuer + "/oauth2/jwks",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			string(models.GrantAuthorizationCode),
			string(models.GrantClientCredentials),
			string(models.GrantRefreshToken),
		},
		ScopesSupported:                   []string{models.ScopeOpenID, models.ScopeProfile, models.ScopeAPIRead},
		TokenEndpointAuthMethodsSupported: []string{string(models.ClientSecretBasic), string(models.ClientSecretPost)},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
	if oidc {
		m.UserInfoEndpoint = s.issuer + "/userinfo"
		m.SubjectTypesSupported = []string{"public"}
		m.IDTokenSigningAlgValuesSupported = []string{auth.SigningAlgorithm}
	}
	return m
}

func (s *Service) handleOAuthMetadata(w http.ResponseWriter, _ *http.Request) {
	s.writePublicJSON(w, s.metadata(false), discoveryCacheMaxAge)
}

func (s *Service) handleOIDCDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.writePublicJSON(w, s.metadata(true), discoveryCacheMaxAge)
}

// handleJWKS serves GET /oauth2/jwks with the public half of the signing key.
func (s *Service) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	s.writePublicJSON(w, auth.PublicJWKS(s.key), jwksCacheMaxAge)
}

func (s *Service) writePublicJSON(w http.ResponseWriter, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode public document", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
