package models

import (
	"slices"
	"strings"
	"time"
)

// GrantType names an OAuth2 authorization grant.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// ClientAuthMethod names how a client authenticates at the token endpoint.
type ClientAuthMethod string

const (
	ClientSecretBasic ClientAuthMethod = "client_secret_basic"
	ClientSecretPost  ClientAuthMethod = "client_secret_post"
)

// Well-known scopes.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeAPIRead = "api.read"
)

// RegisteredClient is an OAuth2 client known to the authorization server.
// Values are built once at startup and never mutated afterwards.
type RegisteredClient struct {
	ClientID         string
	ClientSecretHash string
	AuthMethods      []ClientAuthMethod
	GrantTypes       []GrantType
	RedirectURIs     []string
	Scopes           []string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	RequireConsent   bool
}

func (c *RegisteredClient) AllowsGrant(gt GrantType) bool {
	return slices.Contains(c.GrantTypes, gt)
}

func (c *RegisteredClient) AllowsAuthMethod(m ClientAuthMethod) bool {
	return slices.Contains(c.AuthMethods, m)
}

func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// UserAccount is an end user that can sign in with a password.
type UserAccount struct {
	Username     string
	PasswordHash string
	Email        string
	Roles        []string
}

// AuthorizationCode binds an issued code to the request that produced it.
type AuthorizationCode struct {
	Code                string    `json:"-"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	RedirectURIProvided bool      `json:"redirect_uri_provided"`
	Scopes              []string  `json:"scopes"`
	Subject             string    `json:"subject"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// RefreshToken is an opaque long-lived credential bound to a client and user.
type RefreshToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	AuthTime  time.Time `json:"auth_time"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthorizationRequest is a validated /oauth2/authorize request waiting for
// the user to sign in or consent.
type AuthorizationRequest struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	RedirectURIProvided bool     `json:"redirect_uri_provided"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
}

// Session is a browser login session on the authorization server.
type Session struct {
	ID        string                `json:"id"`
	Username  string                `json:"username"`
	AuthTime  time.Time             `json:"auth_time"`
	ExpiresAt time.Time             `json:"expires_at"`
	Pending   *AuthorizationRequest `json:"pending,omitempty"`
}

// CodeState is a step of the authorization-code lifecycle.
type CodeState string

const (
	CodeRequested CodeState = "requested"
	CodeIssued    CodeState = "code_issued"
	CodeExchanged CodeState = "exchanged"
	CodeExpired   CodeState = "expired"
	CodeRejected  CodeState = "consumed_rejected"
)

// ParseScopes splits a space-delimited scope parameter, dropping duplicates
// while keeping the first-seen order.
func ParseScopes(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes renders scopes in the space-delimited wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes returns the requested scopes that are also allowed, in request order.
func IntersectScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// MissingScopes returns the requested scopes not present in allowed.
func MissingScopes(requested, allowed []string) []string {
	var out []string
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}
