// Package claims builds token and userinfo claim sets. Every function here is
// a pure mapping over explicit inputs so it can be tested without a server.
package claims

import (
	"maps"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orvull/pizza-oauth/internal/models"
)

// Claim names beyond the registered JWT set.
const (
	Scope             = "scope"
	ClientID          = "client_id"
	Name              = "name"
	Email             = "email"
	PreferredUsername = "preferred_username"
	Roles             = "roles"
	AuthTime          = "auth_time"
	Nonce             = "nonce"
	AuthorizedParty   = "azp"
)

// AccessToken describes the standard part of an access token.
type AccessToken struct {
	ID       string
	Issuer   string
	Subject  string
	ClientID string
	Scopes   []string
	IssuedAt time.Time
	TTL      time.Duration
}

// AccessTokenClaims returns the registered claims plus scope and client_id.
// Scopes are rendered space-delimited.
func AccessTokenClaims(t AccessToken) jwt.MapClaims {
	return jwt.MapClaims{
		"jti":    t.ID,
		"iss":    t.Issuer,
		"sub":    t.Subject,
		"aud":    []string{t.ClientID},
		"iat":    t.IssuedAt.Unix(),
		"nbf":    t.IssuedAt.Unix(),
		"exp":    t.IssuedAt.Add(t.TTL).Unix(),
		Scope:    models.JoinScopes(t.Scopes),
		ClientID: t.ClientID,
	}
}

// WithUserClaims returns a copy of base carrying the end user's profile:
// name, email, preferred_username and the unprefixed role list. Only
// tokens whose subject is an authenticated user get these claims.
func WithUserClaims(base jwt.MapClaims, user *models.UserAccount) jwt.MapClaims {
	out := maps.Clone(base)
	if user == nil {
		return out
	}
	out[Name] = user.Username
	out[Email] = user.Email
	out[PreferredUsername] = user.Username
	out[Roles] = roleList(user)
	return out
}

// IDToken describes an OpenID Connect ID token.
type IDToken struct {
	ID       string
	Issuer   string
	Subject  string
	ClientID string
	Nonce    string
	AuthTime time.Time
	IssuedAt time.Time
	TTL      time.Duration
}

func IDTokenClaims(t IDToken) jwt.MapClaims {
	c := jwt.MapClaims{
		"jti":           t.ID,
		"iss":           t.Issuer,
		"sub":           t.Subject,
		"aud":           []string{t.ClientID},
		"iat":           t.IssuedAt.Unix(),
		"exp":           t.IssuedAt.Add(t.TTL).Unix(),
		AuthorizedParty: t.ClientID,
		AuthTime:        t.AuthTime.Unix(),
	}
	if t.Nonce != "" {
		c[Nonce] = t.Nonce
	}
	return c
}

// UserInfo maps the authenticated user and the scopes actually authorized
// for the grant to the userinfo response.
func UserInfo(user *models.UserAccount, authorizedScopes []string) map[string]any {
	scopes := slices.Clone(authorizedScopes)
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		"sub": user.Username,
		Name:  user.Username,
		Email: user.Email,
		Roles: roleList(user),
		Scope: scopes,
	}
}

// UserSubject returns the end-user subject of an access token. Only tokens
// carrying the user profile from WithUserClaims have one; client tokens never
// get preferred_username.
func UserSubject(c jwt.MapClaims) (string, bool) {
	sub, _ := c["sub"].(string)
	user, _ := c[PreferredUsername].(string)
	if sub == "" || user != sub {
		return "", false
	}
	return sub, true
}

// ScopesOf reads the space-delimited scope claim of a token.
func ScopesOf(c jwt.MapClaims) []string {
	raw, _ := c[Scope].(string)
	return models.ParseScopes(raw)
}

func roleList(user *models.UserAccount) []string {
	roles := slices.Clone(user.Roles)
	if roles == nil {
		roles = []string{}
	}
	return roles
}
