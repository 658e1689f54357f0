package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseScopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want []string
	}{
		{"", []string{}},
		{"   ", []string{}},
		{"openid", []string{"openid"}},
		{"openid  api.read\tprofile", []string{"openid", "api.read", "profile"}},
		{"api.read openid api.read", []string{"api.read", "openid"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseScopes(tt.raw), "%q", tt.raw)
	}
}

func TestIntersectAndMissingScopes(t *testing.T) {
	t.Parallel()

	allowed := []string{ScopeAPIRead, ScopeOpenID, ScopeProfile}

	assert.Equal(t, []string{"profile", "openid"}, IntersectScopes([]string{"profile", "admin", "openid", "profile"}, allowed))
	assert.Empty(t, IntersectScopes(nil, allowed))
	assert.Empty(t, IntersectScopes([]string{"admin"}, allowed))

	assert.Nil(t, MissingScopes([]string{"openid"}, allowed))
	assert.Equal(t, []string{"admin", "payments"}, MissingScopes([]string{"openid", "admin", "payments"}, allowed))

	assert.Equal(t, "openid api.read", JoinScopes([]string{"openid", "api.read"}))
	assert.Empty(t, JoinScopes(nil))
}

func TestRegisteredClient(t *testing.T) {
	t.Parallel()

	c := &RegisteredClient{
		ClientID:     "pizza-client",
		AuthMethods:  []ClientAuthMethod{ClientSecretBasic},
		GrantTypes:   []GrantType{GrantAuthorizationCode, GrantRefreshToken},
		RedirectURIs: []string{"http://localhost:5173/callback"},
	}

	assert.True(t, c.AllowsGrant(GrantRefreshToken))
	assert.False(t, c.AllowsGrant(GrantClientCredentials))
	assert.True(t, c.AllowsAuthMethod(ClientSecretBasic))
	assert.False(t, c.AllowsAuthMethod(ClientSecretPost))
	assert.True(t, c.HasRedirectURI("http://localhost:5173/callback"))
	assert.False(t, c.HasRedirectURI("http://localhost:5173/callback/"))
}
