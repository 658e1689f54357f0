package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

func TestClientCredentialsWithOAuth2Client(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cc := clientcredentials.Config{
		ClientID:     testClientID,
		ClientSecret: testSecret,
		TokenURL:     env.srv.URL + "/oauth2/token",
		Scopes:       []string{"api.read", "admin.write"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Empty(t, tok.RefreshToken, "client_credentials never gets a refresh token")
	assert.Equal(t, "api.read", tok.Extra("scope"))
	assert.Nil(t, tok.Extra("id_token"))

	c := env.parse(t, tok.AccessToken)
	assert.Equal(t, "api.read", c["scope"], "requested scopes are narrowed to the allowed set")
	assert.Equal(t, testClientID, c["sub"])
	assert.Equal(t, testClientID, c["client_id"])
	assert.Equal(t, "http://localhost:9000", c["iss"])
	assert.NotEmpty(t, c["jti"])
	for _, userClaim := range []string{"name", "email", "preferred_username", "roles"} {
		assert.NotContains(t, c, userClaim)
	}

	exp, err := c.GetExpirationTime()
	require.NoError(t, err)
	iat, err := c.GetIssuedAt()
	require.NoError(t, err)
	assert.Equal(t, env.cfg.AccessTokenTTL, exp.Sub(iat.Time))

	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.TokensIssued.WithLabelValues("client_credentials")), 0)
}

func TestClientCredentialsScopeIntersection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"subset", "api.read openid", "api.read openid"},
		{"all allowed", "api.read openid profile", "api.read openid profile"},
		{"partly unknown", "profile payments.write", "profile"},
		{"none requested", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"grant_type": {"client_credentials"}}
			if tt.requested != "" {
				form.Set("scope", tt.requested)
			}
			resp, body := env.postToken(t, testClientID, testSecret, form)
			require.Equal(t, http.StatusOK, resp.StatusCode, body)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			c := env.parse(t, body["access_token"].(string))
			assert.Equal(t, tt.want, c["scope"])
		})
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name       string
		clientID   string
		secret     string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong secret",
			clientID:   testClientID,
			secret:     "nope",
			form:       url.Values{"grant_type": {"client_credentials"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrCodeInvalidClient,
		},
		{
			name:       "unknown client",
			clientID:   "ghost",
			secret:     testSecret,
			form:       url.Values{"grant_type": {"client_credentials"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrCodeInvalidClient,
		},
		{
			name:       "no client authentication",
			form:       url.Values{"grant_type": {"client_credentials"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrCodeInvalidClient,
		},
		{
			name:       "client_secret_post not allowed for basic-only client",
			form:       url.Values{"grant_type": {"client_credentials"}, "client_id": {testClientID}, "client_secret": {testSecret}},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrCodeInvalidClient,
		},
		{
			name:       "missing grant_type",
			clientID:   testClientID,
			secret:     testSecret,
			form:       url.Values{},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrCodeInvalidRequest,
		},
		{
			name:       "unsupported grant",
			clientID:   testClientID,
			secret:     testSecret,
			form:       url.Values{"grant_type": {"password"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrCodeUnsupportedGrantType,
		},
		{
			name:       "unknown code",
			clientID:   testClientID,
			secret:     testSecret,
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"made-up"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrCodeInvalidGrant,
		},
		{
			name:       "missing code",
			clientID:   testClientID,
			secret:     testSecret,
			form:       url.Values{"grant_type": {"authorization_code"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrCodeInvalidRequest,
		},
		{
			name:       "unknown refresh token",
			clientID:   testClientID,
			secret:     testSecret,
			form:       url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"made-up"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrCodeInvalidGrant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.postToken(t, tt.clientID, tt.secret, tt.form)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, body["error"])
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
			}
		})
	}

	assert.InDelta(t, 4, testutil.ToFloat64(env.metrics.TokenErrors.WithLabelValues(ErrCodeInvalidClient)), 0)
}

func TestClientSecretPost(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"scope":         {"api.read"},
		"client_id":     {consentClientID},
		"client_secret": {testSecret},
	}
	resp, body := env.postToken(t, "", "", form)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, consentClientID, env.parse(t, body["access_token"].(string))["sub"])

	// both methods at once
	resp, body = env.postToken(t, consentClientID, testSecret, form)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidRequest, body["error"])
}

func TestBasicCredentialsAreURLDecoded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.postToken(t, url.QueryEscape(testClientID), url.QueryEscape(testSecret),
		url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)
}

func TestJSONTokenRequestBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/oauth2/token",
		strings.NewReader(`{"grant_type":"client_credentials","scope":"api.read"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(testClientID, testSecret)
	resp, body := doJSON(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "api.read", body["scope"])

	req, err = http.NewRequest(http.MethodPost, env.srv.URL+"/oauth2/token",
		strings.NewReader(`{"grant_type":["client_credentials"]}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(testClientID, testSecret)
	resp, body = doJSON(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidRequest, body["error"])
}

func TestUnauthorizedClientGrant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.postToken(t, m2mClientID, testSecret, url.Values{"grant_type": {"client_credentials"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	for _, gt := range []string{"authorization_code", "refresh_token"} {
		resp, body = env.postToken(t, m2mClientID, testSecret, url.Values{"grant_type": {gt}, "code": {"x"}, "refresh_token": {"x"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, gt)
		assert.Equal(t, ErrCodeUnauthorizedClient, body["error"], gt)
	}
}
