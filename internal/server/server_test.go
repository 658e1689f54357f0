package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orvull/pizza-oauth/internal/auth"
	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/google"
	"github.com/orvull/pizza-oauth/internal/metrics"
	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/registry"
	"github.com/orvull/pizza-oauth/internal/storage"
)

const (
	testClientID    = "pizza-client"
	otherClientID   = "other-client"
	consentClientID = "consent-client"
	m2mClientID     = "m2m-client"
	testSecret      = "secret"
	testRedirect    = "http://localhost:5173/callback"
	testUser        = "user"
	testPassword    = "password"
)

var testKey = sync.OnceValue(func() *auth.SigningKey {
	k, err := auth.GenerateSigningKey()
	if err != nil {
		panic(err)
	}
	return k
})

var testSecretHash = sync.OnceValue(func() string {
	h, err := auth.HashPassword(testSecret)
	if err != nil {
		panic(err)
	}
	return h
})

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	srv     *httptest.Server
	svc     *Service
	store   storage.GrantStore
	metrics *metrics.AuthServer
	clock   *fakeClock
	cfg     *config.AuthServer
}

type envOption func(*config.AuthServer, *Options)

func withGoogle(v google.IDTokenVerifier) envOption {
	return func(_ *config.AuthServer, o *Options) {
		o.GoogleClientID = "web-client"
		o.Google = v
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg, err := config.LoadAuthServer(config.New())
	require.NoError(t, err)

	o := OptionsFromConfig(cfg)
	for _, fn := range opts {
		fn(cfg, &o)
	}
	clock := &fakeClock{t: time.Now()}
	o.Now = clock.Now

	hash := testSecretHash()
	pizza := registry.BootstrapClient(cfg.Client, hash, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	other := registry.BootstrapClient(config.Client{
		ID:           otherClientID,
		RedirectURIs: []string{"http://localhost:5174/callback"},
		Scopes:       []string{models.ScopeAPIRead, models.ScopeOpenID},
	}, hash, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	consent := registry.BootstrapClient(config.Client{
		ID:             consentClientID,
		RedirectURIs:   []string{testRedirect, "http://localhost:5173/alt"},
		Scopes:         []string{models.ScopeAPIRead, models.ScopeOpenID},
		RequireConsent: true,
	}, hash, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	consent.AuthMethods = append(consent.AuthMethods, models.ClientSecretPost)

	m2m := registry.BootstrapClient(config.Client{ID: m2mClientID, Scopes: []string{models.ScopeAPIRead}},
		hash, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	m2m.GrantTypes = []models.GrantType{models.GrantClientCredentials}

	clients, err := registry.NewClients(pizza, other, consent, m2m)
	require.NoError(t, err)
	pw, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	users, err := registry.NewUsers(
		models.UserAccount{Username: testUser, PasswordHash: pw, Roles: []string{"USER"}},
		models.UserAccount{Username: testClientID, PasswordHash: pw},
	)
	require.NoError(t, err)

	store := storage.NewMemory(0)
	t.Cleanup(func() { _ = store.Close() })
	m := metrics.NewAuthServer()

	svc := New(clients, users, store, testKey(), m, zaptest.NewLogger(t), o)
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, svc: svc, store: store, metrics: m, clock: clock, cfg: cfg}
}

// browser returns a client that keeps cookies and does not follow redirects.
func (e *testEnv) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) login(t *testing.T, c *http.Client, user, password string) *http.Response {
	t.Helper()
	resp, err := c.PostForm(e.srv.URL+"/login", url.Values{"username": {user}, "password": {password}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func (e *testEnv) authorize(t *testing.T, c *http.Client, params url.Values) *http.Response {
	t.Helper()
	resp, err := c.Get(e.srv.URL + "/oauth2/authorize?" + params.Encode())
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func authorizeParams(clientID string, scopes ...string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirect},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {"st-1"},
		"nonce":         {"n-1"},
	}
}

// codeFrom extracts the code from an authorize redirect.
func codeFrom(t *testing.T, resp *http.Response) string {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Empty(t, loc.Query().Get("error"), "authorize failed: %s", loc.Query().Get("error_description"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// signInAndGetCode runs login plus authorize and returns a fresh code.
func (e *testEnv) signInAndGetCode(t *testing.T, params url.Values) string {
	t.Helper()
	b := e.browser(t)
	require.Equal(t, http.StatusFound, e.login(t, b, testUser, testPassword).StatusCode)
	return codeFrom(t, e.authorize(t, b, params))
}

// postToken calls the token endpoint with client_secret_basic.
func (e *testEnv) postToken(t *testing.T, clientID, secret string, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/oauth2/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}
	return doJSON(t, req)
}

func doJSON(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func (e *testEnv) exchange(t *testing.T, code string, extra url.Values) (*http.Response, map[string]any) {
	t.Helper()
	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testRedirect}}
	for k, v := range extra {
		form[k] = v
	}
	return e.postToken(t, testClientID, testSecret, form)
}

func (e *testEnv) parse(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	c, err := e.svc.jwt.Parse(token)
	require.NoError(t, err)
	return c
}

func (e *testEnv) userinfo(t *testing.T, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, e.srv.URL+"/userinfo", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return doJSON(t, req)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
