package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/registry"
)

// maxTokenBody bounds token endpoint request bodies.
const maxTokenBody = 64 << 10

// handleToken serves POST /oauth2/token.
func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	resp, err := s.token(r)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			s.metrics.TokenErrors.WithLabelValues(oe.Code).Inc()
		} else {
			s.metrics.TokenErrors.WithLabelValues(ErrCodeServerError).Inc()
		}
		s.writeOAuthError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) token(r *http.Request) (*TokenResponse, error) {
	params, err := tokenParams(r)
	if err != nil {
		return nil, err
	}

	client, err := s.authenticateClient(r, params)
	if err != nil {
		return nil, err
	}

	raw := params.Get("grant_type")
	if raw == "" {
		return nil, errInvalidRequest("grant_type is required")
	}
	gt := models.GrantType(raw)
	grant, ok := s.grants[gt]
	if !ok {
		return nil, newOAuthError(ErrCodeUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", raw), http.StatusBadRequest)
	}
	if !client.AllowsGrant(gt) {
		return nil, newOAuthError(ErrCodeUnauthorizedClient, fmt.Sprintf("client is not allowed to use %s", raw), http.StatusBadRequest)
	}

	req := &TokenRequest{
		GrantType:     gt,
		Scopes:        models.ParseScopes(params.Get("scope")),
		ScopeProvided: params.Has("scope"),
		Code:          params.Get("code"),
		RedirectURI:   params.Get("redirect_uri"),
		CodeVerifier:  params.Get("code_verifier"),
		RefreshToken:  params.Get("refresh_token"),
	}
	return grant.Issue(r.Context(), req, client)
}

// tokenParams reads the request body as form values. A flat JSON object is
// accepted too, for browser clients that post JSON.
func tokenParams(r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxTokenBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, errInvalidRequest("request body is not a JSON object")
		}
		out := url.Values{}
		for k, v := range body {
			switch v := v.(type) {
			case string:
				out.Set(k, v)
			case nil:
			default:
				return nil, errInvalidRequest(fmt.Sprintf("parameter %q must be a string", k))
			}
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errInvalidRequest("unable to parse request body")
	}
	for k, v := range r.PostForm {
		if len(v) > 1 {
			return nil, errInvalidRequest(fmt.Sprintf("parameter %q is repeated", k))
		}
	}
	return r.PostForm, nil
}

// authenticateClient applies client_secret_basic, or client_secret_post
// when the client allows it. Using both at once is rejected.
func (s *Service) authenticateClient(r *http.Request, params url.Values) (*models.RegisteredClient, error) {
	id, secret, basic := r.BasicAuth()
	method := models.ClientSecretBasic
	if basic {
		if params.Has("client_secret") {
			return nil, errInvalidRequest("multiple client authentication methods")
		}
		// RFC 6749 section 2.3.1: both parts are form-urlencoded.
		var err1, err2 error
		id, err1 = url.QueryUnescape(id)
		secret, err2 = url.QueryUnescape(secret)
		if err1 != nil || err2 != nil {
			return nil, errInvalidClient()
		}
	} else {
		id, secret = params.Get("client_id"), params.Get("client_secret")
		method = models.ClientSecretPost
	}
	if strings.TrimSpace(id) == "" || secret == "" {
		return nil, errInvalidClient()
	}

	client, err := s.clients.Authenticate(id, secret)
	if errors.Is(err, registry.ErrInvalidCredentials) || errors.Is(err, registry.ErrClientNotFound) {
		return nil, errInvalidClient()
	}
	if err != nil {
		return nil, err
	}
	if !client.AllowsAuthMethod(method) {
		return nil, errInvalidClient()
	}
	return client, nil
}
