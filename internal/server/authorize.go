package server

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/models"
)

func (s *Service) codeOutcome(state models.CodeState) {
	s.metrics.CodeOutcomes.WithLabelValues(string(state)).Inc()
}

// handleAuthorize serves GET /oauth2/authorize. Errors found before the
// redirect URI is trusted are shown to the user; later ones are sent back
// to the client's redirect URI.
func (s *Service) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	areq, client, oerr := s.parseAuthorizeRequest(r.URL.Query())
	if oerr != nil {
		if areq == nil {
			s.render(w, oerr.Status, "error", errorPage{Title: "Error", Code: oerr.Code, Description: oerr.Description})
			return
		}
		s.redirectWithError(w, r, areq, oerr)
		return
	}

	sess, ok := SessionFromContext(r.Context())
	if !ok {
		s.redirectToLogin(w, r)
		return
	}
	s.codeOutcome(models.CodeRequested)

	if client.RequireConsent {
		sess.Pending = areq
		if err := s.store.SaveSession(r.Context(), sess); err != nil {
			s.log.Error("save pending authorization", zap.Error(err))
			s.redirectWithError(w, r, areq, newOAuthError(ErrCodeServerError, "", http.StatusInternalServerError))
			return
		}
		http.Redirect(w, r, "/oauth2/consent", http.StatusFound)
		return
	}
	s.issueCode(w, r, sess, areq)
}

// parseAuthorizeRequest validates an authorization request. A nil request
// with an error means the redirect URI could not be established.
func (s *Service) parseAuthorizeRequest(q url.Values) (*models.AuthorizationRequest, *models.RegisteredClient, *OAuthError) {
	client, err := s.clients.Lookup(q.Get("client_id"))
	if err != nil {
		return nil, nil, errInvalidRequest("unknown client_id")
	}

	areq := &models.AuthorizationRequest{
		ClientID: client.ClientID,
		State:    q.Get("state"),
		Nonce:    q.Get("nonce"),
	}
	switch raw := q.Get("redirect_uri"); {
	case raw != "":
		if !client.HasRedirectURI(raw) {
			return nil, nil, errInvalidRequest("redirect_uri is not registered for this client")
		}
		areq.RedirectURI, areq.RedirectURIProvided = raw, true
	case len(client.RedirectURIs) == 1:
		areq.RedirectURI = client.RedirectURIs[0]
	default:
		return nil, nil, errInvalidRequest("redirect_uri is required")
	}

	if q.Get("response_type") != "code" {
		return areq, client, newOAuthError(ErrCodeUnsupportedResponse, "response_type must be code", http.StatusBadRequest)
	}
	if !client.AllowsGrant(models.GrantAuthorizationCode) {
		return areq, client, newOAuthError(ErrCodeUnauthorizedClient, "client is not allowed to use authorization_code", http.StatusBadRequest)
	}

	areq.Scopes = models.ParseScopes(q.Get("scope"))
	if missing := models.MissingScopes(areq.Scopes, client.Scopes); len(missing) > 0 {
		return areq, client, errInvalidScope(fmt.Sprintf("scope not allowed: %s", strings.Join(missing, " ")))
	}

	challenge, method := q.Get("code_challenge"), q.Get("code_challenge_method")
	switch {
	case challenge != "" && method != "S256":
		return areq, client, errInvalidRequest("code_challenge_method must be S256")
	case challenge == "" && method != "":
		return areq, client, errInvalidRequest("code_challenge is required")
	}
	areq.CodeChallenge = challenge
	return areq, client, nil
}

// issueCode stores a single-use code bound to the request and the signed-in
// user, then redirects back to the client.
func (s *Service) issueCode(w http.ResponseWriter, r *http.Request, sess *models.Session, areq *models.AuthorizationRequest) {
	now := s.now()
	code := &models.AuthorizationCode{
		Code:                rand.Text(),
		ClientID:            areq.ClientID,
		RedirectURI:         areq.RedirectURI,
		RedirectURIProvided: areq.RedirectURIProvided,
		Scopes:              areq.Scopes,
		Subject:             sess.Username,
		Nonce:               areq.Nonce,
		CodeChallenge:       areq.CodeChallenge,
		AuthTime:            sess.AuthTime,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.store.SaveAuthorizationCode(r.Context(), code); err != nil {
		s.log.Error("save authorization code", zap.Error(err))
		s.redirectWithError(w, r, areq, newOAuthError(ErrCodeServerError, "", http.StatusInternalServerError))
		return
	}
	s.codeOutcome(models.CodeIssued)

	params := url.Values{"code": {code.Code}}
	if areq.State != "" {
		params.Set("state", areq.State)
	}
	http.Redirect(w, r, withQuery(areq.RedirectURI, params), http.StatusFound)
}

func (s *Service) redirectWithError(w http.ResponseWriter, r *http.Request, areq *models.AuthorizationRequest, oerr *OAuthError) {
	params := url.Values{"error": {oerr.Code}}
	if oerr.Description != "" {
		params.Set("error_description", oerr.Description)
	}
	if areq.State != "" {
		params.Set("state", areq.State)
	}
	http.Redirect(w, r, withQuery(areq.RedirectURI, params), http.StatusFound)
}

// withQuery merges params into the query of a registered redirect URI.
func withQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ---------- Consent ----------

// handleConsentPage serves GET /oauth2/consent.
func (s *Service) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	if sess.Pending == nil {
		s.render(w, http.StatusBadRequest, "error", errorPage{Title: "Error", Code: ErrCodeInvalidRequest, Description: "no authorization request is pending"})
		return
	}
	s.render(w, http.StatusOK, "consent", consentPage{
		Title:    "Consent",
		ClientID: sess.Pending.ClientID,
		Username: sess.Username,
		Scopes:   sess.Pending.Scopes,
	})
}

// handleConsent serves POST /oauth2/consent. The pending request is
// cleared whatever the answer.
func (s *Service) handleConsent(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	areq := sess.Pending
	if areq == nil {
		s.render(w, http.StatusBadRequest, "error", errorPage{Title: "Error", Code: ErrCodeInvalidRequest, Description: "no authorization request is pending"})
		return
	}
	sess.Pending = nil
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		s.log.Error("clear pending authorization", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if r.PostFormValue("action") != "approve" {
		s.redirectWithError(w, r, areq, newOAuthError(ErrCodeAccessDenied, "the user denied the request", http.StatusForbidden))
		return
	}
	s.issueCode(w, r, sess, areq)
}
