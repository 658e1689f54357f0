package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/registry"
)

// googleOrigin posts Google Sign-In credentials back to /login.
const googleOrigin = "https://accounts.google.com"

// handleLoginPage serves GET /login.
func (s *Service) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.render(w, http.StatusOK, "login", loginPage{
		Title:          "Sign in",
		Error:          q.Has("error"),
		LoggedOut:      q.Has("logout"),
		ReturnTo:       safeReturnTo(q.Get("return_to")),
		GoogleClientID: s.googleID,
		LoginURI:       s.issuer + "/login",
	})
}

// handleLogin serves POST /login: a username and password, or a Google
// ID token in "credential".
func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	returnTo := safeReturnTo(r.PostForm.Get("return_to"))

	method := "password"
	var (
		user *models.UserAccount
		err  error
	)
	if cred := r.PostForm.Get("credential"); cred != "" {
		method = "google"
		user, err = s.googleUser(r, cred)
	} else {
		user, err = s.users.Authenticate(r.PostForm.Get("username"), r.PostForm.Get("password"))
	}
	if err != nil {
		s.metrics.Logins.WithLabelValues(method, "failure").Inc()
		if !errors.Is(err, registry.ErrInvalidCredentials) && !errors.Is(err, registry.ErrUserNotFound) {
			s.log.Info("sign-in rejected", zap.String("method", method), zap.Error(err))
		}
		q := url.Values{"error": {""}}
		if returnTo != "" {
			q.Set("return_to", returnTo)
		}
		http.Redirect(w, r, "/login?"+q.Encode(), http.StatusFound)
		return
	}

	if err := s.startSession(w, r, user.Username); err != nil {
		s.log.Error("start session", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.metrics.Logins.WithLabelValues(method, "success").Inc()
	s.log.Info("user signed in", zap.String("user", user.Username), zap.String("method", method))

	if returnTo == "" {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// googleUser verifies a Google Sign-In credential and maps it to the local
// account with the same email. Google's double-submit token must be present
// in both the cookie and the form, with equal values.
func (s *Service) googleUser(r *http.Request, credential string) (*models.UserAccount, error) {
	if s.googleV == nil {
		return nil, registry.ErrInvalidCredentials
	}
	c, err := r.Cookie("g_csrf_token")
	if err != nil || c.Value == "" {
		return nil, errors.New("g_csrf_token cookie missing")
	}
	field := r.PostForm.Get("g_csrf_token")
	if field == "" {
		return nil, errors.New("g_csrf_token field missing")
	}
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(field)) != 1 {
		return nil, errors.New("g_csrf_token mismatch")
	}
	profile, err := s.googleV.VerifyIDToken(r.Context(), credential)
	if err != nil {
		return nil, err
	}
	return s.users.LookupByEmail(profile.Email)
}

// handleLogout serves POST /logout.
func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := SessionFromContext(r.Context()); ok {
		if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
			s.log.Warn("delete session", zap.Error(err))
		}
	}
	http.SetCookie(w, s.sessionCookie("", -1))
	http.Redirect(w, r, "/login?logout", http.StatusFound)
}

// handleHome serves the signed-in landing page.
func (s *Service) handleHome(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	s.render(w, http.StatusOK, "home", homePage{Title: "Home", Username: sess.Username})
}

// safeReturnTo keeps only local absolute paths so login cannot be used as
// an open redirect.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return raw
}
