package server

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/models"
	"github.com/orvull/pizza-oauth/internal/storage"
)

// SessionCookie names the browser login session cookie.
const SessionCookie = "PIZZA_SESSION"

type ctxKey int

const sessionKey ctxKey = iota

// SessionFromContext returns the login session attached by the session stage.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*models.Session)
	return s, ok && s != nil
}

// corsStage applies the configured origin and method allow-list.
func (s *Service) corsStage() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.cors.AllowedOrigins,
		AllowedMethods:   s.cors.AllowedMethods,
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// originStage rejects state-changing requests whose Origin (or Referer)
// names a site other than this server or a CORS-allowed origin. Requests
// without either header come from non-browser clients and pass. The
// protocol endpoints authenticate with client credentials or bearer tokens
// and are exempt.
func (s *Service) originStage(exempt ...string) func(http.Handler) http.Handler {
	trusted := []string{originOf(s.issuer)}
	for _, o := range s.cors.AllowedOrigins {
		trusted = append(trusted, strings.TrimSuffix(o, "/"))
	}
	if s.googleID != "" {
		trusted = append(trusted, googleOrigin)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethod(r.Method) || slices.Contains(exempt, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = originOf(r.Header.Get("Referer"))
			}
			if origin != "" && !trustedOrigin(trusted, origin) {
				s.log.Warn("cross-site request rejected", zap.String("origin", origin), zap.String("path", r.URL.Path))
				http.Error(w, "cross-site request rejected", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func trustedOrigin(trusted []string, origin string) bool {
	if origin == "null" {
		return false
	}
	return slices.Contains(trusted, origin) || slices.Contains(trusted, "*")
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// originOf returns scheme://host of an absolute URL, or "" if raw is not one.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// sessionStage attaches the login session named by the session cookie, if
// it exists and has not expired. It never rejects a request.
func (s *Service) sessionStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		sess, err := s.store.GetSession(ctx, c.Value)
		switch {
		case errors.Is(err, storage.ErrSessionNotFound):
		case err != nil:
			s.log.Error("load session", zap.Error(err))
		case !s.now().Before(sess.ExpiresAt):
			_ = s.store.DeleteSession(ctx, sess.ID)
		default:
			ctx = context.WithValue(ctx, sessionKey, sess)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSession sends anonymous browsers to the login page, remembering
// where they were going.
func (s *Service) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFromContext(r.Context()); !ok {
			s.redirectToLogin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	q := url.Values{"return_to": {r.URL.RequestURI()}}
	http.Redirect(w, r, "/login?"+q.Encode(), http.StatusFound)
}

// startSession stores a fresh session for username and sets its cookie. Any
// previous session is dropped so a login always gets a new id.
func (s *Service) startSession(w http.ResponseWriter, r *http.Request, username string) error {
	ctx := r.Context()
	if old, ok := SessionFromContext(ctx); ok {
		_ = s.store.DeleteSession(ctx, old.ID)
	}
	now := s.now()
	sess := &models.Session{
		ID:        rand.Text(),
		Username:  username,
		AuthTime:  now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	http.SetCookie(w, s.sessionCookie(sess.ID, int(s.sessionTTL.Seconds())))
	return nil
}

func (s *Service) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}
