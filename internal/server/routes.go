package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orvull/pizza-oauth/internal/logging"
)

// Routes returns the authorization server handler. Every request passes
// the same ordered stages: CORS, origin check, session lookup. Protocol
// endpoints are public; everything else, including unknown paths and
// unsupported methods, requires a signed-in session.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.AccessLog(s.log),
		middleware.Recoverer,
		s.corsStage(),
		s.originStage("/oauth2/token", "/userinfo"),
		s.sessionStage,
	)

	// Protocol endpoints.
	r.Post("/oauth2/token", s.handleToken)
	r.Get("/oauth2/jwks", s.handleJWKS)
	r.Get("/userinfo", s.handleUserInfo)
	r.Post("/userinfo", s.handleUserInfo)
	r.Get("/.well-known/openid-configuration", s.handleOIDCDiscovery)
	r.Get("/.well-known/oauth-authorization-server", s.handleOAuthMetadata)

	// Authorize checks its parameters before asking for a login.
	r.Get("/oauth2/authorize", s.handleAuthorize)

	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/", s.handleHome)
		r.Post("/logout", s.handleLogout)
		r.Get("/oauth2/consent", s.handleConsentPage)
		r.Post("/oauth2/consent", s.handleConsent)
	})
	r.NotFound(s.requireSession(http.NotFoundHandler()).ServeHTTP)
	r.MethodNotAllowed(s.requireSession(http.HandlerFunc(methodNotAllowed)).ServeHTTP)

	return r
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
