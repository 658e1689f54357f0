package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/orvull/pizza-oauth/internal/authority"
	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/logging"
	"github.com/orvull/pizza-oauth/internal/metrics"
)

// ReadAuthority guards the pizza menu.
const ReadAuthority = authority.ScopePrefix + "api.read"

// Pizza is one menu entry.
type Pizza struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Menu returns the fixed pizza list, in order.
func Menu() []Pizza {
	return []Pizza{
		{ID: 1, Name: "Pepperoni"},
		{ID: 2, Name: "Margherita"},
		{ID: 3, Name: "Veggie"},
	}
}

// Principal is the authenticated caller of a protected request.
type Principal struct {
	Subject     string
	Claims      jwt.MapClaims
	Authorities authority.Set
}

type ctxKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext returns the principal attached by the bearer stage.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok
}

// Server wires the validator into the HTTP and gRPC surfaces.
type Server struct {
	validator *Validator
	metrics   *metrics.Resource
	log       *zap.Logger
	cors      config.CORS
}

func NewServer(v *Validator, m *metrics.Resource, logger *zap.Logger, corsCfg config.CORS) *Server {
	return &Server{validator: v, metrics: m, log: logger, cors: corsCfg}
}

// authenticate validates a raw bearer token and builds the principal.
func (s *Server) authenticate(ctx context.Context, raw string) (*Principal, error) {
	claims, err := s.validator.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	sub, _ := claims.GetSubject()
	return &Principal{Subject: sub, Claims: claims, Authorities: authority.FromClaims(claims)}, nil
}

// denialReason maps a validation error to a metrics label and the
// RFC 6750 description returned to the caller.
func denialReason(err error) (reason, description string) {
	switch {
	case errors.Is(err, ErrNoToken):
		return "missing_token", "bearer token is required"
	case errors.Is(err, ErrTokenExpired):
		return "expired_token", "token is expired"
	default:
		return "invalid_token", "token is invalid"
	}
}

// Routes returns the resource server handler. Every request needs a valid
// bearer token, including unknown paths and unsupported methods. Metrics are
// served separately by the metrics handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.AccessLog(s.log),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cors.AllowedOrigins,
			AllowedMethods:   s.cors.AllowedMethods,
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(s.Bearer)
		r.With(s.RequireAuthority(ReadAuthority)).Get("/api/pizzas", s.handlePizzas)
	})
	r.NotFound(s.Bearer(http.NotFoundHandler()).ServeHTTP)
	r.MethodNotAllowed(s.Bearer(http.HandlerFunc(methodNotAllowed)).ServeHTTP)
	return r
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

// Bearer rejects requests without a valid bearer token before they reach
// any handler.
func (s *Server) Bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r.Context(), bearerToken(r))
		if err != nil {
			reason, desc := denialReason(err)
			s.deny("http", reason)
			if reason != "missing_token" {
				s.log.Debug("bearer token rejected", zap.String("reason", reason), zap.Error(err))
			}
			writeError(w, http.StatusUnauthorized, "invalid_token", desc)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// RequireAuthority allows only principals holding the named authority.
func (s *Server) RequireAuthority(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !p.Authorities.Has(name) {
				s.deny("http", "insufficient_scope")
				writeError(w, http.StatusForbidden, "insufficient_scope", name+" is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) deny(transport, reason string) {
	s.metrics.Denials.WithLabelValues(reason).Inc()
	outcome := "unauthenticated"
	if reason == "insufficient_scope" {
		outcome = "forbidden"
	}
	s.metrics.Requests.WithLabelValues(transport, outcome).Inc()
}

func (s *Server) handlePizzas(w http.ResponseWriter, _ *http.Request) {
	s.metrics.Requests.WithLabelValues("http", "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Menu()); err != nil {
		s.log.Warn("encode pizzas", zap.Error(err))
	}
}

func bearerToken(r *http.Request) string {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}
