// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pizza"

// AuthServer counts token endpoint and authorization-code outcomes.
type AuthServer struct {
	TokensIssued *prometheus.CounterVec // by grant_type
	TokenErrors  *prometheus.CounterVec // by error code
	CodeOutcomes *prometheus.CounterVec // by lifecycle state
	Logins       *prometheus.CounterVec // by method and result

	gatherer prometheus.Gatherer
}

// NewAuthServer registers the authorization server collectors on a fresh
// registry, together with the Go runtime and process collectors.
func NewAuthServer() *AuthServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &AuthServer{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authserver",
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued, by grant type.",
		}, []string{"grant_type"}),
		TokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authserver",
			Name:      "token_errors_total",
			Help:      "Token endpoint failures, by OAuth error code.",
		}, []string{"error"}),
		CodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authserver",
			Name:      "authorization_codes_total",
			Help:      "Authorization code lifecycle transitions, by resulting state.",
		}, []string{"state"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authserver",
			Name:      "logins_total",
			Help:      "Interactive sign-in attempts, by method and result.",
		}, []string{"method", "result"}),
		gatherer: reg,
	}
	reg.MustRegister(m.TokensIssued, m.TokenErrors, m.CodeOutcomes, m.Logins)
	return m
}

func (m *AuthServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Resource counts protected-resource authorization decisions.
type Resource struct {
	Requests *prometheus.CounterVec // by transport and outcome
	Denials  *prometheus.CounterVec // by reason

	gatherer prometheus.Gatherer
}

func NewResource() *Resource {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Resource{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "requests_total",
			Help:      "Protected resource requests, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "denials_total",
			Help:      "Rejected protected resource requests, by reason.",
		}, []string{"reason"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Requests, m.Denials)
	return m
}

func (m *Resource) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
