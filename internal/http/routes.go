package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/xqr/internal/rate"
)

// RouterDeps son las dependencias del router del servicio.
type RouterDeps struct {
	Handlers *Handlers
	// Limiter opcional por IP de cliente (no aplica a /healthz ni /metrics).
	Limiter rate.Limiter
	// Gatherer para /metrics; nil => registry default.
	Gatherer prometheus.Gatherer
}

// NewRouter arma el router chi con middlewares y rutas.
func NewRouter(d RouterDeps) http.Handler {
	h := d.Handlers
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		WithRequestID(),
		WithRecover(),
		WithLogging(),
		WithRateLimit(d.Limiter, "/healthz", "/metrics"),
	)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { WriteError(w, ErrNotFound) })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { WriteError(w, ErrMethodNotAllowed) })

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/.well-known/jwks.json", h.handleJWKS)
	r.Head("/.well-known/jwks.json", h.handleJWKS)

	r.Post("/v1/verify", h.handleVerify)

	if h.AdminToken != "" && h.Store != nil {
		r.Route("/v1/keys", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/", h.handleListKeys)
			r.Post("/", h.handleAddKey)
			r.Post("/{kid}/retire", h.handleRetireKey)
		})
	}
	return r
}
