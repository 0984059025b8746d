package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas de XQR. Viven en un paquete propio para que jwt, resolver y http
// las usen sin ciclos de import. Los collectors funcionan aunque no estén
// registrados; Register los expone en un registry.

var (
	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xqr_verifications_total",
		Help: "Verificaciones de tokens por resultado (verified o código de rechazo)",
	}, []string{"result"})

	KeyResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xqr_key_resolutions_total",
		Help: "Resoluciones de clave pública por estrategia y resultado",
	}, []string{"strategy", "result"})

	KeyResolutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xqr_key_resolution_duration_seconds",
		Help:    "Latencia de la resolución de claves",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"strategy"})

	ResolverCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xqr_resolver_cache_total",
		Help: "Lookups en el cache de claves resueltas (hit|miss|error)",
	}, []string{"result"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xqr_http_requests_total",
		Help: "Requests HTTP procesadas",
	}, []string{"method", "route", "status"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		VerificationsTotal,
		KeyResolutionsTotal,
		KeyResolutionDuration,
		ResolverCacheTotal,
		HTTPRequestsTotal,
	}
}

// Register registra las métricas en reg (o en el default si es nil).
// Es idempotente: ignora AlreadyRegisteredError.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
