package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/xqr/internal/cache"
	httpx "github.com/dropDatabas3/xqr/internal/http"
	"github.com/dropDatabas3/xqr/internal/metrics"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
	"github.com/dropDatabas3/xqr/internal/rate"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servicio HTTP (JWKS, verify, métricas)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			h, closeFn, err := a.buildServer(ctx)
			if err != nil {
				return fail("starting server", err)
			}
			defer closeFn()

			logger.Named("serve").Info("xqr listening", logger.String("addr", addr), logger.String("resolver_mode", a.cfg.Resolver.Mode),
				logger.Bool("admin_api", a.cfg.Server.AdminToken != ""))
			if err := httpx.Serve(ctx, addr, h); err != nil {
				return fail("serving", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Dirección de escucha (pisa server.addr)")
	return cmd
}

// buildServer arma el handler completo; el closer libera store y cache.
func (a *app) buildServer(ctx context.Context) (http.Handler, func(), error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, nil, err
	}
	rt, err := a.buildRuntime(ctx, true)
	if err != nil {
		return nil, nil, err
	}

	h := &httpx.Handlers{
		Verifier:   rt.verifier,
		JWKS:       httpx.NewJWKSPublisher(rt.store, a.cfg.JWKSCacheTTL()),
		Store:      rt.store,
		Cache:      rt.chain.Cached,
		AdminToken: a.cfg.Server.AdminToken,
	}
	if rt.cache != nil {
		c := rt.cache
		h.Ready = func(ctx context.Context) error { return c.Ping(ctx) }
	}

	deps := httpx.RouterDeps{Handlers: h, Gatherer: prometheus.DefaultGatherer}
	if a.cfg.Server.Rate.Enabled {
		deps.Limiter = a.serverLimiter(rt)
	}
	return httpx.NewRouter(deps), rt.Close, nil
}

// serverLimiter comparte el límite entre réplicas cuando el cache es Redis
// (ventana fija de burst requests); si no, token bucket en memoria.
func (a *app) serverLimiter(rt *runtime) rate.Limiter {
	rc := a.cfg.Server.Rate
	if rdb, ok := cache.RedisClient(rt.cache); ok {
		window := time.Duration(float64(rc.Burst) / rc.PerSecond * float64(time.Second))
		if window < time.Second {
			window = time.Second
		}
		return rate.NewRedisLimiter(rdb, a.cfg.Cache.Redis.Prefix+":rl:", rc.Burst, window)
	}
	return rate.NewLocalLimiter(rc.PerSecond, rc.Burst)
}
