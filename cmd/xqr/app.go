package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/dropDatabas3/xqr/internal/cache"
	"github.com/dropDatabas3/xqr/internal/config"
	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/dropDatabas3/xqr/internal/keystore"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
	"github.com/dropDatabas3/xqr/internal/rate"
	"github.com/dropDatabas3/xqr/internal/resolver"
)

var version = "dev"

// opError produce el mensaje "Error <op>: <err>" del CLI.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return "Error " + e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{op: op, err: err}
}

// app es el estado compartido por los subcomandos.
type app struct {
	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
}

// setup carga .env, config y logger. Se corre antes de cada subcomando.
func (a *app) setup() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fail("loading "+a.envFile, err)
		}
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fail("loading config", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: cfg.App.Name, Version: version})
	return nil
}

func (a *app) openStore(ctx context.Context) (keystore.KeyStore, error) {
	return keystore.Open(ctx, keystore.Config{
		Driver:  a.cfg.Storage.Driver,
		Dir:     a.cfg.Storage.Dir,
		DSN:     a.cfg.Storage.DSN,
		Migrate: a.cfg.Storage.Migrate,
	})
}

// openCache devuelve nil si cache.kind=none.
func (a *app) openCache(ctx context.Context) (cache.Client, error) {
	if a.cfg.Cache.Kind == "none" {
		return nil, nil
	}
	return cache.New(ctx, cache.Config{
		Driver:     a.cfg.Cache.Kind,
		Addr:       a.cfg.Cache.Redis.Addr,
		Password:   a.cfg.Cache.Redis.Password,
		DB:         a.cfg.Cache.Redis.DB,
		Prefix:     a.cfg.Cache.Redis.Prefix,
		DefaultTTL: a.cfg.CacheTTL(),
	})
}

// needsStore indica si algún modo configurado resuelve localmente.
func (a *app) needsStore() bool {
	if a.cfg.Resolver.Mode == string(resolver.ModeLocal) {
		return true
	}
	for _, r := range a.cfg.Resolver.Issuers {
		if r.Mode == string(resolver.ModeLocal) {
			return true
		}
	}
	return false
}

// runtime son los componentes abiertos para verificar; Close los libera.
type runtime struct {
	store    keystore.KeyStore
	cache    cache.Client
	chain    *resolver.Chain
	verifier *jwtx.Verifier
}

func (r *runtime) Close() {
	if r.cache != nil {
		_ = r.cache.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// buildRuntime arma Router(Local, Cached(Remote)) y el Verifier según la config.
// withStore fuerza abrir el registro aunque ningún modo sea local (serve).
func (a *app) buildRuntime(ctx context.Context, withStore bool) (*runtime, error) {
	rt := &runtime{}
	var err error
	if withStore || a.needsStore() {
		if rt.store, err = a.openStore(ctx); err != nil {
			return nil, fmt.Errorf("key store: %w", err)
		}
	}
	if rt.cache, err = a.openCache(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	rc := a.cfg.Resolver
	def, err := resolver.ParseMode(rc.Mode)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rules := make([]resolver.IssuerRule, 0, len(rc.Issuers))
	for _, r := range rc.Issuers {
		m, err := resolver.ParseMode(r.Mode)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("issuer %q: %w", r.Issuer, err)
		}
		rules = append(rules, resolver.IssuerRule{Issuer: r.Issuer, Mode: m, JWKSURL: r.JWKSURL})
	}
	var limiter rate.Limiter
	if rc.Remote.Rate.PerSecond > 0 {
		limiter = rate.NewLocalLimiter(rc.Remote.Rate.PerSecond, rc.Remote.Rate.Burst)
	}

	opts := resolver.Options{
		DefaultMode: def,
		Rules:       rules,
		Remote: resolver.RemoteOptions{
			Timeout:           a.cfg.RemoteTimeout(),
			MaxResponseBytes:  rc.Remote.MaxResponseBytes,
			AllowedIssuers:    rc.Remote.AllowedIssuers,
			AllowInsecureHTTP: rc.Remote.AllowInsecureHTTP,
			Limiter:           limiter,
		},
		Store:    rt.store,
		Cache:    rt.cache,
		CacheTTL: a.cfg.CacheTTL(),
	}
	if rt.chain, err = resolver.Build(opts); err != nil {
		rt.Close()
		return nil, err
	}
	rt.verifier = jwtx.NewVerifier(rt.chain.Resolver, jwtx.WithClockSkew(a.cfg.ClockSkew()))
	return rt, nil
}
