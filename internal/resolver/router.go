package resolver

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/xqr/internal/metrics"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
)

// Mode es la estrategia de resolución para un issuer.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	// ModeDeny rechaza el issuer sin consultar nada.
	ModeDeny Mode = "deny"
)

// ParseMode valida un modo de configuración.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLocal, ModeRemote, ModeDeny:
		return m, nil
	default:
		return "", fmt.Errorf("unknown resolver mode %q (want local|remote|deny)", s)
	}
}

// Router elige la estrategia por configuración: regla exacta por issuer, si
// no el modo por defecto. La forma del string del issuer no influye.
type Router struct {
	def   Mode
	rules map[string]Mode
	by    map[Mode]Resolver
}

// NewRouter arma un Router. local/remote pueden ser nil si ningún modo los usa.
func NewRouter(def Mode, rules map[string]Mode, local, remote Resolver) (*Router, error) {
	r := &Router{def: def, rules: make(map[string]Mode, len(rules)), by: map[Mode]Resolver{}}
	if local != nil {
		r.by[ModeLocal] = local
	}
	if remote != nil {
		r.by[ModeRemote] = remote
	}
	check := func(m Mode) error {
		if m == ModeDeny {
			return nil
		}
		if _, ok := r.by[m]; !ok {
			return fmt.Errorf("resolver mode %q has no backend configured", m)
		}
		return nil
	}
	if err := check(def); err != nil {
		return nil, err
	}
	for iss, m := range rules {
		if err := check(m); err != nil {
			return nil, fmt.Errorf("issuer %q: %w", iss, err)
		}
		r.rules[iss] = m
	}
	return r, nil
}

// ModeFor devuelve la estrategia que se usaría para issuer.
func (r *Router) ModeFor(issuer string) Mode {
	if m, ok := r.rules[issuer]; ok {
		return m
	}
	return r.def
}

func (r *Router) Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	mode := r.ModeFor(issuer)
	start := time.Now()

	var (
		pub *ecdsa.PublicKey
		err error
	)
	if mode == ModeDeny {
		err = fmt.Errorf("%w: %w", ErrKeyNotFound, ErrIssuerNotAllowed)
	} else {
		pub, err = r.by[mode].Resolve(ctx, issuer, keyID)
	}

	elapsed := time.Since(start)
	result := Result(err)
	metrics.KeyResolutionsTotal.WithLabelValues(string(mode), result).Inc()
	metrics.KeyResolutionDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())

	log := logger.From(ctx)
	fields := []zap.Field{
		logger.Component("resolver"), logger.Strategy(string(mode)),
		logger.Issuer(clip(issuer)), logger.KeyID(clip(keyID)), logger.Duration(elapsed),
	}
	switch {
	case err == nil:
		log.Debug("key resolved", fields...)
	case Retryable(err):
		log.Warn("key resolution failed", append(fields, logger.Err(err))...)
	default:
		log.Debug("key not found", append(fields, logger.Err(err))...)
	}
	return pub, err
}
