// Package resolver resuelve la clave pública de verificación de un token a
// partir de (issuer, kid).
//
// Issuer y kid salen de un token cuya firma todavía no se verificó: todo lo de
// este paquete los trata como input hostil. Solo deciden QUÉ clave se busca;
// nunca dónde se escribe, qué se loguea sin acotar ni qué valor se devuelve.
//
// Estrategias:
//   - Local: keystore indexado por kid (offline).
//   - Remote: JWKS publicado por el issuer sobre HTTPS.
//   - Router: elige estrategia por configuración explícita, nunca por la forma del issuer.
//   - Cached: decorador que cachea éxitos con TTL e invalidación explícita.
package resolver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Resolver es la capacidad polimórfica "resolver clave dado issuer+kid".
// Coincide con jwt.KeyResolver.
type Resolver interface {
	Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error)
}

var (
	// ErrKeyNotFound: el par (issuer, kid) no tiene clave conocida. No reintentar.
	ErrKeyNotFound = errors.New("key_not_found")
	// ErrResolutionTimeout: la búsqueda excedió su plazo. Reintentable.
	ErrResolutionTimeout = errors.New("resolution_timeout")
	// ErrResolutionTransport: falla de red/transporte o respuesta inválida del
	// issuer. Reintentable.
	ErrResolutionTransport = errors.New("resolution_transport_error")
	// ErrRateLimited acompaña a ErrResolutionTransport cuando se frenó la búsqueda localmente.
	ErrRateLimited = errors.New("rate_limited")
	// ErrIssuerNotAllowed acompaña a ErrKeyNotFound cuando la política no
	// permite resolver ese issuer.
	ErrIssuerNotAllowed = errors.New("issuer_not_allowed")
)

// Retryable indica si tiene sentido reintentar la resolución más tarde.
func Retryable(err error) bool {
	return errors.Is(err, ErrResolutionTimeout) || errors.Is(err, ErrResolutionTransport)
}

// Result clasifica err para métricas: ok | not_found | timeout | transport | error.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ErrResolutionTimeout):
		return "timeout"
	case errors.Is(err, ErrResolutionTransport):
		return "transport"
	default:
		return "error"
	}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrKeyNotFound}, args...)...)
}

func transport(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrResolutionTransport}, args...)...)
}

// classify traduce errores de red/contexto a la taxonomía del resolver.
// parent es el contexto del caller: si el caller canceló, es transporte +
// context.Canceled; si venció el plazo (propio o del caller), es timeout.
func classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrResolutionTimeout) || errors.Is(err, ErrResolutionTransport) {
		return err
	}
	if errors.Is(parent.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrResolutionTransport, context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrResolutionTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrResolutionTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		// no repetir la URL completa (puede venir de un token hostil)
		return fmt.Errorf("%w: %s: %w", ErrResolutionTransport, ue.Op, ue.Err)
	}
	return fmt.Errorf("%w: %w", ErrResolutionTransport, err)
}

// clip acota strings hostiles antes de loguearlos o meterlos en errores.
func clip(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
