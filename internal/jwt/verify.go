package jwt

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/xqr/internal/metrics"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
)

// DefaultClockSkew es la tolerancia para issued_at en el futuro.
const DefaultClockSkew = 30 * time.Second

// KeyResolver resuelve la clave pública de (issuer, kid). Los argumentos vienen
// de un token sin verificar: las implementaciones deben tratarlos como input hostil.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error)
}

// KeyResolverFunc adapta una función a KeyResolver.
type KeyResolverFunc func(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error)

func (f KeyResolverFunc) Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	return f(ctx, issuer, keyID)
}

// Verified es el estado terminal de éxito; es el único lugar de donde sale el valor.
type Verified struct {
	claims ClaimSet
}

// Value devuelve el valor atestiguado.
func (v *Verified) Value() string { return v.claims.Value }

// Claims devuelve el ClaimSet verificado completo.
func (v *Verified) Claims() ClaimSet { return v.claims }

// Verifier ejecuta la máquina de estados de verificación. Es seguro para uso
// concurrente: no guarda estado entre llamadas.
type Verifier struct {
	resolver KeyResolver
	now      func() time.Time
	skew     time.Duration
}

// VerifierOption configura un Verifier.
type VerifierOption func(*Verifier)

// WithClock inyecta el reloj (tests / relojes simulados).
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithClockSkew fija la tolerancia para issued_at futuro.
func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.skew = d
		}
	}
}

func NewVerifier(r KeyResolver, opts ...VerifierOption) *Verifier {
	v := &Verifier{resolver: r, now: time.Now, skew: DefaultClockSkew}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify parsea raw y lo verifica. Errores de parseo se devuelven tal cual
// (ErrMalformedToken, ErrMissingKeyID, ErrMissingIssuer); los rechazos
// posteriores son *RejectionError.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Verified, error) {
	pt, err := Parse(raw)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues(Code(err)).Inc()
		logger.From(ctx).Debug("token parse failed", logger.Op("verify"), logger.Err(err))
		return nil, err
	}
	return v.VerifyParsed(ctx, pt)
}

// run es el estado mutable de una verificación; vive solo dentro de VerifyParsed.
type run struct {
	token *ParsedToken
	state State
	key   *ecdsa.PublicKey
}

func (r *run) reject(reason Reason, err error) error {
	return &RejectionError{State: r.state, Reason: reason, Err: err}
}

// VerifyParsed lleva un ParsedToken de Parsed a Verified o Rejected. No hay
// reintentos internos: la remediación depende del motivo y la decide el caller.
func (v *Verifier) VerifyParsed(ctx context.Context, pt *ParsedToken) (*Verified, error) {
	if pt == nil {
		return nil, malformed("nil token")
	}
	log := logger.From(ctx).With(logger.Issuer(clip(pt.Issuer())), logger.KeyID(clip(pt.KeyID())))

	r := &run{token: pt, state: StateParsed}
	for r.state != StateVerified {
		if err := v.step(ctx, r); err != nil {
			reason := "internal"
			if rej, ok := RejectionOf(err); ok {
				reason = string(rej.Reason)
			}
			metrics.VerificationsTotal.WithLabelValues(reason).Inc()
			log.Debug("token rejected", logger.State(r.state.String()), logger.Reason(reason), logger.Err(err))
			return nil, err
		}
	}

	metrics.VerificationsTotal.WithLabelValues(StateVerified.String()).Inc()
	log.Debug("token verified")
	return &Verified{claims: pt.claims.claimSet()}, nil
}

func (v *Verifier) step(ctx context.Context, r *run) error {
	switch r.state {
	case StateParsed:
		if v.resolver == nil {
			return r.reject(ReasonKeyUnavailable, errors.New("no key resolver configured"))
		}
		key, err := v.resolver.Resolve(ctx, r.token.Issuer(), r.token.KeyID())
		if err != nil {
			return r.reject(ReasonKeyUnavailable, err)
		}
		if key == nil {
			return r.reject(ReasonKeyUnavailable, errors.New("resolver returned no key"))
		}
		r.key = key
		r.state = StateKeyResolved

	case StateKeyResolved:
		// Recalcular el input canónico exactamente como lo haría el signer.
		input, err := signingInput(r.token.header, r.token.claims)
		if err != nil {
			return r.reject(ReasonBadSignature, err)
		}
		if input != r.token.input {
			return r.reject(ReasonBadSignature, errors.New("signing input is not canonical"))
		}
		if err := signingMethod.Verify(input, r.token.signature, r.key); err != nil {
			return r.reject(ReasonBadSignature, err)
		}
		r.state = StateSignatureChecked

	case StateSignatureChecked:
		now := v.now().UTC()
		cs := r.token.claims.claimSet()
		if cs.ExpiresAt != nil && now.After(*cs.ExpiresAt) {
			return r.reject(ReasonExpired, fmt.Errorf("expired at %s", cs.ExpiresAt.Format(time.RFC3339)))
		}
		if cs.IssuedAt.After(now.Add(v.skew)) {
			return r.reject(ReasonNotYetValid, fmt.Errorf("issued at %s", cs.IssuedAt.Format(time.RFC3339)))
		}
		r.state = StateExpiryChecked

	case StateExpiryChecked:
		r.state = StateVerified
	}
	return nil
}
