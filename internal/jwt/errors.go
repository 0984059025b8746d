package jwt

import (
	"errors"
	"fmt"
)

// Errores del protocolo. Todos son recuperables: el core nunca aborta el
// proceso, el caller decide mensaje, exit code y política de reintento.
var (
	// Encoding / firma
	ErrInvalidClaim = errors.New("invalid_claim")
	ErrSigning      = errors.New("signing_error")

	// Parseo de input no confiable
	ErrMalformedToken = errors.New("malformed_token")
	ErrMissingKeyID   = errors.New("missing_key_id")
	ErrMissingIssuer  = errors.New("missing_issuer")

	// Rechazos del verificador
	ErrKeyUnavailable = errors.New("key_unavailable")
	ErrBadSignature   = errors.New("bad_signature")
	ErrExpired        = errors.New("expired")
	ErrNotYetValid    = errors.New("not_yet_valid")
)

// Reason identifica por qué una verificación terminó en Rejected.
type Reason string

const (
	ReasonKeyUnavailable Reason = "key_unavailable"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonExpired        Reason = "expired"
	ReasonNotYetValid    Reason = "not_yet_valid"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonKeyUnavailable:
		return ErrKeyUnavailable
	case ReasonBadSignature:
		return ErrBadSignature
	case ReasonExpired:
		return ErrExpired
	case ReasonNotYetValid:
		return ErrNotYetValid
	default:
		return nil
	}
}

// RejectionError es el estado terminal Rejected(reason). State es el último
// estado alcanzado antes del rechazo. Matchea con errors.Is tanto el sentinel
// del motivo como la causa (p.ej. resolver.ErrKeyNotFound).
type RejectionError struct {
	State  State
	Reason Reason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token rejected (%s) after %s: %v", e.Reason, e.State, e.Err)
	}
	return fmt.Sprintf("token rejected (%s) after %s", e.Reason, e.State)
}

func (e *RejectionError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Reason.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// RejectionOf extrae el RejectionError de err, si lo hay.
func RejectionOf(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Code devuelve un código estable (snake_case) para err, útil para métricas y
// respuestas HTTP. Errores desconocidos devuelven "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingKeyID):
		return "missing_key_id"
	case errors.Is(err, ErrMissingIssuer):
		return "missing_issuer"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrInvalidClaim):
		return "invalid_claim"
	case errors.Is(err, ErrSigning):
		return "signing_error"
	default:
		return "internal"
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedToken}, args...)...)
}
