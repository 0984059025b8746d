package jwt

import (
	"crypto/elliptic"
	"fmt"

	"github.com/dropDatabas3/xqr/internal/keys"
)

// Sign firma cs con la clave privada de kp y devuelve el token compacto.
// El header lleva alg=ES256 y el kid del ClaimSet.
func Sign(cs ClaimSet, kp *keys.KeyPair) (string, error) {
	if err := cs.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	if kp == nil || kp.Private == nil {
		return "", fmt.Errorf("%w: missing private key", ErrSigning)
	}
	if kp.Private.Curve != elliptic.P256() {
		return "", fmt.Errorf("%w: key curve must be P-256", ErrSigning)
	}

	input, err := signingInput(header{Alg: Algorithm, Kid: cs.KeyID, Typ: tokenType}, toWire(cs))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	sig, err := signingMethod.Sign(input, kp.Private)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	tok := input + "." + encodeSegment(sig)
	if len(tok) > MaxTokenLength {
		return "", fmt.Errorf("%w: token exceeds %d bytes", ErrSigning, MaxTokenLength)
	}
	return tok, nil
}
