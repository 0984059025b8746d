package jwt

import (
	"bytes"
	"fmt"
	"strings"
)

// ParsedToken es el resultado de Parse: estructura válida, firma NO verificada.
//
// Invariante: de un ParsedToken solo salen issuer y kid, y solo para buscar la
// clave de verificación. El valor y los timestamps quedan privados hasta que
// Verifier lleva el token a Verified.
type ParsedToken struct {
	header    header
	claims    wireClaims
	input     string // header.claims tal como llegó
	signature []byte
}

// Issuer devuelve el issuer sin verificar (solo para lookup de clave).
func (p *ParsedToken) Issuer() string { return p.claims.Issuer }

// KeyID devuelve el kid sin verificar (solo para lookup de clave).
func (p *ParsedToken) KeyID() string { return p.header.Kid }

// Algorithm devuelve el alg del header (siempre ES256 si Parse tuvo éxito).
func (p *ParsedToken) Algorithm() string { return p.header.Alg }

// Parse valida la estructura de un token compacto sin confiar en su contenido.
// Nunca entra en pánico: cualquier anomalía es ErrMalformedToken,
// ErrMissingKeyID o ErrMissingIssuer.
func Parse(raw string) (*ParsedToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, malformed("empty token")
	}
	if len(raw) > MaxTokenLength {
		return nil, malformed("token exceeds %d bytes", MaxTokenLength)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, malformed("expected 3 segments, got %d", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return nil, malformed("segment %d is empty", i)
		}
	}

	hb, err := segmentCodec.DecodeSegment(parts[0])
	if err != nil {
		return nil, malformed("header segment: %v", err)
	}
	var h header
	if err := strictJSON(hb, &h); err != nil {
		return nil, malformed("header: %v", err)
	}
	if h.Alg != Algorithm {
		return nil, malformed("unsupported algorithm %q", clip(h.Alg))
	}
	if h.Typ != "" && h.Typ != tokenType {
		return nil, malformed("unsupported token type %q", clip(h.Typ))
	}

	cb, err := segmentCodec.DecodeSegment(parts[1])
	if err != nil {
		return nil, malformed("claims segment: %v", err)
	}
	var c wireClaims
	if err := strictJSON(cb, &c); err != nil {
		return nil, malformed("claims: %v", err)
	}

	if h.Kid == "" || c.KeyID == "" {
		return nil, ErrMissingKeyID
	}
	if c.Issuer == "" {
		return nil, ErrMissingIssuer
	}
	if h.Kid != c.KeyID {
		return nil, malformed("header kid does not match claims kid")
	}
	if c.ExpiresAt != nil && *c.ExpiresAt < c.IssuedAt {
		return nil, malformed("exp before iat")
	}

	// Solo aceptamos la forma canónica: el verificador recalcula estos bytes.
	if canon, err := canonicalJSON(h); err != nil || !bytes.Equal(canon, hb) {
		return nil, malformed("header is not canonically encoded")
	}
	if canon, err := canonicalJSON(c); err != nil || !bytes.Equal(canon, cb) {
		return nil, malformed("claims are not canonically encoded")
	}

	sig, err := segmentCodec.DecodeSegment(parts[2])
	if err != nil {
		return nil, malformed("signature segment: %v", err)
	}
	if len(sig) != signatureSize {
		return nil, malformed("signature must be %d bytes, got %d", signatureSize, len(sig))
	}

	return &ParsedToken{
		header:    h,
		claims:    c,
		input:     parts[0] + "." + parts[1],
		signature: sig,
	}, nil
}

// clip acota strings controlados por el atacante antes de meterlos en errores.
func clip(s string) string {
	const limit = 32
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// String evita que un ParsedToken se imprima con su payload sin verificar.
func (p *ParsedToken) String() string {
	return fmt.Sprintf("ParsedToken{alg=%s kid=%q iss=%q}", p.header.Alg, clip(p.header.Kid), clip(p.claims.Issuer))
}
