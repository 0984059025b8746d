package jwt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Formato compacto: b64(header) "." b64(claims) "." b64(signature), base64url
// sin padding. Header y claims se serializan en forma canónica: campos en
// orden fijo, JSON compacto, sin escape HTML. El mismo ClaimSet produce
// siempre los mismos bytes.

const (
	// Algorithm es el único algoritmo aceptado.
	Algorithm = "ES256"
	tokenType = "JWT"

	// MaxTokenLength acota el input no confiable (un QR v40 binario llega a 2953 bytes).
	MaxTokenLength = 4096

	signatureSize = 64 // ES256: R || S, 32 bytes cada uno
)

// signingMethod es el primitivo ES256 de golang-jwt usado por signer y verifier.
var signingMethod = jwtv5.SigningMethodES256

// segmentCodec decodifica segmentos con base64url estricto (sin padding,
// bits sobrantes rechazados).
var segmentCodec = jwtv5.NewParser(jwtv5.WithStrictDecoding())

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ,omitempty"`
}

type wireClaims struct {
	Value     string `json:"val"`
	Issuer    string `json:"iss"`
	KeyID     string `json:"kid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt *int64 `json:"exp,omitempty"`
}

func toWire(cs ClaimSet) wireClaims {
	w := wireClaims{
		Value:    cs.Value,
		Issuer:   cs.Issuer,
		KeyID:    cs.KeyID,
		IssuedAt: cs.IssuedAt.Unix(),
	}
	if cs.ExpiresAt != nil {
		exp := cs.ExpiresAt.Unix()
		w.ExpiresAt = &exp
	}
	return w
}

func (w wireClaims) claimSet() ClaimSet {
	cs := ClaimSet{
		Value:    w.Value,
		Issuer:   w.Issuer,
		KeyID:    w.KeyID,
		IssuedAt: time.Unix(w.IssuedAt, 0).UTC(),
	}
	if w.ExpiresAt != nil {
		exp := time.Unix(*w.ExpiresAt, 0).UTC()
		cs.ExpiresAt = &exp
	}
	return cs
}

// canonicalJSON serializa v de forma determinística.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// strictJSON decodifica un único objeto JSON sin campos desconocidos ni basura final.
func strictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after object")
	}
	return nil
}

// signingInput arma los dos primeros segmentos tal como los firma el signer.
func signingInput(h header, w wireClaims) (string, error) {
	hb, err := canonicalJSON(h)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	cb, err := canonicalJSON(w)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	tok := jwtv5.New(signingMethod)
	return tok.EncodeSegment(hb) + "." + tok.EncodeSegment(cb), nil
}

func encodeSegment(b []byte) string {
	return jwtv5.New(signingMethod).EncodeSegment(b)
}
