package jwt_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/dropDatabas3/xqr/internal/keys"
	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp
}

func mustToken(t *testing.T, kp *keys.KeyPair, value, iss, kid string, validFor time.Duration) string {
	t.Helper()
	cs, err := jwtx.Codec{Now: fixedClock(t0)}.Encode(value, iss, kid, validFor)
	require.NoError(t, err)
	tok, err := jwtx.Sign(cs, kp)
	require.NoError(t, err)
	return tok
}

// mapResolver resuelve desde un mapa (iss, kid) → clave y cuenta llamadas.
type mapResolver struct {
	keys  map[[2]string]*ecdsa.PublicKey
	calls int
}

var errNotFound = errors.New("key not found")

func (m *mapResolver) Resolve(_ context.Context, iss, kid string) (*ecdsa.PublicKey, error) {
	m.calls++
	if k, ok := m.keys[[2]string{iss, kid}]; ok {
		return k, nil
	}
	return nil, errNotFound
}

func single(iss, kid string, pub *ecdsa.PublicKey) *mapResolver {
	return &mapResolver{keys: map[[2]string]*ecdsa.PublicKey{{iss, kid}: pub}}
}

func seg(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

// forge arma un token con header/claims arbitrarios (no necesariamente canónicos).
func forge(hdr, claims string, sig []byte) string {
	return seg(hdr) + "." + seg(claims) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// signInput firma header/claims tal cual, sin pasar por la forma canónica.
func signInput(t *testing.T, kp *keys.KeyPair, hdr, claims string) string {
	t.Helper()
	input := seg(hdr) + "." + seg(claims)
	sig, err := jwtv5.SigningMethodES256.Sign(input, kp.Private)
	require.NoError(t, err)
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func segments(tok string) []string { return strings.Split(tok, ".") }
