package jwt_test

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	okHeader = `{"alg":"ES256","kid":"kid-1","typ":"JWT"}`
	okClaims = `{"val":"hello","iss":"issuer-a","kid":"kid-1","iat":1709294400}`
)

var zeroSig = make([]byte, 64)

func TestParse_ExtractsLookupFieldsOnly(t *testing.T) {
	kp := mustKeyPair(t)
	tok := mustToken(t, kp, "secret-value", "issuer-a", "kid-1", 0)

	pt, err := jwtx.Parse("  " + tok + "\n")
	require.NoError(t, err)
	assert.Equal(t, "issuer-a", pt.Issuer())
	assert.Equal(t, "kid-1", pt.KeyID())
	assert.Equal(t, jwtx.Algorithm, pt.Algorithm())
	assert.NotContains(t, pt.String(), "secret-value")
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"spaces":           "   ",
		"one segment":      "abc",
		"two segments":     "abc.def",
		"four segments":    "a.b.c.d",
		"empty segment":    seg(okHeader) + ".." + seg("x"),
		"padding":          seg(okHeader) + "=." + seg(okClaims) + "." + seg("x"),
		"std alphabet":     "+/+/." + seg(okClaims) + "." + seg("x"),
		"header not json":  forge("nope", okClaims, zeroSig),
		"header array":     forge(`[1,2]`, okClaims, zeroSig),
		"alg none":         forge(`{"alg":"none","kid":"kid-1","typ":"JWT"}`, okClaims, zeroSig),
		"alg hs256":        forge(`{"alg":"HS256","kid":"kid-1","typ":"JWT"}`, okClaims, zeroSig),
		"typ":              forge(`{"alg":"ES256","kid":"kid-1","typ":"JWE"}`, okClaims, zeroSig),
		"unknown header":   forge(`{"alg":"ES256","kid":"kid-1","typ":"JWT","jku":"https://x"}`, okClaims, zeroSig),
		"unknown claim":    forge(okHeader, `{"val":"hello","iss":"issuer-a","kid":"kid-1","iat":1709294400,"sub":"x"}`, zeroSig),
		"trailing data":    forge(okHeader, okClaims+`{}`, zeroSig),
		"iat string":       forge(okHeader, `{"val":"hello","iss":"issuer-a","kid":"kid-1","iat":"now"}`, zeroSig),
		"kid mismatch":     forge(`{"alg":"ES256","kid":"kid-2","typ":"JWT"}`, okClaims, zeroSig),
		"exp before iat":   forge(okHeader, `{"val":"hello","iss":"issuer-a","kid":"kid-1","iat":1709294400,"exp":1709294399}`, zeroSig),
		"spaced header":    forge(`{"alg": "ES256","kid":"kid-1","typ":"JWT"}`, okClaims, zeroSig),
		"reordered claims": forge(okHeader, `{"iss":"issuer-a","val":"hello","kid":"kid-1","iat":1709294400}`, zeroSig),
		"escaped html":     forge(okHeader, `{"val":"\u003c","iss":"issuer-a","kid":"kid-1","iat":1709294400}`, zeroSig),
		"short signature":  forge(okHeader, okClaims, make([]byte, 63)),
		"long signature":   forge(okHeader, okClaims, make([]byte, 65)),
		"too long":         strings.Repeat("a", jwtx.MaxTokenLength+1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := jwtx.Parse(raw)
			assert.ErrorIs(t, err, jwtx.ErrMalformedToken)
		})
	}
}

func TestParse_MissingMetadata(t *testing.T) {
	_, err := jwtx.Parse(forge(`{"alg":"ES256","typ":"JWT"}`, okClaims, zeroSig))
	assert.ErrorIs(t, err, jwtx.ErrMissingKeyID)

	_, err = jwtx.Parse(forge(okHeader, `{"val":"hello","iss":"issuer-a","iat":1709294400}`, zeroSig))
	assert.ErrorIs(t, err, jwtx.ErrMissingKeyID)

	_, err = jwtx.Parse(forge(okHeader, `{"val":"hello","kid":"kid-1","iat":1709294400}`, zeroSig))
	assert.ErrorIs(t, err, jwtx.ErrMissingIssuer)

	// sin kid ni iss: se reporta primero el kid
	_, err = jwtx.Parse(forge(`{"alg":"ES256"}`, `{"val":"x","iat":1}`, zeroSig))
	assert.ErrorIs(t, err, jwtx.ErrMissingKeyID)
}

func TestParse_OptionalTyp(t *testing.T) {
	_, err := jwtx.Parse(forge(`{"alg":"ES256","kid":"kid-1"}`, okClaims, zeroSig))
	assert.NoError(t, err)
}

func TestParse_RandomInputNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.=+/ {}\"\x00\xff"
	for i := 0; i < 5000; i++ {
		n := rng.Intn(300)
		b := make([]byte, n)
		for j := range b {
			if i%2 == 0 {
				b[j] = alphabet[rng.Intn(len(alphabet))]
			} else {
				b[j] = byte(rng.Intn(256))
			}
		}
		require.NotPanics(t, func() {
			_, err := jwtx.Parse(string(b))
			require.Error(t, err)
			require.True(t,
				errors.Is(err, jwtx.ErrMalformedToken) ||
					errors.Is(err, jwtx.ErrMissingKeyID) ||
					errors.Is(err, jwtx.ErrMissingIssuer),
				"unexpected error type: %v", err)
		})
	}
}

func FuzzParse(f *testing.F) {
	f.Add("")
	f.Add("a.b.c")
	f.Add(forge(okHeader, okClaims, zeroSig))
	f.Fuzz(func(t *testing.T, raw string) {
		pt, err := jwtx.Parse(raw)
		if err == nil && pt.KeyID() == "" {
			t.Fatalf("parsed token without kid")
		}
	})
}
