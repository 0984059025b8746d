package resolver

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/xqr/internal/keys"
)

func mustPub(t *testing.T) *ecdsa.PublicKey {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp.Public
}

func jwksJSON(t *testing.T, set map[string]*ecdsa.PublicKey) []byte {
	t.Helper()
	var doc jose.JSONWebKeySet
	for kid, pub := range set {
		doc.Keys = append(doc.Keys, jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: "ES256", Use: "sig"})
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

// jwksServer sirve body en /.well-known/jwks.json y cuenta requests.
func jwksServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// countingResolver delega en fn y cuenta llamadas.
type countingResolver struct {
	calls atomic.Int32
	fn    func(ctx context.Context, iss, kid string) (*ecdsa.PublicKey, error)
}

func (c *countingResolver) Resolve(ctx context.Context, iss, kid string) (*ecdsa.PublicKey, error) {
	c.calls.Add(1)
	return c.fn(ctx, iss, kid)
}

// staticResolver resuelve desde un mapa fijo kid → clave.
type staticResolver map[string]*ecdsa.PublicKey

func (s staticResolver) Resolve(_ context.Context, _ string, keyID string) (*ecdsa.PublicKey, error) {
	if k, ok := s[keyID]; ok && k != nil {
		return k, nil
	}
	return nil, notFound("kid %q", clip(keyID))
}
