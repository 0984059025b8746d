package resolver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/xqr/internal/keys"
	"github.com/dropDatabas3/xqr/internal/rate"
)

func insecure() RemoteOptions { return RemoteOptions{AllowInsecureHTTP: true} }

func TestRemote_Resolve(t *testing.T) {
	pub := mustPub(t)
	other := mustPub(t)
	srv, hits := jwksServer(t, jwksJSON(t, map[string]*ecdsa.PublicKey{"kid-1": pub, "kid-2": other}))

	r := NewRemote(insecure())
	got, err := r.Resolve(context.Background(), srv.URL, "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))

	_, err = r.Resolve(context.Background(), srv.URL, "kid-9")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRemote_TLS(t *testing.T) {
	pub := mustPub(t)
	body := jwksJSON(t, map[string]*ecdsa.PublicKey{"kid-1": pub})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	r := NewRemote(RemoteOptions{Client: srv.Client()})
	got, err := r.Resolve(context.Background(), srv.URL, "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))
}

func TestRemote_StatusMapping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code == http.StatusFound {
			http.Redirect(w, r, "https://evil.example/jwks.json", code)
			return
		}
		w.WriteHeader(code)
	}))
	defer srv.Close()
	r := NewRemote(insecure())

	_, err := r.Resolve(context.Background(), srv.URL, "kid-1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	status.Store(http.StatusServiceUnavailable)
	_, err = r.Resolve(context.Background(), srv.URL, "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)
	assert.True(t, Retryable(err))

	// no se siguen redirects
	status.Store(http.StatusFound)
	_, err = r.Resolve(context.Background(), srv.URL, "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)
}

func TestRemote_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	o := insecure()
	o.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := NewRemote(o).Resolve(context.Background(), srv.URL, "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRemote_CallerCancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := NewRemote(insecure()).Resolve(ctx, srv.URL, "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemote_ResponseLimits(t *testing.T) {
	big := `{"keys":[],"pad":"` + strings.Repeat("x", 2048) + `"}`
	srv, _ := jwksServer(t, []byte(big))
	o := insecure()
	o.MaxResponseBytes = 1024
	_, err := NewRemote(o).Resolve(context.Background(), srv.URL, "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)

	srv2, _ := jwksServer(t, []byte("<html>"))
	_, err = NewRemote(insecure()).Resolve(context.Background(), srv2.URL, "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)
}

func TestRemote_RejectsUnsuitableKeys(t *testing.T) {
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	p256 := mustPub(t)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &p384.PublicKey, KeyID: "p384"},
		{Key: p256, KeyID: "enc", Use: "enc"},
		{Key: p256, KeyID: "rs", Algorithm: "RS256"},
		{Key: p256, KeyID: "bare"},
	}}
	body, err := json.Marshal(set)
	require.NoError(t, err)
	// una JWK rota no impide encontrar las demás
	body = []byte(strings.Replace(string(body), `"keys":[`, `"keys":[{"kid":"broken","kty":"EC"},`, 1))
	srv, _ := jwksServer(t, body)
	r := NewRemote(insecure())

	for _, kid := range []string{"p384", "enc", "rs"} {
		_, err := r.Resolve(context.Background(), srv.URL, kid)
		assert.ErrorIs(t, err, ErrKeyNotFound, kid)
	}
	_, err = r.Resolve(context.Background(), srv.URL, "broken")
	assert.ErrorIs(t, err, ErrResolutionTransport)

	got, err := r.Resolve(context.Background(), srv.URL, "bare")
	require.NoError(t, err)
	assert.True(t, keys.Equal(p256, got))
}

func TestRemote_IssuerPolicy(t *testing.T) {
	r := NewRemote(RemoteOptions{AllowedIssuers: []string{"https://good.example"}})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "https://evil.example", "kid-1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, err, ErrIssuerNotAllowed)

	open := NewRemote(RemoteOptions{})
	for _, iss := range []string{
		"issuer-a",
		"http://plain.example",
		"https://user:pw@x.example",
		"https://x.example/?a=b",
		"https://x.example/#frag",
		"file:///etc/passwd",
		"https://",
	} {
		_, err := open.Resolve(ctx, iss, "kid-1")
		assert.ErrorIs(t, err, ErrKeyNotFound, iss)
	}

	_, err = open.Resolve(ctx, "https://x.example", "../kid")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemote_JWKSURL(t *testing.T) {
	r := NewRemote(RemoteOptions{JWKSURLs: map[string]string{"urn:acme": "https://keys.acme.example/v1/jwks"}})

	u, err := r.JWKSURL("https://iss.example/tenant/")
	require.NoError(t, err)
	assert.Equal(t, "https://iss.example/tenant/.well-known/jwks.json", u)

	u, err = r.JWKSURL("https://iss.example")
	require.NoError(t, err)
	assert.Equal(t, "https://iss.example/.well-known/jwks.json", u)

	u, err = r.JWKSURL("urn:acme")
	require.NoError(t, err)
	assert.Equal(t, "https://keys.acme.example/v1/jwks", u)
}

func TestRemote_RateLimitedPerIssuer(t *testing.T) {
	pub := mustPub(t)
	srv, hits := jwksServer(t, jwksJSON(t, map[string]*ecdsa.PublicKey{"kid-1": pub}))
	o := insecure()
	o.Limiter = rate.NewLocalLimiter(0.001, 1)
	r := NewRemote(o)

	_, err := r.Resolve(context.Background(), srv.URL, "kid-1")
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), srv.URL, "random-kid")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, ErrResolutionTransport)
	assert.EqualValues(t, 1, hits.Load())
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, classify(ctx, context.DeadlineExceeded), ErrResolutionTimeout)
	assert.ErrorIs(t, classify(ctx, errors.New("conn refused")), ErrResolutionTransport)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := classify(canceled, errors.New("whatever"))
	assert.ErrorIs(t, err, ErrResolutionTransport)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "not_found", Result(notFound("x")))
	assert.Equal(t, "timeout", Result(classify(ctx, context.DeadlineExceeded)))
	assert.Equal(t, "transport", Result(transport("x")))
}
