package resolver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/dropDatabas3/xqr/internal/keystore"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
	"github.com/dropDatabas3/xqr/internal/rate"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultMaxResponseBytes = 64 << 10
	wellKnownJWKS           = "/.well-known/jwks.json"
)

// RemoteOptions configura Remote.
type RemoteOptions struct {
	// Client HTTP; nil => cliente propio sin redirects.
	Client *http.Client
	// Timeout por búsqueda (además del contexto del caller).
	Timeout time.Duration
	// MaxResponseBytes acota el JWKS leído.
	MaxResponseBytes int64
	// AllowedIssuers: si no está vacío, solo se consultan estos issuers.
	AllowedIssuers []string
	// JWKSURLs fija la URL del JWKS por issuer (en vez de <issuer>/.well-known/jwks.json).
	JWKSURLs map[string]string
	// AllowInsecureHTTP permite issuers http:// (solo desarrollo).
	AllowInsecureHTTP bool
	// Limiter frena búsquedas por issuer; nil => sin límite.
	Limiter rate.Limiter
}

// Remote trata al issuer como autoridad de red y busca el kid en su JWKS.
type Remote struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	allowed  map[string]bool
	jwksURLs map[string]string
	insecure bool
	limiter  rate.Limiter
}

func NewRemote(o RemoteOptions) *Remote {
	r := &Remote{
		client:   o.Client,
		timeout:  o.Timeout,
		maxBytes: o.MaxResponseBytes,
		jwksURLs: make(map[string]string, len(o.JWKSURLs)),
		insecure: o.AllowInsecureHTTP,
		limiter:  o.Limiter,
	}
	if r.client == nil {
		r.client = &http.Client{
			// un JWKS que redirige a otro host no es del issuer
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.maxBytes <= 0 {
		r.maxBytes = DefaultMaxResponseBytes
	}
	if len(o.AllowedIssuers) > 0 {
		r.allowed = make(map[string]bool, len(o.AllowedIssuers))
		for _, iss := range o.AllowedIssuers {
			r.allowed[iss] = true
		}
	}
	for iss, u := range o.JWKSURLs {
		r.jwksURLs[iss] = u
	}
	return r
}

// JWKSURL devuelve la URL del JWKS para issuer o un error si el issuer no es
// una autoridad aceptable.
func (r *Remote) JWKSURL(issuer string) (string, error) {
	if r.allowed != nil && !r.allowed[issuer] {
		return "", fmt.Errorf("%w: %w", ErrKeyNotFound, ErrIssuerNotAllowed)
	}
	if u, ok := r.jwksURLs[issuer]; ok {
		if _, err := r.checkURL(u); err != nil {
			return "", err
		}
		return u, nil
	}
	base, err := r.checkURL(issuer)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + wellKnownJWKS
	base.RawPath = ""
	return base.String(), nil
}

func (r *Remote) checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, notFound("issuer is not an absolute URL")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && r.insecure:
	default:
		return nil, notFound("issuer scheme %q not allowed", clip(u.Scheme))
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return nil, notFound("issuer URL must not carry userinfo, query or fragment")
	}
	return u, nil
}

type jwksDoc struct {
	Keys []json.RawMessage `json:"keys"`
}

type jwkHeader struct {
	Kid string `json:"kid"`
}

func (r *Remote) Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	if !keystore.ValidKeyID(keyID) {
		return nil, notFound("invalid key id %q", clip(keyID))
	}
	endpoint, err := r.JWKSURL(issuer)
	if err != nil {
		return nil, err
	}
	if r.limiter != nil {
		res, lerr := r.limiter.Allow(ctx, issuer)
		if lerr != nil {
			logger.From(ctx).Warn("jwks rate limiter failed", logger.Component("resolver"), logger.Err(lerr))
		} else if !res.Allowed {
			return nil, fmt.Errorf("%w: %w (retry after %s)", ErrResolutionTransport, ErrRateLimited, res.RetryAfter)
		}
	}

	doc, err := r.fetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	logger.From(ctx).Debug("jwks fetched", logger.Component("resolver"), logger.URL(endpoint), logger.Count(len(doc.Keys)))
	for _, raw := range doc.Keys {
		var h jwkHeader
		if json.Unmarshal(raw, &h) != nil || h.Kid != keyID {
			continue
		}
		return decodeJWK(raw)
	}
	return nil, notFound("kid %q not published by issuer", keyID)
}

func (r *Remote) fetch(parent context.Context, endpoint string) (*jwksDoc, error) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, notFound("bad jwks url")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classify(parent, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, notFound("issuer publishes no jwks (status %d)", resp.StatusCode)
	default:
		return nil, transport("jwks status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, classify(parent, err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, transport("jwks exceeds %d bytes", r.maxBytes)
	}
	var doc jwksDoc
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
		return nil, transport("invalid jwks document: %v", err)
	}
	return &doc, nil
}

// decodeJWK decodifica una JWK individual y exige una clave ES256 de firma.
func decodeJWK(raw json.RawMessage) (*ecdsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, transport("invalid jwk: %v", err)
	}
	if !jwk.IsPublic() {
		return nil, transport("jwk is not a public key")
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, notFound("kid %q is not an EC P-256 key", jwk.KeyID)
	}
	if jwk.Use != "" && jwk.Use != "sig" {
		return nil, notFound("kid %q has use %q", jwk.KeyID, clip(jwk.Use))
	}
	if jwk.Algorithm != "" && jwk.Algorithm != string(jose.ES256) {
		return nil, notFound("kid %q has alg %q", jwk.KeyID, clip(jwk.Algorithm))
	}
	return pub, nil
}
