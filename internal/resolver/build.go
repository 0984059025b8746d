package resolver

import (
	"fmt"
	"time"

	"github.com/dropDatabas3/xqr/internal/cache"
	"github.com/dropDatabas3/xqr/internal/keystore"
)

// IssuerRule fija la estrategia para un issuer concreto.
type IssuerRule struct {
	Issuer  string
	Mode    Mode
	JWKSURL string // solo remote; vacío => <issuer>/.well-known/jwks.json
}

// Options describe la cadena de resolución completa.
type Options struct {
	DefaultMode Mode
	Rules       []IssuerRule
	Store       keystore.KeyStore // requerido si algún modo es local
	Remote      RemoteOptions
	Cache       cache.Client // nil => sin cache
	CacheTTL    time.Duration
}

// Chain es el resolver armado más los componentes que el caller puede querer
// tocar (invalidación de cache, introspección de la política).
type Chain struct {
	Resolver Resolver
	Router   *Router
	Cached   *Cached // nil si no hay cache o ningún modo es remote
}

// Build arma Router(Local, Cached(Remote)) según o. El registro local se
// consulta en cada verificación: retirar una clave corta en el acto, en
// cualquier proceso que comparta el store. Solo se cachean las claves remotas.
func Build(o Options) (*Chain, error) {
	modes := map[Mode]bool{o.DefaultMode: true}
	rules := make(map[string]Mode, len(o.Rules))
	ro := o.Remote
	ro.JWKSURLs = make(map[string]string, len(o.Remote.JWKSURLs))
	for iss, u := range o.Remote.JWKSURLs {
		ro.JWKSURLs[iss] = u
	}
	for _, r := range o.Rules {
		if r.Issuer == "" {
			return nil, fmt.Errorf("resolver rule without issuer")
		}
		if _, dup := rules[r.Issuer]; dup {
			return nil, fmt.Errorf("duplicate resolver rule for issuer %q", r.Issuer)
		}
		rules[r.Issuer] = r.Mode
		modes[r.Mode] = true
		if r.JWKSURL != "" {
			if r.Mode != ModeRemote {
				return nil, fmt.Errorf("issuer %q: jwks_url requires mode remote", r.Issuer)
			}
			ro.JWKSURLs[r.Issuer] = r.JWKSURL
		}
	}

	var local, remote Resolver
	if modes[ModeLocal] {
		if o.Store == nil {
			return nil, fmt.Errorf("resolver mode local requires a key store")
		}
		local = NewLocal(o.Store)
	}
	var cached *Cached
	if modes[ModeRemote] {
		remote = NewRemote(ro)
		if o.Cache != nil {
			cached = NewCached(remote, o.Cache, o.CacheTTL)
			remote = cached
		}
	}

	router, err := NewRouter(o.DefaultMode, rules, local, remote)
	if err != nil {
		return nil, err
	}
	return &Chain{Resolver: router, Router: router, Cached: cached}, nil
}
