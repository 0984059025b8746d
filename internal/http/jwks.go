package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/xqr/internal/keystore"
)

// JWKSPublisher sirve el JWKS de las claves publicables del registro, cacheado
// por un TTL corto. Invalidate fuerza la reconstrucción en el próximo Get.
type JWKSPublisher struct {
	store keystore.KeyStore
	ttl   time.Duration
	now   func() time.Time

	mu   sync.RWMutex
	data json.RawMessage
	exp  time.Time
	gen  uint64 // se incrementa en cada Invalidate
	sf   singleflight.Group
}

func NewJWKSPublisher(store keystore.KeyStore, ttl time.Duration) *JWKSPublisher {
	return &JWKSPublisher{store: store, ttl: ttl, now: time.Now}
}

// Get devuelve el JWKS JSON.
func (p *JWKSPublisher) Get(ctx context.Context) (json.RawMessage, error) {
	p.mu.RLock()
	if p.data != nil && p.now().Before(p.exp) {
		data := p.data
		p.mu.RUnlock()
		return data, nil
	}
	gen := p.gen
	p.mu.RUnlock()

	v, err, _ := p.sf.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		list, err := p.store.ListPublicKeys(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		data, err := BuildJWKS(list)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		// una invalidación durante la carga descarta este resultado
		if p.gen == gen {
			p.data = data
			p.exp = p.now().Add(p.ttl)
		}
		p.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Invalidate descarta el JWKS cacheado.
func (p *JWKSPublisher) Invalidate() {
	p.mu.Lock()
	p.data = nil
	p.gen++
	p.mu.Unlock()
}

// BuildJWKS arma el JWKS (RFC 7517) de keys. Claves que no decodifican se omiten.
func BuildJWKS(keys []keystore.Key) (json.RawMessage, error) {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		if !k.Status.Publishable() {
			continue
		}
		pub, err := k.ECDSA()
		if err != nil {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     k.KID,
			Algorithm: k.Alg,
			Use:       "sig",
		})
	}
	b, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshal jwks: %w", err)
	}
	return b, nil
}
