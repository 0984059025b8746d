package resolver

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/xqr/internal/cache"
	"github.com/dropDatabas3/xqr/internal/keys"
	"github.com/dropDatabas3/xqr/internal/metrics"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
)

const DefaultCacheTTL = 10 * time.Minute

// Cached decora un Resolver cacheando solo los éxitos. Las fallas nunca se
// cachean: un error transitorio se reintenta en la próxima verificación.
// Misses concurrentes para el mismo (issuer, kid) comparten una sola búsqueda.
//
// Cada kid tiene una generación guardada en el mismo backend; las entradas
// llevan la generación en la key. InvalidateKID la cambia y con eso todas las
// copias de ese kid (cualquier issuer, cualquier réplica que comparta el
// backend) dejan de ser alcanzables.
type Cached struct {
	next  Resolver
	cache cache.Client
	ttl   time.Duration
	sf    singleflight.Group
}

func NewCached(next Resolver, c cache.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{next: next, cache: c, ttl: ttl}
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cacheKey: hash de (issuer, kid) separado por NUL; ninguno de los dos puede
// componer la key del otro y el largo queda fijo aunque el input sea hostil.
func cacheKey(issuer, keyID string) string {
	return "xqr:key:" + hashParts(issuer, keyID)
}

func genKey(keyID string) string { return "xqr:kidgen:" + hashParts(keyID) }

// entryKey es la key efectiva de una entrada en la generación gen.
func entryKey(issuer, keyID, gen string) string { return cacheKey(issuer, keyID) + ":" + gen }

// generation devuelve la generación vigente del kid ("0" si nunca se invalidó).
func (c *Cached) generation(ctx context.Context, keyID string) (string, error) {
	b, err := c.cache.Get(ctx, genKey(keyID))
	switch {
	case err == nil:
		return string(b), nil
	case cache.IsNotFound(err):
		return "0", nil
	default:
		return "", err
	}
}

func (c *Cached) Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	log := logger.FromWithFields(ctx, logger.Component("resolver"))

	gen, err := c.generation(ctx, keyID)
	if err != nil {
		// cache caído: se resuelve igual sin leer ni escribir entradas
		metrics.ResolverCacheTotal.WithLabelValues("error").Inc()
		log.Warn("resolver cache get failed", logger.Err(err))
		return c.shared(ctx, "nocache:"+cacheKey(issuer, keyID), issuer, keyID, "")
	}

	key := entryKey(issuer, keyID, gen)
	if der, err := c.cache.Get(ctx, key); err == nil {
		if pub, perr := keys.ParsePublicDER(der); perr == nil {
			metrics.ResolverCacheTotal.WithLabelValues("hit").Inc()
			return pub, nil
		}
		// entrada corrupta: se descarta y se resuelve de nuevo
		_ = c.cache.Delete(ctx, key)
		metrics.ResolverCacheTotal.WithLabelValues("error").Inc()
	} else if !cache.IsNotFound(err) {
		metrics.ResolverCacheTotal.WithLabelValues("error").Inc()
		log.Warn("resolver cache get failed", logger.Err(err))
	} else {
		metrics.ResolverCacheTotal.WithLabelValues("miss").Inc()
	}
	return c.shared(ctx, key, issuer, keyID, gen)
}

// shared corre la búsqueda real una sola vez por key. gen vacío => no se cachea.
func (c *Cached) shared(ctx context.Context, key, issuer, keyID, gen string) (*ecdsa.PublicKey, error) {
	// La búsqueda compartida no depende de la cancelación de un caller
	// puntual; cada caller sí puede abandonar la espera.
	bg := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		pub, err := c.next.Resolve(bg, issuer, keyID)
		if err != nil {
			return nil, err
		}
		if gen != "" {
			c.store(bg, key, keyID, gen, pub)
		}
		return pub, nil
	})

	select {
	case <-ctx.Done():
		return nil, classify(ctx, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		pub, ok := res.Val.(*ecdsa.PublicKey)
		if !ok || pub == nil {
			return nil, errors.New("resolver returned no key")
		}
		return pub, nil
	}
}

// store escribe la entrada salvo que el kid se haya invalidado durante la búsqueda.
func (c *Cached) store(ctx context.Context, key, keyID, gen string, pub *ecdsa.PublicKey) {
	log := logger.FromWithFields(ctx, logger.Component("resolver"))
	if now, err := c.generation(ctx, keyID); err != nil || now != gen {
		log.Debug("resolver cache write skipped", logger.KeyID(clip(keyID)))
		return
	}
	der, err := keys.MarshalPublicDER(pub)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, der, c.ttl); err != nil {
		log.Warn("resolver cache set failed", logger.Err(err))
	}
}

// InvalidateKID descarta toda clave cacheada bajo keyID, para cualquier
// issuer. La próxima verificación vuelve a resolverla.
func (c *Cached) InvalidateKID(ctx context.Context, keyID string) error {
	return InvalidateKID(ctx, c.cache, keyID, c.ttl)
}

// Stats expone las estadísticas del backend.
func (c *Cached) Stats(ctx context.Context) (cache.Stats, error) { return c.cache.Stats(ctx) }

// InvalidateKID cambia la generación de keyID en el backend c. ttl es el TTL
// de las entradas de quien cachea; la generación vive el doble para que
// ninguna entrada vieja vuelva a quedar alcanzable cuando expire.
// Sirve para invalidar desde otro proceso que comparte el backend (CLI + Redis).
func InvalidateKID(ctx context.Context, c cache.Client, keyID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return c.Set(ctx, genKey(keyID), []byte(uuid.NewString()), 2*ttl)
}
