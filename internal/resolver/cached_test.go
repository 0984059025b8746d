package resolver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/xqr/internal/cache"
	"github.com/dropDatabas3/xqr/internal/keys"
)

func TestCached_CachesSuccessOnly(t *testing.T) {
	ctx := context.Background()
	pub := mustPub(t)
	fail := true
	next := &countingResolver{fn: func(_ context.Context, iss, kid string) (*ecdsa.PublicKey, error) {
		if fail {
			return nil, transport("issuer down")
		}
		return pub, nil
	}}
	c := NewCached(next, cache.NewMemory("", 0), time.Minute)

	// las fallas no se cachean
	_, err := c.Resolve(ctx, "iss", "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)
	_, err = c.Resolve(ctx, "iss", "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTransport)
	assert.EqualValues(t, 2, next.calls.Load())

	fail = false
	got, err := c.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))

	got, err = c.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))
	assert.EqualValues(t, 3, next.calls.Load())

	// la key incluye el issuer
	_, err = c.Resolve(ctx, "other-iss", "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, next.calls.Load())
}

func TestCached_InvalidateKID(t *testing.T) {
	ctx := context.Background()
	first, second := mustPub(t), mustPub(t)
	var mu sync.Mutex
	current := first
	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	}}
	c := NewCached(next, cache.NewMemory("", 0), time.Hour)

	for _, iss := range []string{"iss-a", "iss-b"} {
		got, err := c.Resolve(ctx, iss, "kid-1")
		require.NoError(t, err)
		assert.True(t, keys.Equal(first, got))
	}

	mu.Lock()
	current = second
	mu.Unlock()
	got, _ := c.Resolve(ctx, "iss-a", "kid-1")
	assert.True(t, keys.Equal(first, got), "served from cache")

	// invalidar por kid alcanza a todos los issuers
	require.NoError(t, c.InvalidateKID(ctx, "kid-1"))
	for _, iss := range []string{"iss-a", "iss-b"} {
		got, err := c.Resolve(ctx, iss, "kid-1")
		require.NoError(t, err)
		assert.True(t, keys.Equal(second, got), iss)
	}
	assert.EqualValues(t, 4, next.calls.Load())
}

func TestCached_InvalidateKIDAcrossInstances(t *testing.T) {
	ctx := context.Background()
	pub := mustPub(t)
	shared := cache.NewMemory("", 0)
	nextA := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) { return pub, nil }}
	a := NewCached(nextA, shared, time.Hour)

	_, err := a.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	_, err = a.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, nextA.calls.Load())

	// otro proceso con el mismo backend (p.ej. el CLI contra Redis)
	require.NoError(t, InvalidateKID(ctx, shared, "kid-1", time.Hour))

	_, err = a.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, nextA.calls.Load())
}

func TestCached_InvalidationDuringLookupIsNotWrittenBack(t *testing.T) {
	ctx := context.Background()
	stale, fresh := mustPub(t), mustPub(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	current := stale
	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) {
		mu.Lock()
		pub := current
		mu.Unlock()
		if pub == stale {
			close(entered)
			<-release
		}
		return pub, nil
	}}
	mem := cache.NewMemory("", 0)
	c := NewCached(next, mem, time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "iss", "kid-1")
		done <- err
	}()
	<-entered
	require.NoError(t, c.InvalidateKID(ctx, "kid-1"))
	close(release)
	require.NoError(t, <-done)

	// la clave leída antes de invalidar no quedó en el cache
	_, err := mem.Get(ctx, entryKey("iss", "kid-1", "0"))
	assert.True(t, cache.IsNotFound(err))

	mu.Lock()
	current = fresh
	mu.Unlock()
	got, err := c.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(fresh, got))
	assert.EqualValues(t, 2, next.calls.Load())

	got, err = c.Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(fresh, got))
	assert.EqualValues(t, 2, next.calls.Load(), "fresh key is cached")
}

func TestCached_Stats(t *testing.T) {
	c := NewCached(staticResolver{}, cache.NewMemory("", 0), time.Minute)
	st, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Driver)
}

func TestCached_TTL(t *testing.T) {
	ctx := context.Background()
	pub := mustPub(t)
	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) { return pub, nil }}
	c := NewCached(next, cache.NewMemory("", 0), 30*time.Millisecond)

	_, _ = c.Resolve(ctx, "iss", "kid-1")
	time.Sleep(60 * time.Millisecond)
	_, _ = c.Resolve(ctx, "iss", "kid-1")
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCached_DeduplicatesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	pub := mustPub(t)
	release := make(chan struct{})
	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) {
		<-release
		return pub, nil
	}}
	c := NewCached(next, cache.NewMemory("", 0), time.Minute)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(ctx, "iss", "kid-1")
			errs <- err
		}()
	}
	// dar tiempo a que todos entren al singleflight
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestCached_CallerCanAbandon(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) {
		<-release
		return nil, errors.New("unreachable")
	}}
	c := NewCached(next, cache.NewMemory("", 0), time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, "iss", "kid-1")
	assert.ErrorIs(t, err, ErrResolutionTimeout)
}

// brokenCache simula un backend caído (p.ej. redis sin conexión).
type brokenCache struct{ cache.Client }

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errors.New("conn refused") }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("conn refused")
}
func (brokenCache) Delete(context.Context, string) error { return errors.New("conn refused") }

func TestCached_BackendDownFallsThrough(t *testing.T) {
	pub := mustPub(t)
	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) { return pub, nil }}
	c := NewCached(next, brokenCache{}, time.Minute)

	got, err := c.Resolve(context.Background(), "iss", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))
}

func TestCached_CorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	pub := mustPub(t)
	mem := cache.NewMemory("", 0)
	require.NoError(t, mem.Set(ctx, entryKey("iss", "kid-1", "0"), []byte("garbage"), 0))

	next := &countingResolver{fn: func(context.Context, string, string) (*ecdsa.PublicKey, error) { return pub, nil }}
	got, err := NewCached(next, mem, time.Minute).Resolve(ctx, "iss", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestCacheKey(t *testing.T) {
	assert.NotEqual(t, cacheKey("ab", "c"), cacheKey("a", "bc"))
	assert.Equal(t, cacheKey("iss", "kid"), cacheKey("iss", "kid"))
	assert.Len(t, cacheKey("x", string(make([]byte, 10000))), len("xqr:key:")+64)
	assert.NotEqual(t, entryKey("iss", "kid", "0"), entryKey("iss", "kid", "1"))
	assert.NotEqual(t, genKey("a"), genKey("b"))
}
