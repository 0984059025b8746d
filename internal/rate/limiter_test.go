package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_PerKeyBurst(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, r.Allowed)
	}
	r, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Greater(t, r.RetryAfter, time.Duration(0))

	// otra clave tiene su propio bucket
	r, _ = l.Allow(ctx, "b")
	assert.True(t, r.Allowed)

	// se recarga con el tiempo
	now = now.Add(time.Second)
	r, _ = l.Allow(ctx, "a")
	assert.True(t, r.Allowed)
}

func TestLocalLimiter_SweepsIdleKeys(t *testing.T) {
	l := NewLocalLimiter(10, 0)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	_, _ = l.Allow(ctx, "b")
	assert.Equal(t, 2, l.size())

	now = now.Add(time.Hour)
	_, _ = l.Allow(ctx, "c")
	assert.Equal(t, 1, l.size())
}
