package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/xqr/internal/keys"
	"github.com/dropDatabas3/xqr/internal/keystore"
)

func TestLocal_Resolve(t *testing.T) {
	ctx := context.Background()
	st := keystore.NewMemory()

	pub := mustPub(t)
	k, err := keystore.NewKey(pub, "kid-1", "")
	require.NoError(t, err)
	require.NoError(t, st.InsertKey(ctx, k))

	scoped, err := keystore.NewKey(mustPub(t), "kid-scoped", "issuer-a")
	require.NoError(t, err)
	require.NoError(t, st.InsertKey(ctx, scoped))

	l := NewLocal(st)

	got, err := l.Resolve(ctx, "anything", "kid-1")
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, got))

	_, err = l.Resolve(ctx, "issuer-a", "kid-scoped")
	assert.NoError(t, err)
	_, err = l.Resolve(ctx, "issuer-b", "kid-scoped")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = l.Resolve(ctx, "issuer-a", "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.False(t, Retryable(err))

	_, err = l.Resolve(ctx, "issuer-a", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, st.RetireKey(ctx, "kid-1"))
	_, err = l.Resolve(ctx, "anything", "kid-1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLocal_NoStore(t *testing.T) {
	_, err := NewLocal(nil).Resolve(context.Background(), "i", "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
