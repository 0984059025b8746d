package resolver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/dropDatabas3/xqr/internal/keystore"
)

// Local resuelve contra un keystore indexado por kid. El issuer no participa
// del lookup; solo se compara si el registro declara uno.
type Local struct {
	store keystore.KeyStore
}

func NewLocal(store keystore.KeyStore) *Local { return &Local{store: store} }

func (l *Local) Resolve(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	if l == nil || l.store == nil {
		return nil, notFound("no local key store configured")
	}
	if !keystore.ValidKeyID(keyID) {
		return nil, notFound("invalid key id %q", clip(keyID))
	}
	k, err := l.store.GetKey(ctx, keyID)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, notFound("kid %q", keyID)
	}
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("keystore: %w", err))
	}
	if !k.Status.Publishable() {
		return nil, notFound("kid %q is %s", keyID, k.Status)
	}
	if k.Issuer != "" && k.Issuer != issuer {
		return nil, notFound("kid %q is not registered for this issuer", keyID)
	}
	pub, err := k.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("%w: stored key %q: %v", ErrKeyNotFound, keyID, err)
	}
	return pub, nil
}
