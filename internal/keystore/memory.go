package keystore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory es un KeyStore en memoria (tests, modo offline efímero).
type Memory struct {
	mu   sync.RWMutex
	keys map[string]Key
}

func NewMemory() *Memory { return &Memory{keys: make(map[string]Key)} }

func (m *Memory) GetKey(_ context.Context, kid string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[kid]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(k), nil
}

func (m *Memory) ListPublicKeys(ctx context.Context) ([]Key, error) {
	return m.list(func(k Key) bool { return k.Status.Publishable() }), nil
}

func (m *Memory) ListKeys(ctx context.Context) ([]Key, error) {
	return m.list(func(Key) bool { return true }), nil
}

func (m *Memory) list(keep func(Key) bool) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		if keep(k) {
			out = append(out, *clone(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *Memory) InsertKey(_ context.Context, k *Key) error {
	if err := validate(k); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.KID]; ok {
		return ErrConflict
	}
	m.keys[k.KID] = *clone(*k)
	return nil
}

func (m *Memory) RetireKey(_ context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[kid]
	if !ok {
		return ErrNotFound
	}
	if k.Status != KeyRetired {
		now := time.Now().UTC().Truncate(time.Second)
		k.Status = KeyRetired
		k.RetiredAt = &now
		m.keys[kid] = k
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func clone(k Key) *Key {
	cp := k
	cp.PublicKey = append([]byte(nil), k.PublicKey...)
	if k.RetiredAt != nil {
		t := *k.RetiredAt
		cp.RetiredAt = &t
	}
	return &cp
}
