package keystore

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/xqr/internal/keys"
)

// FS implementa KeyStore sobre un directorio:
//   - <kid>.json: registro completo (estado, issuer, PEM público)
//   - *.pub: PEM público suelto (salida de generate-key-pair), se toma como
//     clave activa sin issuer. Su kid es el thumbprint RFC 7638, el mismo
//     que encode pone por defecto; el nombre del archivo no importa.
//
// Si un .json tiene el kid de un .pub manda el .json. Escrituras atómicas
// (tmp → fsync → rename).
type FS struct {
	dir string
	mu  sync.RWMutex

	// índice thumbprint → .pub, se reconstruye cuando cambia el mtime del dir
	idxMu  sync.Mutex
	idx    map[string]string
	idxMod time.Time
}

type keyFileData struct {
	KID          string     `json:"kid"`
	Issuer       string     `json:"issuer,omitempty"`
	Algorithm    string     `json:"algorithm"`
	PublicKeyPEM string     `json:"public_key_pem"`
	Status       KeyStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

const (
	extRecord = ".json"
	extPublic = ".pub"
)

func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: keystore dir is required", ErrInvalid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	return &FS{dir: filepath.Clean(dir)}, nil
}

func (s *FS) path(kid, ext string) string { return filepath.Join(s.dir, kid+ext) }

func (s *FS) GetKey(_ context.Context, kid string) (*Key, error) {
	// el kid se usa como nombre de archivo
	if !ValidKeyID(kid) {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(kid)
}

func (s *FS) load(kid string) (*Key, error) {
	k, err := s.loadRecord(kid)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	k, err = s.loadPub(kid)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *FS) loadRecord(kid string) (*Key, error) {
	data, err := os.ReadFile(s.path(kid, extRecord))
	if err != nil {
		return nil, err
	}
	var kd keyFileData
	if err := json.Unmarshal(data, &kd); err != nil {
		return nil, fmt.Errorf("unmarshal key %s: %w", kid, err)
	}
	if kd.KID != kid {
		return nil, fmt.Errorf("%w: key file %s holds kid %q", ErrInvalid, kid, kd.KID)
	}
	pub, err := keys.LoadPublic([]byte(kd.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", kid, err)
	}
	der, err := keys.MarshalPublicDER(pub)
	if err != nil {
		return nil, err
	}
	return &Key{
		KID:       kd.KID,
		Issuer:    kd.Issuer,
		Alg:       kd.Algorithm,
		PublicKey: der,
		Status:    kd.Status,
		CreatedAt: kd.CreatedAt,
		RetiredAt: kd.RetiredAt,
	}, nil
}

func (s *FS) loadPub(kid string) (*Key, error) {
	idx, err := s.looseIndex()
	if err != nil {
		return nil, err
	}
	path, ok := idx[kid]
	if !ok {
		return nil, fs.ErrNotExist
	}
	pub, created, err := readLoose(path)
	if err != nil {
		return nil, err
	}
	// reescrito en el lugar: ya no es este kid
	if tp, err := keys.Thumbprint(pub); err != nil || tp != kid {
		return nil, fs.ErrNotExist
	}
	der, err := keys.MarshalPublicDER(pub)
	if err != nil {
		return nil, err
	}
	return &Key{KID: kid, Alg: keys.Algorithm, PublicKey: der, Status: KeyActive, CreatedAt: created}, nil
}

func readLoose(path string) (*ecdsa.PublicKey, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	pub, err := keys.LoadPublic(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	var created time.Time
	if st, err := os.Stat(path); err == nil {
		created = st.ModTime().UTC().Truncate(time.Second)
	}
	return pub, created, nil
}

// looseIndex devuelve thumbprint → ruta de cada .pub legible. Los .pub que
// no parsean como clave ES256 no tienen kid y se ignoran.
func (s *FS) looseIndex() (map[string]string, error) {
	st, err := os.Stat(s.dir)
	if err != nil {
		return nil, err
	}
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if s.idx != nil && st.ModTime().Equal(s.idxMod) {
		return s.idx, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string)
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != extPublic {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		pub, _, err := readLoose(path)
		if err != nil {
			continue
		}
		tp, err := keys.Thumbprint(pub)
		if err != nil {
			continue
		}
		if _, dup := idx[tp]; !dup {
			idx[tp] = path
		}
	}
	s.idx, s.idxMod = idx, st.ModTime()
	return idx, nil
}

func (s *FS) ListPublicKeys(ctx context.Context) ([]Key, error) {
	all, err := s.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, k := range all {
		if k.Status.Publishable() {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FS) ListKeys(_ context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []Key
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || filepath.Ext(name) != extRecord {
			continue
		}
		kid := strings.TrimSuffix(name, extRecord)
		if !ValidKeyID(kid) {
			continue
		}
		k, err := s.loadRecord(kid)
		if err != nil {
			return nil, err
		}
		seen[kid] = true
		out = append(out, *k)
	}
	idx, err := s.looseIndex()
	if err != nil {
		return nil, err
	}
	for kid := range idx {
		if seen[kid] {
			continue
		}
		k, err := s.loadPub(kid)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (s *FS) InsertKey(_ context.Context, k *Key) error {
	if err := validate(k); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(k.KID); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.save(k)
}

func (s *FS) RetireKey(_ context.Context, kid string) error {
	if !ValidKeyID(kid) {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.load(kid)
	if err != nil {
		return err
	}
	if k.Status == KeyRetired {
		return nil
	}
	now := time.Now().UTC().Truncate(time.Second)
	k.Status = KeyRetired
	k.RetiredAt = &now
	// Un .pub suelto queda eclipsado por el .json retirado.
	return s.save(k)
}

func (s *FS) save(k *Key) error {
	kd := keyFileData{
		KID:          k.KID,
		Issuer:       k.Issuer,
		Algorithm:    k.Alg,
		PublicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: k.PublicKey})),
		Status:       k.Status,
		CreatedAt:    k.CreatedAt,
		RetiredAt:    k.RetiredAt,
	}
	data, err := json.MarshalIndent(kd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", k.KID, err)
	}
	if err := keys.WriteFileAtomic(s.path(k.KID, extRecord), data, 0o644); err != nil {
		return fmt.Errorf("save key %s: %w", k.KID, err)
	}
	return nil
}

func (s *FS) Close() error { return nil }
