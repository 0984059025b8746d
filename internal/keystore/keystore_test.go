package keystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/xqr/internal/keys"
	migrations "github.com/dropDatabas3/xqr/migrations/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T, kid string) (*Key, *keys.KeyPair) {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	k, err := NewKey(kp.Public, kid, "issuer-a")
	require.NoError(t, err)
	return k, kp
}

// exerciseStore corre el mismo contrato contra cualquier backend.
func exerciseStore(t *testing.T, s KeyStore) {
	ctx := context.Background()

	_, err := s.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetKey(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	k1, kp1 := newKey(t, "kid-1")
	k1.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	k2, _ := newKey(t, "kid-2")
	k2.CreatedAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertKey(ctx, k1))
	require.NoError(t, s.InsertKey(ctx, k2))
	assert.ErrorIs(t, s.InsertKey(ctx, k1), ErrConflict)

	got, err := s.GetKey(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, KeyActive, got.Status)
	assert.Equal(t, "issuer-a", got.Issuer)
	assert.Equal(t, keys.Algorithm, got.Alg)
	pub, err := got.ECDSA()
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, kp1.Public))

	list, err := s.ListPublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "kid-2", list[0].KID, "newest first")

	require.NoError(t, s.RetireKey(ctx, "kid-2"))
	require.NoError(t, s.RetireKey(ctx, "kid-2"))
	assert.ErrorIs(t, s.RetireKey(ctx, "nope"), ErrNotFound)

	got, err = s.GetKey(ctx, "kid-2")
	require.NoError(t, err)
	assert.Equal(t, KeyRetired, got.Status)
	assert.NotNil(t, got.RetiredAt)

	list, err = s.ListPublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "kid-1", list[0].KID)

	all, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "kid-1", all[0].KID)
	assert.Equal(t, KeyRetired, all[1].Status)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFS(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFS_LoosePublicKeyFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kp, err := keys.Generate()
	require.NoError(t, err)
	_, err = keys.SaveKeyPair(filepath.Join(dir, "offline-1.pem"), kp, "")
	require.NoError(t, err)
	// la privada no es un registro del keystore
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pub"), []byte("garbage"), 0o644))
	kid, err := keys.Thumbprint(kp.Public)
	require.NoError(t, err)

	s, err := NewFS(dir)
	require.NoError(t, err)

	// el kid es el thumbprint que encode usa por defecto, no el nombre
	_, err = s.GetKey(ctx, "offline-1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.GetKey(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, kid, got.KID)
	assert.Equal(t, KeyActive, got.Status)
	assert.Empty(t, got.Issuer)
	pub, err := got.ECDSA()
	require.NoError(t, err)
	assert.True(t, keys.Equal(pub, kp.Public))

	list, err := s.ListPublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kid, list[0].KID)

	// retirar un .pub suelto escribe un registro que lo eclipsa
	require.NoError(t, s.RetireKey(ctx, kid))
	got, err = s.GetKey(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, KeyRetired, got.Status)
	list, err = s.ListPublicKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	all, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, s.InsertKey(ctx, &Key{KID: kid, PublicKey: got.PublicKey}), ErrConflict)
}

func TestFS_LooseFileAddedLater(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFS(dir)
	require.NoError(t, err)
	list, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	kp, err := keys.Generate()
	require.NoError(t, err)
	kid, err := keys.Thumbprint(kp.Public)
	require.NoError(t, err)
	_, err = s.GetKey(ctx, kid)
	require.ErrorIs(t, err, ErrNotFound)

	// el índice se reconstruye al cambiar el directorio
	_, err = keys.SaveKeyPair(filepath.Join(dir, "issuer.pem"), kp, "")
	require.NoError(t, err)
	s.idxMu.Lock()
	s.idxMod = time.Time{}
	s.idxMu.Unlock()
	got, err := s.GetKey(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, KeyActive, got.Status)
}

func TestFS_RejectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	s, err := NewFS(dir)
	require.NoError(t, err)
	_, err = s.GetKey(context.Background(), "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewKey_DefaultsKidToThumbprint(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	k, err := NewKey(kp.Public, "", "")
	require.NoError(t, err)
	tp, err := keys.Thumbprint(kp.Public)
	require.NoError(t, err)
	assert.Equal(t, tp, k.KID)
	assert.True(t, ValidKeyID(k.KID))

	_, err = NewKey(kp.Public, "has space", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	k, _ := newKey(t, "kid-1")
	k.Status = "bogus"
	assert.ErrorIs(t, validate(k), ErrInvalid)

	k, _ = newKey(t, "kid-1")
	k.PublicKey = []byte("garbage")
	assert.ErrorIs(t, validate(k), ErrInvalid)

	k, _ = newKey(t, "kid-1")
	k.Alg = "RS256"
	assert.ErrorIs(t, validate(k), ErrInvalid)

	k, _ = newKey(t, "kid-1")
	k.Status, k.Alg = "", ""
	require.NoError(t, validate(k))
	assert.Equal(t, KeyActive, k.Status)
	assert.Equal(t, keys.Algorithm, k.Alg)
}

func TestValidKeyID(t *testing.T) {
	for _, kid := range []string{"kid-1", "a", "2024-03.key_A", "Zm9v-YmFy_"} {
		assert.True(t, ValidKeyID(kid), kid)
	}
	for _, kid := range []string{"", ".", "..", "../x", "a/b", `a\b`, "a b", "kid\x00", string(make([]byte, 129))} {
		assert.False(t, ValidKeyID(kid), "%q", kid)
	}
}

func TestParseMigrations(t *testing.T) {
	migs, err := ParseMigrations(migrations.FS, migrations.Dir)
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	assert.Equal(t, 1, migs[0].Version)
	assert.Equal(t, "xqr_keys", migs[0].Name)
	assert.Contains(t, migs[0].SQL, "CREATE TABLE IF NOT EXISTS xqr_keys")
}

// Requiere un Postgres real: XQR_TEST_PG_DSN=postgres://... go test ./internal/keystore
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("XQR_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("XQR_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "postgres", DSN: dsn, Migrate: true})
	require.NoError(t, err)
	defer s.Close()

	pg := s.(*Postgres)
	_, err = pg.Pool().Exec(ctx, `DELETE FROM xqr_keys WHERE kid IN ('kid-1','kid-2')`)
	require.NoError(t, err)
	// segunda corrida: las migraciones ya aplicadas se saltean
	require.NoError(t, pg.Migrate(ctx))

	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(context.Background(), Config{Driver: "fs", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FS{}, s)

	_, err = Open(context.Background(), Config{Driver: "fs"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Open(context.Background(), Config{Driver: "sqlite"})
	assert.Error(t, err)
}
