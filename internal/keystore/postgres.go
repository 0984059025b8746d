package keystore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/dropDatabas3/xqr/migrations/postgres"
)

// Postgres implementa KeyStore sobre la tabla xqr_keys.
type Postgres struct{ pool *pgxpool.Pool }

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalid)
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("keystore: postgres ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool expone el pool interno (migraciones, healthchecks).
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

const selectKey = `SELECT kid, issuer, alg, public_key, status, created_at, retired_at FROM xqr_keys`

func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	var status string
	if err := row.Scan(&k.KID, &k.Issuer, &k.Alg, &k.PublicKey, &status, &k.CreatedAt, &k.RetiredAt); err != nil {
		return nil, err
	}
	k.Status = KeyStatus(status)
	return &k, nil
}

func (s *Postgres) GetKey(ctx context.Context, kid string) (*Key, error) {
	if !ValidKeyID(kid) {
		return nil, ErrNotFound
	}
	k, err := scanKey(s.pool.QueryRow(ctx, selectKey+` WHERE kid = $1`, kid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

// ListPublicKeys: claves publicables (active + retiring)
func (s *Postgres) ListPublicKeys(ctx context.Context) ([]Key, error) {
	return s.query(ctx, selectKey+` WHERE status IN ('active','retiring') ORDER BY status ASC, created_at DESC, kid ASC`)
}

func (s *Postgres) ListKeys(ctx context.Context) ([]Key, error) {
	out, err := s.query(ctx, selectKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (s *Postgres) query(ctx context.Context, q string) ([]Key, error) {
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertKey(ctx context.Context, k *Key) error {
	if err := validate(k); err != nil {
		return err
	}
	const q = `
INSERT INTO xqr_keys (kid, issuer, alg, public_key, status, created_at, retired_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, k.KID, k.Issuer, k.Alg, k.PublicKey, string(k.Status), k.CreatedAt, k.RetiredAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *Postgres) RetireKey(ctx context.Context, kid string) error {
	if !ValidKeyID(kid) {
		return ErrNotFound
	}
	const q = `UPDATE xqr_keys SET status = 'retired', retired_at = COALESCE(retired_at, now()) WHERE kid = $1`
	tag, err := s.pool.Exec(ctx, q, kid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ====================== MIGRACIONES ======================

// Migration es un archivo {version}_{name}.sql embebido.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// ParseMigrations lee las migraciones embebidas ordenadas por versión.
func ParseMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: m[2], SQL: string(b)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate aplica las migraciones pendientes, cada una en su transacción.
func (s *Postgres) Migrate(ctx context.Context) error {
	const ensure = `
CREATE TABLE IF NOT EXISTS xqr_migrations (
    version INT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ DEFAULT now()
)`
	if _, err := s.pool.Exec(ctx, ensure); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	migs, err := ParseMigrations(migrations.FS, migrations.Dir)
	if err != nil {
		return fmt.Errorf("parsing migrations: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT version FROM xqr_migrations`)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[int(v)] = true
	}

	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO xqr_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %d_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}
