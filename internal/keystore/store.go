// Package keystore es el registro de claves públicas de verificación: kid →
// clave P-256 + estado. Lo consumen resolver.Local (verificación offline) y el
// publicador JWKS del servicio HTTP.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dropDatabas3/xqr/internal/keys"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
)

type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyRetiring KeyStatus = "retiring"
	KeyRetired  KeyStatus = "retired"
)

// Publishable indica si una clave con este estado se publica y verifica.
func (s KeyStatus) Publishable() bool { return s == KeyActive || s == KeyRetiring }

// Key es un registro del keystore. PublicKey es DER PKIX.
type Key struct {
	KID       string
	Issuer    string // vacío => cualquier issuer
	Alg       string // "ES256"
	PublicKey []byte
	Status    KeyStatus
	CreatedAt time.Time
	RetiredAt *time.Time
}

// ECDSA decodifica la clave pública.
func (k *Key) ECDSA() (*ecdsa.PublicKey, error) {
	return keys.ParsePublicDER(k.PublicKey)
}

// NewKey arma un registro activo para pub. kid vacío => thumbprint RFC 7638.
func NewKey(pub *ecdsa.PublicKey, kid, issuer string) (*Key, error) {
	der, err := keys.MarshalPublicDER(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if kid == "" {
		if kid, err = keys.Thumbprint(pub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if !ValidKeyID(kid) {
		return nil, fmt.Errorf("%w: kid %q", ErrInvalid, kid)
	}
	return &Key{
		KID:       kid,
		Issuer:    issuer,
		Alg:       keys.Algorithm,
		PublicKey: der,
		Status:    KeyActive,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}, nil
}

// KeyStore persiste claves públicas por kid.
type KeyStore interface {
	// GetKey devuelve la clave con ese kid en cualquier estado, o ErrNotFound.
	GetKey(ctx context.Context, kid string) (*Key, error)
	// ListPublicKeys devuelve las claves publicables (active + retiring).
	ListPublicKeys(ctx context.Context) ([]Key, error)
	// ListKeys devuelve todas las claves, incluidas las retiradas.
	ListKeys(ctx context.Context) ([]Key, error)
	// InsertKey agrega una clave nueva; ErrConflict si el kid ya existe.
	InsertKey(ctx context.Context, k *Key) error
	// RetireKey marca la clave como retired; ErrNotFound si no existe.
	RetireKey(ctx context.Context, kid string) error
	Close() error
}

// kidPattern acota los kid aceptados. Los kid vienen de tokens no confiables y
// terminan en nombres de archivo y queries.
var kidPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidKeyID reporta si kid es aceptable como identificador de clave.
func ValidKeyID(kid string) bool {
	return kidPattern.MatchString(kid) && kid != "." && kid != ".."
}

func validate(k *Key) error {
	if k == nil {
		return fmt.Errorf("%w: nil key", ErrInvalid)
	}
	if !ValidKeyID(k.KID) {
		return fmt.Errorf("%w: kid %q", ErrInvalid, k.KID)
	}
	if k.Alg != "" && k.Alg != keys.Algorithm {
		return fmt.Errorf("%w: alg %q", ErrInvalid, k.Alg)
	}
	if _, err := keys.ParsePublicDER(k.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch k.Status {
	case KeyActive, KeyRetiring, KeyRetired:
	case "":
		k.Status = KeyActive
	default:
		return fmt.Errorf("%w: status %q", ErrInvalid, k.Status)
	}
	if k.Alg == "" {
		k.Alg = keys.Algorithm
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	return nil
}

// less ordena: active primero, luego retiring, luego retired; dentro de
// cada estado las más nuevas primero.
func less(a, b Key) bool {
	ra, rb := statusRank(a.Status), statusRank(b.Status)
	if ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.KID < b.KID
}

func statusRank(s KeyStatus) int {
	switch s {
	case KeyActive:
		return 0
	case KeyRetiring:
		return 1
	default:
		return 2
	}
}

// Config selecciona el backend.
type Config struct {
	Driver string // "memory" | "fs" | "postgres"
	Dir    string // fs
	DSN    string // postgres
	// Migrate aplica las migraciones embebidas al abrir (postgres).
	Migrate bool
}

// Open abre el backend configurado.
func Open(ctx context.Context, cfg Config) (KeyStore, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(), nil
	case "fs":
		return NewFS(cfg.Dir)
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("keystore: unknown driver %q", cfg.Driver)
	}
}
