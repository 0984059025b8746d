package jwt

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// ClaimSet es el payload firmado. Es inmutable una vez construido: Encode
// valida y devuelve un valor, nunca un puntero compartido.
type ClaimSet struct {
	Value     string     // valor atestiguado, opaco para el protocolo
	Issuer    string     // autoridad firmante (lookup de clave)
	KeyID     string     // clave concreta del issuer
	IssuedAt  time.Time  // precisión de segundos, UTC
	ExpiresAt *time.Time // nil => válido para siempre
}

// Validate chequea los invariantes del ClaimSet.
func (c ClaimSet) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("%w: issuer is required", ErrInvalidClaim)
	}
	if c.KeyID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidClaim)
	}
	for name, s := range map[string]string{"value": c.Value, "issuer": c.Issuer, "key id": c.KeyID} {
		if !utf8.ValidString(s) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidClaim, name)
		}
	}
	if c.IssuedAt.IsZero() {
		return fmt.Errorf("%w: issued_at is required", ErrInvalidClaim)
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Before(c.IssuedAt) {
		return fmt.Errorf("%w: expires_at before issued_at", ErrInvalidClaim)
	}
	return nil
}

// Codec convierte valores de aplicación en ClaimSets. Now es inyectable
// (tests, relojes simulados); nil usa time.Now.
type Codec struct {
	Now func() time.Time
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Encode arma un ClaimSet con issued_at = now. validFor > 0 fija
// expires_at = now + validFor (redondeado hacia arriba al segundo);
// validFor == 0 significa sin expiración; validFor < 0 es inválido.
func (c Codec) Encode(value, issuer, keyID string, validFor time.Duration) (ClaimSet, error) {
	if validFor < 0 {
		return ClaimSet{}, fmt.Errorf("%w: negative validity %s", ErrInvalidClaim, validFor)
	}
	iat := c.now().UTC().Truncate(time.Second)
	cs := ClaimSet{
		Value:    value,
		Issuer:   issuer,
		KeyID:    keyID,
		IssuedAt: iat,
	}
	if validFor > 0 {
		exp := iat.Add(validFor)
		if t := exp.Truncate(time.Second); !t.Equal(exp) {
			exp = t.Add(time.Second)
		}
		cs.ExpiresAt = &exp
	}
	if err := cs.Validate(); err != nil {
		return ClaimSet{}, err
	}
	return cs, nil
}

// Decode es la proyección inversa: devuelve el valor atestiguado.
func (c Codec) Decode(cs ClaimSet) string {
	return cs.Value
}

// Encode usa el reloj del sistema. Ver Codec.Encode.
func Encode(value, issuer, keyID string, validFor time.Duration) (ClaimSet, error) {
	return Codec{}.Encode(value, issuer, keyID, validFor)
}
