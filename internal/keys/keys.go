// Package keys es el proveedor de material de claves de XQR: un par ECDSA
// P-256 (ES256), su serialización PEM y el kid derivado por thumbprint.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

const (
	// Algorithm es el único algoritmo soportado.
	Algorithm = "ES256"

	pemPrivate   = "PRIVATE KEY"
	pemECPrivate = "EC PRIVATE KEY"
	pemPublic    = "PUBLIC KEY"
)

var (
	ErrInvalidKey       = errors.New("invalid_key")
	ErrUnsupportedCurve = errors.New("unsupported_curve")
	ErrEncryptedKey     = errors.New("encrypted_key_requires_passphrase")
	ErrDecrypt          = errors.New("key_decryption_failed")
)

// KeyPair es la clave de firma del issuer. Solo Public se comparte.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// Generate crea un par P-256 nuevo desde crypto/rand.
func Generate() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p-256 key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// ExportPrivate serializa la clave privada como PEM PKCS#8.
func ExportPrivate(kp *KeyPair) ([]byte, error) {
	der, err := privateDER(kp)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivate, Bytes: der}), nil
}

// ExportPublic serializa la clave pública como PEM PKIX.
func ExportPublic(kp *KeyPair) ([]byte, error) {
	if kp == nil || kp.Public == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidKey)
	}
	der, err := MarshalPublicDER(kp.Public)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublic, Bytes: der}), nil
}

// LoadPrivate carga un par desde PEM (PKCS#8 o SEC1). Si el PEM está cifrado
// devuelve ErrEncryptedKey; usar LoadPrivateWithPassphrase.
func LoadPrivate(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	switch block.Type {
	case pemEncrypted:
		return nil, ErrEncryptedKey
	case pemPrivate:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return fromPrivate(k)
	case pemECPrivate:
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return fromPrivate(k)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
}

// LoadPublic carga una clave pública PEM PKIX.
func LoadPublic(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	if block.Type != pemPublic {
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
	return ParsePublicDER(block.Bytes)
}

// MarshalPublicDER serializa pub como DER PKIX (formato de store y cache).
func MarshalPublicDER(pub *ecdsa.PublicKey) ([]byte, error) {
	if err := checkCurve(pub); err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return der, nil
}

// ParsePublicDER es la inversa de MarshalPublicDER.
func ParsePublicDER(der []byte) (*ecdsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := k.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected ECDSA public key, got %T", ErrInvalidKey, k)
	}
	if err := checkCurve(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// Thumbprint calcula el JWK thumbprint RFC 7638 (SHA-256, base64url). Es el
// kid por defecto de una clave.
func Thumbprint(pub *ecdsa.PublicKey) (string, error) {
	if err := checkCurve(pub); err != nil {
		return "", err
	}
	tp, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// Equal compara dos claves públicas.
func Equal(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

func fromPrivate(k any) (*KeyPair, error) {
	priv, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected ECDSA private key, got %T", ErrInvalidKey, k)
	}
	if err := checkCurve(&priv.PublicKey); err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

func privateDER(kp *KeyPair) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, fmt.Errorf("%w: missing private key", ErrInvalidKey)
	}
	if err := checkCurve(&kp.Private.PublicKey); err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return der, nil
}

func checkCurve(pub *ecdsa.PublicKey) error {
	if pub == nil || pub.Curve == nil {
		return fmt.Errorf("%w: missing public key", ErrInvalidKey)
	}
	if pub.Curve != elliptic.P256() {
		return fmt.Errorf("%w: %s", ErrUnsupportedCurve, pub.Curve.Params().Name)
	}
	return nil
}
