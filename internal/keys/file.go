package keys

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PublicPath deriva la ruta de la clave pública cambiando la extensión de la
// privada por ".pub" (keys/issuer.pem -> keys/issuer.pub).
func PublicPath(privatePath string) string {
	return strings.TrimSuffix(privatePath, filepath.Ext(privatePath)) + ".pub"
}

// SaveKeyPair escribe la privada en path (0600) y la pública en PublicPath(path)
// (0644). Si passphrase no está vacía la privada se cifra. Devuelve la ruta pública.
func SaveKeyPair(path string, kp *KeyPair, passphrase string) (string, error) {
	var (
		privPEM []byte
		err     error
	)
	if passphrase != "" {
		privPEM, err = EncryptPrivate(kp, passphrase, DefaultKDF)
	} else {
		privPEM, err = ExportPrivate(kp)
	}
	if err != nil {
		return "", err
	}
	pubPEM, err := ExportPublic(kp)
	if err != nil {
		return "", err
	}

	pubPath := PublicPath(path)
	if filepath.Clean(pubPath) == filepath.Clean(path) {
		return "", fmt.Errorf("private key path %q must not end in .pub", path)
	}
	if err := WriteFileAtomic(path, privPEM, 0o600); err != nil {
		return "", fmt.Errorf("save private key: %w", err)
	}
	if err := WriteFileAtomic(pubPath, pubPEM, 0o644); err != nil {
		return "", fmt.Errorf("save public key: %w", err)
	}
	return pubPath, nil
}

// ReadPrivateFile carga una clave privada PEM (cifrada o no) desde disco.
func ReadPrivateFile(path, passphrase string) (*KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadPrivateWithPassphrase(b, passphrase)
}

// ReadPublicFile carga una clave pública PEM desde disco.
func ReadPublicFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := LoadPublic(b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteFileAtomic escribe data en path: tmp → fsync → chmod → rename. Si el
// rename falla (Windows con destino bloqueado) intenta remove+rename.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}
