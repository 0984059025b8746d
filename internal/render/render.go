// Package render convierte tokens en códigos QR (PNG o texto para terminal).
package render

import (
	"errors"
	"fmt"
	"io"
	"os"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize es el lado del PNG en pixels.
const DefaultSize = 256

// ErrCapacity indica que el contenido no entra en un QR con la corrección
// de errores elegida.
var ErrCapacity = errors.New("qr_capacity_exceeded")

func newCode(content string) (*qrcode.QRCode, error) {
	if content == "" {
		return nil, fmt.Errorf("render: empty content")
	}
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrCapacity, len(content), err)
	}
	return q, nil
}

// PNG renderiza content como imagen PNG de size x size. size <= 0 usa DefaultSize.
func PNG(content string, size int) ([]byte, error) {
	q, err := newCode(content)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	return q.PNG(size)
}

// SavePNG escribe el PNG en path (0644).
func SavePNG(path, content string, size int) error {
	b, err := PNG(content, size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Terminal devuelve el QR como bloques unicode de media altura.
func Terminal(content string) (string, error) {
	q, err := newCode(content)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

// WriteTerminal imprime el QR en w.
func WriteTerminal(w io.Writer, content string) error {
	s, err := Terminal(content)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}
