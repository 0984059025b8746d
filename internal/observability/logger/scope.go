package logger

import (
	"context"

	"go.uber.org/zap"
)

// loggerKey guarda en el contexto el logger con campos del request
// (request_id, method, path). Lo instala el middleware de acceso.
type loggerKey struct{}

func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// From devuelve el logger del request o el global.
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, _ := ctx.Value(loggerKey{}).(*zap.Logger); l != nil {
			return l
		}
	}
	return L()
}

func FromWithFields(ctx context.Context, fields ...zap.Field) *zap.Logger {
	return From(ctx).With(fields...)
}

// S: variante printf para mensajes del CLI.
func S() *zap.SugaredLogger { return L().Sugar() }
