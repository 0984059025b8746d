package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS - PROTOCOLO
// =================================================================================

// Issuer campo para el issuer del token (sin verificar hasta State=verified).
func Issuer(v string) zap.Field { return zap.String("iss", v) }

// KeyID campo para el kid del token.
func KeyID(v string) zap.Field { return zap.String("kid", v) }

// Reason campo para el motivo de rechazo.
func Reason(v string) zap.Field { return zap.String("reason", v) }

// State campo para el estado de la máquina de verificación.
func State(v string) zap.Field { return zap.String("state", v) }

// Strategy campo para la estrategia de resolución de claves (local|remote).
func Strategy(v string) zap.Field { return zap.String("strategy", v) }

// URL campo para endpoints remotos (JWKS).
func URL(v string) zap.Field { return zap.String("url", v) }

// =================================================================================
// CAMPOS - HTTP
// =================================================================================

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }

// =================================================================================
// CAMPOS - SISTEMA
// =================================================================================

// Component campo para el componente/módulo.
func Component(v string) zap.Field { return zap.String("component", v) }

// Op campo para la operación actual.
func Op(v string) zap.Field { return zap.String("op", v) }

// Err campo para un error.
func Err(err error) zap.Field { return zap.Error(err) }

// Duration campo para duraciones.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Count campo para conteos.
func Count(v int) zap.Field { return zap.Int("count", v) }

// String campo string genérico.
func String(key, v string) zap.Field { return zap.String(key, v) }

// Bool campo bool genérico.
func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }
