package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestFrom_FallsBackToGlobal(t *testing.T) {
	logs := observed(t)
	From(context.Background()).Info("global")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "global", logs.All()[0].Message)
}

func TestToContext(t *testing.T) {
	_ = observed(t)
	core, scoped := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core))

	FromWithFields(ctx, RequestID("req-1")).Warn("scoped", KeyID("kid-1"))
	require.Equal(t, 1, scoped.Len())
	fields := scoped.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "kid-1", fields["kid"])
}

func TestFields(t *testing.T) {
	logs := observed(t)
	L().Info("verify",
		Issuer("https://issuer.example"), Reason("expired"), State("parsed"),
		Strategy("local"), Status(422), Err(errors.New("boom")), Count(3))
	m := logs.All()[0].ContextMap()
	assert.Equal(t, "https://issuer.example", m["iss"])
	assert.Equal(t, "expired", m["reason"])
	assert.Equal(t, "parsed", m["state"])
	assert.Equal(t, "local", m["strategy"])
	assert.EqualValues(t, 422, m["status"])
	assert.Equal(t, "boom", m["error"])
	assert.EqualValues(t, 3, m["count"])
}

func TestSugarAndNamed(t *testing.T) {
	logs := observed(t)
	S().Infof("saved %s", "k.pem")
	Named("serve").Info("up")
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "saved k.pem", logs.All()[0].Message)
	assert.Equal(t, "serve", logs.All()[1].LoggerName)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nope"))
}
