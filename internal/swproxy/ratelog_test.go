package swproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedLoggerSuppresses(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := newRateLimitedLogger(zap.New(core), time.Hour)

	l.Warn("cache write failed", zap.String("key", "a"))
	l.Warn("cache write failed", zap.String("key", "b"))
	l.Warn("cache write failed", zap.String("key", "c"))
	require.Equal(t, 1, logs.Len())

	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.Warn("cache write failed", zap.String("key", "d"))
	require.Equal(t, 2, logs.Len())
	last := logs.All()[1].ContextMap()
	assert.Equal(t, "d", last["key"])
	assert.Equal(t, int64(2), last["suppressed"])
}
