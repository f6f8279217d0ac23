package logger_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/phrazzld/consistency/internal/config"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithWriter(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	buf := &logger.TestLogBuffer{}
	log, err := logger.SetupWithWriter(config.LogConfig{Level: "warn", Format: "json"}, buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", "peer_id", "node-a")

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
	assert.Equal(t, "node-a", entries[0]["peer_id"])
	assert.Same(t, log, slog.Default())
}

func TestSetupTextFormat(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	buf := &logger.TestLogBuffer{}
	log, err := logger.SetupWithWriter(config.LogConfig{Level: "debug", Format: "text"}, buf)
	require.NoError(t, err)

	log.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel(""))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel("Error"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("verbose"))
}

func TestFromContextOrDefault(t *testing.T) {
	t.Parallel()

	defaultLogger := logger.DiscardLogger()
	customLogger, _ := logger.GetTestLogger(t)

	//nolint:staticcheck // nil context is part of the contract
	assert.Equal(t, defaultLogger, logger.FromContextOrDefault(nil, defaultLogger))
	assert.Equal(t, defaultLogger, logger.FromContextOrDefault(context.Background(), defaultLogger))

	ctx := logger.WithLogger(context.Background(), customLogger)
	assert.Equal(t, customLogger, logger.FromContextOrDefault(ctx, defaultLogger))
}

func TestWithLoggerNilPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		logger.WithLogger(context.Background(), nil)
	})
}

func TestCorrelationIDIsAttached(t *testing.T) {
	t.Parallel()

	log, buf := logger.GetTestLogger(t)
	ctx := logger.WithLogger(context.Background(), log)
	ctx = logger.WithCorrelationID(ctx, "cycle-42")

	assert.Equal(t, "cycle-42", logger.CorrelationID(ctx))
	logger.FromContext(ctx).Info("tick")

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cycle-42", entries[0]["correlation_id"])
}
