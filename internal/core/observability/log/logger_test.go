package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	t.Run("Fields And Scope", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		l := Wrap(zap.New(core))

		scoped := l.With(String("component", "replica"))
		scoped.Info("applied", Int("changes", 3), Uint64("version", 9), Error(errors.New("boom")))

		entries := logs.All()
		require.Len(t, entries, 1)
		ctx := entries[0].ContextMap()
		require.Equal(t, "replica", ctx["component"])
		require.Equal(t, int64(3), ctx["changes"])
		require.Equal(t, uint64(9), ctx["version"])
		require.Equal(t, "boom", ctx["error"])
	})

	t.Run("Level Is Shared With Children", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		l := Wrap(zap.New(core))
		child := l.With(String("k", "v"))

		l.SetLevel(LevelWarn)
		require.Equal(t, LevelWarn, child.GetLevel())
		child.Info("dropped")
		child.Warn("kept")
		require.Equal(t, 1, logs.Len())
	})

	t.Run("Request ID From Context", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		l := Wrap(zap.New(core))

		ctx := ContextWithRequestID(context.Background(), "req-1")
		l.WithContext(ctx).Info("handled")
		require.Equal(t, "req-1", logs.All()[0].ContextMap()["request_id"])
	})

	t.Run("Nop", func(t *testing.T) {
		NewNop().With(String("a", "b")).Error("nothing")
	})
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		parsed, err := ParseLevel(lvl.String())
		require.NoError(t, err)
		require.Equal(t, lvl, parsed)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}
