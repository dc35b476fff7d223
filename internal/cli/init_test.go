package cli

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_InstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := SetupLogger("debug", "json")
	assert.Same(t, logger.Logger, slog.Default())
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = SetupLogger("chatty", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestOpenStore(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := SetupLogger("error", "text")
	store := OpenStore(context.Background(), logger, filepath.Join(t.TempDir(), "cli.db"))
	require.NotNil(t, store)
	assert.NoError(t, store.Close())
}

func TestRunCleanup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	logger := SetupLogger("error", "text")

	ran := false
	RunCleanup(logger, time.Second, func(ctx context.Context) { ran = true })
	assert.True(t, ran)

	start := time.Now()
	RunCleanup(logger, 20*time.Millisecond, func(ctx context.Context) { <-ctx.Done() })
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalContext_Cancel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, cancel := SignalContext(SetupLogger("error", "text"))
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}
