package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FACEINDEX/config"
	"FACEINDEX/engine"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Engine.Dimension = 16
	cfg.Metadata.Backend = "memory"
	cfg.Blob.Backend = "memory"
	cfg.Vector.Backend = "memory"
	cfg.Embedding.Backend = "deterministic"
	cfg.Legacy.Backend = "memory"
	cfg.Checkpoint.Dir = t.TempDir()
	return cfg
}

func TestNewWithMemoryBackends(t *testing.T) {
	cfg := memoryConfig(t)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx := context.Background()
	require.NoError(t, a.Engine.Collections.EnsureDefault(ctx))

	res, err := a.Engine.Indexer.Index(ctx, engine.IndexRequest{Image: []byte("portrait"), UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "default", res.CollectionID)

	report := a.Engine.Health(ctx)
	assert.True(t, report.Healthy(), report.Components)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Vector.Backend = "faiss"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faiss")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	NewLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy(config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Nil(t, p.Limiter)

	p = RetryPolicy(config.RetryConfig{MaxAttempts: 1, RatePerSecond: 20, Burst: 0})
	require.NotNil(t, p.Limiter)
	assert.Equal(t, 1, p.Limiter.Burst())
}

func TestEngineOptions(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Engine.MultiFacePolicy = "reject"
	cfg.Engine.VectorEcho = false
	cfg.Engine.DeleteRetries = 7

	opts, err := EngineOptions(cfg.Engine, RetryPolicy(cfg.Retry))
	require.NoError(t, err)
	assert.Equal(t, engine.MultiFaceReject, opts.MultiFacePolicy)
	assert.True(t, opts.DisableVectorEcho)
	assert.Equal(t, 7, opts.DeleteRetry.MaxAttempts)
	assert.Equal(t, 16, opts.Dimension)

	cfg.Engine.MultiFacePolicy = "all"
	_, err = EngineOptions(cfg.Engine, RetryPolicy(cfg.Retry))
	assert.Error(t, err)
}
