package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FACEINDEX/engine"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) ReconcileCounts(context.Context) (engine.ReconcileResult, error) {
	r.calls.Add(1)
	return engine.ReconcileResult{Checked: 2, Corrected: 1}, r.err
}

func TestSchedulerRunsReconcile(t *testing.T) {
	rec := &countingReconciler{}
	s, err := New(rec, Config{Enabled: true, ReconcileInterval: 20 * time.Millisecond}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerDisabled(t *testing.T) {
	rec := &countingReconciler{}
	s, err := New(rec, Config{Enabled: false, ReconcileInterval: 10 * time.Millisecond}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	assert.Zero(t, rec.calls.Load())

	res, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Corrected)
	assert.EqualValues(t, 1, rec.calls.Load())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{ReconcileInterval: time.Second}, nil)
	assert.Error(t, err)

	_, err = New(&countingReconciler{}, Config{}, nil)
	assert.Error(t, err)
}
