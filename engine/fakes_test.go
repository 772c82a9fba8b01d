package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"FACEINDEX/blobstore"
	"FACEINDEX/checkpoint"
	"FACEINDEX/embedding"
	"FACEINDEX/legacy"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
	"FACEINDEX/retry"
	"FACEINDEX/vectorindex"
)

const testDim = 64

var errInjected = errors.New("injected failure")

type faultyVectors struct {
	vectorindex.Index

	mu          sync.Mutex
	upsertErr   error
	upsertLands bool
	onUpsert    func()
	queryErr    error
	// deleteFailures fails that many Delete calls; -1 fails all of them.
	deleteFailures int
	deleteCalls    atomic.Int32
}

func (f *faultyVectors) Upsert(ctx context.Context, collectionID, faceID string, v []float32) error {
	if f.onUpsert != nil {
		f.onUpsert()
	}
	if f.upsertErr != nil {
		if f.upsertLands {
			_ = f.Index.Upsert(context.Background(), collectionID, faceID, v)
		}
		return f.upsertErr
	}
	return f.Index.Upsert(ctx, collectionID, faceID, v)
}

func (f *faultyVectors) Query(ctx context.Context, collectionID string, v []float32, k int) ([]vectorindex.Candidate, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.Index.Query(ctx, collectionID, v, k)
}

func (f *faultyVectors) Delete(ctx context.Context, collectionID, faceID string) error {
	f.deleteCalls.Add(1)
	f.mu.Lock()
	fail := f.deleteFailures != 0
	if f.deleteFailures > 0 {
		f.deleteFailures--
	}
	f.mu.Unlock()
	if fail {
		return retry.Retryable(errInjected)
	}
	return f.Index.Delete(ctx, collectionID, faceID)
}

type faultyMeta struct {
	metastore.Store

	putErr   error
	putLands bool
	getErr   func(faceID string) error

	addCountErr error
	// onDeleteCollection runs right after a collection row is removed.
	onDeleteCollection func(collectionID string)
}

func (f *faultyMeta) AddFaceCount(ctx context.Context, collectionID string, delta int64) error {
	if f.addCountErr != nil {
		return f.addCountErr
	}
	return f.Store.AddFaceCount(ctx, collectionID, delta)
}

func (f *faultyMeta) DeleteCollection(ctx context.Context, collectionID string) error {
	if err := f.Store.DeleteCollection(ctx, collectionID); err != nil {
		return err
	}
	if f.onDeleteCollection != nil {
		f.onDeleteCollection(collectionID)
	}
	return nil
}

func (f *faultyMeta) PutIfAbsent(ctx context.Context, rec *models.FaceRecord) error {
	if f.putErr != nil {
		if f.putLands {
			_ = f.Store.PutIfAbsent(context.Background(), rec)
		}
		return f.putErr
	}
	return f.Store.PutIfAbsent(ctx, rec)
}

func (f *faultyMeta) Get(ctx context.Context, faceID string) (*models.FaceRecord, error) {
	if f.getErr != nil {
		if err := f.getErr(faceID); err != nil {
			return nil, err
		}
	}
	return f.Store.Get(ctx, faceID)
}

type faultyBlobs struct {
	blobstore.Store

	putErr    error
	deleteErr error
}

func (f *faultyBlobs) Put(ctx context.Context, key string, data []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, key, data)
}

func (f *faultyBlobs) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, key)
}

// scriptedEmbedder returns fixed faces, or maps image content to faces.
type scriptedEmbedder struct {
	faces  []embedding.Face
	byText map[string][]float32
	err    error
	hook   func()
	calls  atomic.Int32
}

func (s *scriptedEmbedder) Extract(ctx context.Context, image []byte) ([]embedding.Face, error) {
	s.calls.Add(1)
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.byText[string(image)]; ok {
		return []embedding.Face{{Vector: v, Confidence: 0.9}}, nil
	}
	return s.faces, nil
}

// hookEmbedder runs hook before delegating.
type hookEmbedder struct {
	embedding.Provider
	hook func()
}

func (h *hookEmbedder) Extract(ctx context.Context, image []byte) ([]embedding.Face, error) {
	h.hook()
	return h.Provider.Extract(ctx, image)
}

type testEnv struct {
	engine *Engine

	vectors *faultyVectors
	meta    *faultyMeta
	blobs   *faultyBlobs

	memVectors *vectorindex.Memory
	memMeta    *metastore.Memory
	memBlobs   *blobstore.Memory
	legacy     *legacy.Memory
	checkpts   *checkpoint.Memory
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Dimension = testDim
	opts.DeleteRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	opts.CompensationTimeout = 5 * time.Second
	return opts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestEnv(t *testing.T, opts Options, embedder embedding.Provider) *testEnv {
	t.Helper()
	if embedder == nil {
		embedder = embedding.NewDeterministic(opts.Dimension)
	}
	env := &testEnv{
		memVectors: vectorindex.NewMemory(opts.Dimension),
		memMeta:    metastore.NewMemory(),
		memBlobs:   blobstore.NewMemory(),
		legacy:     legacy.NewMemory(),
		checkpts:   checkpoint.NewMemory(),
	}
	env.vectors = &faultyVectors{Index: env.memVectors}
	env.meta = &faultyMeta{Store: env.memMeta}
	env.blobs = &faultyBlobs{Store: env.memBlobs}

	e, err := New(Deps{
		Embedder:    embedder,
		Vectors:     env.vectors,
		Meta:        env.meta,
		Blobs:       env.blobs,
		Legacy:      env.legacy,
		Checkpoints: env.checkpts,
		Logger:      discardLogger(),
	}, opts)
	require.NoError(t, err)
	require.NoError(t, e.Collections.EnsureDefault(context.Background()))
	env.engine = e
	return env
}

// requireEmpty asserts that nothing of faceID survived in any store.
func (env *testEnv) requireEmpty(t *testing.T) {
	t.Helper()
	require.Empty(t, env.memBlobs.Keys(), "blobs")
	require.Zero(t, env.memVectors.Len(), "vectors")
	require.Zero(t, env.memMeta.Len(), "metadata rows")
}

func (env *testEnv) index(t *testing.T, image, user, collection string) *IndexResult {
	t.Helper()
	res, err := env.engine.Indexer.Index(context.Background(), IndexRequest{
		Image:        []byte(image),
		UserID:       user,
		CollectionID: collection,
	})
	require.NoError(t, err)
	return res
}

func ptr[T any](v T) *T {
	return &v
}
