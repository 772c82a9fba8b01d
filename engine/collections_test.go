package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FACEINDEX/apperr"
	"FACEINDEX/blobstore"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
	"FACEINDEX/vectorindex"
)

func TestCollections_Lifecycle(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	c := env.engine.Collections
	ctx := context.Background()

	col, err := c.Create(ctx, CreateCollectionRequest{CollectionID: "staff", Description: "office staff"})
	require.NoError(t, err)
	assert.Equal(t, "staff", col.Name)
	assert.Equal(t, "office staff", col.Description)

	_, err = c.Create(ctx, CreateCollectionRequest{CollectionID: "staff"})
	assert.Equal(t, apperr.CodeCollectionConflict, apperr.CodeOf(err))

	col, err = c.Update(ctx, "staff", "Staff", "everyone")
	require.NoError(t, err)
	assert.Equal(t, "Staff", col.Name)
	assert.Equal(t, "everyone", col.Description)

	cols, err := c.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, col := range cols {
		ids = append(ids, col.CollectionID)
	}
	assert.Equal(t, []string{"default", "staff"}, ids)

	require.NoError(t, c.Delete(ctx, "staff"))
	_, err = c.Get(ctx, "staff")
	assert.Equal(t, apperr.CodeCollectionNotFound, apperr.CodeOf(err))

	err = c.Delete(ctx, "staff")
	assert.Equal(t, apperr.CodeCollectionNotFound, apperr.CodeOf(err))
	_, err = c.Update(ctx, "staff", "x", "")
	assert.Equal(t, apperr.CodeCollectionNotFound, apperr.CodeOf(err))
}

func TestCollections_CreateValidation(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	c := env.engine.Collections

	for _, req := range []CreateCollectionRequest{
		{},
		{CollectionID: "has space"},
		{CollectionID: "ok", Name: string(make([]byte, 256))},
	} {
		_, err := c.Create(context.Background(), req)
		assert.Equal(t, apperr.CodeInputInvalid, apperr.CodeOf(err))
	}
}

func TestCollections_DeleteRefusesNonEmpty(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	ctx := context.Background()
	f := env.index(t, "photo", "u1", "team")

	// face_count drift must not matter; the face table decides.
	require.NoError(t, env.memMeta.SetFaceCount(ctx, "team", 0))
	err := env.engine.Collections.Delete(ctx, "team")
	assert.Equal(t, apperr.CodeCollectionNotEmpty, apperr.CodeOf(err))

	_, err = env.engine.Deleter.Delete(ctx, f.FaceID, "team")
	require.NoError(t, err)
	require.NoError(t, env.engine.Collections.Delete(ctx, "team"))
}

func TestCollections_DefaultCannotBeDeleted(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)

	err := env.engine.Collections.Delete(context.Background(), "")
	assert.Equal(t, apperr.CodeInputInvalid, apperr.CodeOf(err))
	err = env.engine.Collections.Delete(context.Background(), "default")
	assert.Equal(t, apperr.CodeInputInvalid, apperr.CodeOf(err))
}

func TestCollections_ReconcileCounts(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	ctx := context.Background()
	env.index(t, "a", "u1", "")
	env.index(t, "b", "u2", "")
	env.index(t, "c", "u1", "team")

	require.NoError(t, env.memMeta.SetFaceCount(ctx, "default", 17))

	res, err := env.engine.Collections.ReconcileCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 2, Corrected: 1}, res)

	col, err := env.engine.Collections.Get(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, col.FaceCount)
}

func TestCollections_FaceCountFailureDoesNotFailIndex(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	env.meta.addCountErr = errInjected

	// The projection update fails; the face is still indexed.
	f := env.index(t, "photo", "u1", "")
	_, err := env.memMeta.Get(context.Background(), f.FaceID)
	require.NoError(t, err)
}

func TestCollections_StaleCacheRestoresDeletedCollection(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	ctx := context.Background()
	_, err := env.engine.Collections.Resolve(ctx, "lobby")
	require.NoError(t, err)

	// Another process deletes the collection while this one still has it cached.
	require.NoError(t, env.memMeta.DeleteCollection(ctx, "lobby"))

	f := env.index(t, "photo", "u1", "lobby")
	col, err := env.engine.Collections.Get(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, col.FaceCount)

	_, cached := env.engine.Collections.known.Load("lobby")
	assert.False(t, cached)

	res, err := env.engine.Collections.ReconcileCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Corrected)
	_, err = env.memMeta.Get(ctx, f.FaceID)
	require.NoError(t, err)
}

func TestCollections_DeleteRacingIndexKeepsCollection(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	ctx := context.Background()
	_, err := env.engine.Collections.Create(ctx, CreateCollectionRequest{CollectionID: "lobby"})
	require.NoError(t, err)

	// A face commits between the emptiness check and the delete.
	env.meta.onDeleteCollection = func(id string) {
		rec := &models.FaceRecord{FaceID: "late", CollectionID: id, UserID: "u1", ImageKey: "k"}
		require.NoError(t, env.memMeta.PutIfAbsent(ctx, rec))
	}

	err = env.engine.Collections.Delete(ctx, "lobby")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCollectionNotEmpty, apperr.CodeOf(err))

	col, err := env.engine.Collections.Get(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, col.FaceCount)
}

func TestCollections_Stats(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)
	env.index(t, "a", "u1", "")
	env.index(t, "b", "u2", "x")
	env.index(t, "c", "u1", "x")

	st, err := env.engine.Collections.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.TotalFaces)
	assert.EqualValues(t, 2, st.TotalUsers)
	assert.EqualValues(t, 2, st.TotalCollections)
	assert.NotNil(t, st.LastActivity)
}

type unhealthyBlobs struct{ *blobstore.Memory }

func (unhealthyBlobs) Ping(context.Context) error { return errors.New("bucket gone") }

func TestEngine_Health(t *testing.T) {
	deps := Deps{
		Embedder: &scriptedEmbedder{},
		Vectors:  vectorindex.NewMemory(testDim),
		Meta:     metastore.NewMemory(),
		Blobs:    blobstore.NewMemory(),
		Logger:   discardLogger(),
	}
	e, err := New(deps, testOptions())
	require.NoError(t, err)

	report := e.Health(context.Background())
	assert.True(t, report.Healthy())
	assert.Equal(t, map[string]string{"vector_index": "ok", "metadata": "ok", "blob": "ok"}, report.Components)

	deps.Blobs = unhealthyBlobs{blobstore.NewMemory()}
	e, err = New(deps, testOptions())
	require.NoError(t, err)

	report = e.Health(context.Background())
	assert.False(t, report.Healthy())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "unavailable", report.Components["blob"])
}

func TestNew_RequiresCoreDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
