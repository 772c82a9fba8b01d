package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"FACEINDEX/apperr"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
)

const defaultCollectionID = models.DefaultCollectionID

// Collections manages collection rows and the best-effort face_count
// projection.
type Collections struct {
	meta   metastore.CollectionStore
	opts   Options
	logger *slog.Logger

	// known caches ids confirmed to exist so Resolve skips the read.
	known sync.Map
}

func NewCollections(meta metastore.CollectionStore, opts Options, logger *slog.Logger) *Collections {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collections{meta: meta, opts: opts.withDefaults(), logger: logger}
}

// EnsureDefault creates the default collection if it is missing.
func (c *Collections) EnsureDefault(ctx context.Context) error {
	_, err := c.Resolve(ctx, defaultCollectionID)
	return err
}

// Resolve returns the collection id to use for a write, creating the
// collection on first use. An empty id means the default collection.
func (c *Collections) Resolve(ctx context.Context, collectionID string) (string, error) {
	id, err := normalizeCollection(collectionID)
	if err != nil {
		return "", err
	}
	if _, ok := c.known.Load(id); ok {
		return id, nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	_, err = c.meta.GetCollection(sctx, id)
	if errors.Is(err, metastore.ErrNotFound) {
		err = c.meta.CreateCollection(sctx, &models.Collection{CollectionID: id, Name: id})
		if err == nil {
			c.logger.Info("collection created", "collection_id", id)
		}
		if errors.Is(err, metastore.ErrAlreadyExists) {
			err = nil
		}
	}
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeMetadataUnavailable, "collection lookup failed", apperr.FieldCollectionID(id))
	}
	c.known.Store(id, struct{}{})
	return id, nil
}

// CreateCollectionRequest is an explicit collection creation.
type CreateCollectionRequest struct {
	CollectionID string
	Name         string
	Description  string
}

func (c *Collections) Create(ctx context.Context, req CreateCollectionRequest) (*models.Collection, error) {
	if req.CollectionID == "" {
		return nil, apperr.New(apperr.CodeInputInvalid, "collection_id is required")
	}
	if _, err := normalizeCollection(req.CollectionID); err != nil {
		return nil, err
	}
	if len(req.Name) > 255 || len(req.Description) > 1024 {
		return nil, apperr.New(apperr.CodeInputInvalid, "name or description too long")
	}
	name := req.Name
	if name == "" {
		name = req.CollectionID
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	err := c.meta.CreateCollection(sctx, &models.Collection{
		CollectionID: req.CollectionID,
		Name:         name,
		Description:  req.Description,
	})
	if errors.Is(err, metastore.ErrAlreadyExists) {
		return nil, apperr.New(apperr.CodeCollectionConflict, "collection already exists",
			apperr.FieldCollectionID(req.CollectionID))
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "collection create failed",
			apperr.FieldCollectionID(req.CollectionID))
	}
	c.known.Store(req.CollectionID, struct{}{})
	c.logger.Info("collection created", "collection_id", req.CollectionID)
	return c.Get(ctx, req.CollectionID)
}

func (c *Collections) Get(ctx context.Context, collectionID string) (*models.Collection, error) {
	id, err := normalizeCollection(collectionID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	col, err := c.meta.GetCollection(sctx, id)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, apperr.New(apperr.CodeCollectionNotFound, "collection not found", apperr.FieldCollectionID(id))
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "collection lookup failed", apperr.FieldCollectionID(id))
	}
	return col, nil
}

func (c *Collections) List(ctx context.Context) ([]models.Collection, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	cols, err := c.meta.ListCollections(sctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "listing collections failed")
	}
	return cols, nil
}

// Update changes name and description. Empty name keeps the collection id as
// the name.
func (c *Collections) Update(ctx context.Context, collectionID, name, description string) (*models.Collection, error) {
	id, err := normalizeCollection(collectionID)
	if err != nil {
		return nil, err
	}
	if len(name) > 255 || len(description) > 1024 {
		return nil, apperr.New(apperr.CodeInputInvalid, "name or description too long")
	}
	if name == "" {
		name = id
	}
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	col, err := c.meta.UpdateCollection(sctx, id, name, description)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, apperr.New(apperr.CodeCollectionNotFound, "collection not found", apperr.FieldCollectionID(id))
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "collection update failed", apperr.FieldCollectionID(id))
	}
	return col, nil
}

// Delete removes an empty collection. The face table, not face_count,
// decides emptiness. The default collection cannot be deleted.
func (c *Collections) Delete(ctx context.Context, collectionID string) error {
	id, err := normalizeCollection(collectionID)
	if err != nil {
		return err
	}
	if id == defaultCollectionID {
		return apperr.New(apperr.CodeInputInvalid, "the default collection cannot be deleted")
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	n, err := c.meta.CountFaces(sctx, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeMetadataUnavailable, "counting faces failed", apperr.FieldCollectionID(id))
	}
	if n > 0 {
		return apperr.New(apperr.CodeCollectionNotEmpty, "collection still contains faces",
			apperr.FieldCollectionID(id), apperr.Field("face_count", n))
	}

	c.known.Delete(id)
	err = c.meta.DeleteCollection(sctx, id)
	if errors.Is(err, metastore.ErrNotFound) {
		return apperr.New(apperr.CodeCollectionNotFound, "collection not found", apperr.FieldCollectionID(id))
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeMetadataUnavailable, "collection delete failed", apperr.FieldCollectionID(id))
	}

	// An Index that resolved the collection before the delete may have
	// committed in between. Put the row back rather than strand its face.
	n, err = c.meta.CountFaces(sctx, id)
	if err != nil {
		c.logger.Warn("recount after collection delete failed", "collection_id", id, "error", err)
		return nil
	}
	if n > 0 {
		c.restore(sctx, id, n)
		return apperr.New(apperr.CodeCollectionNotEmpty, "collection still contains faces",
			apperr.FieldCollectionID(id), apperr.Field("face_count", n))
	}
	c.logger.Info("collection deleted", "collection_id", id)
	return nil
}

// restore recreates a collection row that faces still point at, with n as
// its face count.
func (c *Collections) restore(ctx context.Context, id string, n int64) {
	err := c.meta.CreateCollection(ctx, &models.Collection{CollectionID: id, Name: id, FaceCount: n})
	if errors.Is(err, metastore.ErrAlreadyExists) {
		err = c.meta.AddFaceCount(ctx, id, n)
	}
	if err != nil {
		c.logger.Error("restoring collection failed", "collection_id", id, "error", err)
		return
	}
	c.logger.Warn("collection restored, faces were written after it was deleted",
		"collection_id", id, "face_count", n)
}

// AdjustFaceCount moves face_count by delta. Failures are logged and
// dropped; ReconcileCounts repairs drift.
func (c *Collections) AdjustFaceCount(ctx context.Context, collectionID string, delta int64) {
	sctx, cancel := detached(ctx, c.opts.StoreTimeout)
	defer cancel()

	err := c.meta.AddFaceCount(sctx, collectionID, delta)
	if errors.Is(err, metastore.ErrNotFound) {
		// Deleted while this write was in flight, possibly by another
		// process; the cached id is stale.
		c.known.Delete(collectionID)
		if delta > 0 {
			c.restore(sctx, collectionID, delta)
		}
		return
	}
	if err != nil {
		c.logger.Warn("face count update failed",
			"collection_id", collectionID, "delta", delta, "error", err)
	}
}

// ReconcileResult summarises a ReconcileCounts pass.
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Failed    int `json:"failed"`
}

// ReconcileCounts recomputes face_count of every collection from the face
// table.
func (c *Collections) ReconcileCounts(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	cols, err := c.List(ctx)
	if err != nil {
		return res, err
	}
	for _, col := range cols {
		if err := canceled(ctx); err != nil {
			return res, err
		}
		res.Checked++

		sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
		n, err := c.meta.CountFaces(sctx, col.CollectionID)
		if err == nil && n != col.FaceCount {
			err = c.meta.SetFaceCount(sctx, col.CollectionID, n)
			if err == nil {
				res.Corrected++
				c.logger.Info("face count corrected",
					"collection_id", col.CollectionID, "was", col.FaceCount, "now", n)
			}
		}
		cancel()
		if err != nil {
			res.Failed++
			c.logger.Warn("face count reconcile failed", "collection_id", col.CollectionID, "error", err)
		}
	}
	return res, nil
}

func (c *Collections) Stats(ctx context.Context) (models.Stats, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	st, err := c.meta.Stats(sctx)
	if err != nil {
		return models.Stats{}, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "stats unavailable")
	}
	return st, nil
}
