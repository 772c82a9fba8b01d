package engine

import (
	"context"
	"errors"
	"log/slog"

	"FACEINDEX/apperr"
	"FACEINDEX/blobstore"
	"FACEINDEX/metastore"
	"FACEINDEX/retry"
	"FACEINDEX/vectorindex"
)

// DeleteResult reports what Delete did. Partial means the row is gone but a
// vector or blob could not be removed; the leftover is an orphan that search
// never returns.
type DeleteResult struct {
	FaceID       string `json:"face_id"`
	CollectionID string `json:"collection_id"`
	Deleted      bool   `json:"deleted"`
	Partial      bool   `json:"partial"`
}

// Deleter removes the metadata row first so the face disappears from search
// immediately, then the vector, then the blob.
type Deleter struct {
	vectors     vectorindex.Index
	meta        metastore.FaceStore
	blobs       blobstore.Store
	collections *Collections
	opts        Options
	logger      *slog.Logger
}

func NewDeleter(deps Deps, collections *Collections, opts Options) *Deleter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	// Deletes are idempotent, so every failure is worth another try.
	opts.DeleteRetry.Classify = func(error) retry.Kind { return retry.KindRetryable }
	return &Deleter{
		vectors:     deps.Vectors,
		meta:        deps.Meta,
		blobs:       deps.Blobs,
		collections: collections,
		opts:        opts,
		logger:      logger,
	}
}

// Delete removes a face. Deleting a face that does not exist, or that
// belongs to another collection, succeeds with Deleted false.
func (d *Deleter) Delete(ctx context.Context, faceID, collectionID string) (*DeleteResult, error) {
	if faceID == "" || len(faceID) > 128 {
		return nil, apperr.New(apperr.CodeInputInvalid, "face_id is required")
	}
	collectionID, err := normalizeCollection(collectionID)
	if err != nil {
		return nil, err
	}
	res := &DeleteResult{FaceID: faceID, CollectionID: collectionID}
	log := d.logger.With("face_id", faceID, "collection_id", collectionID)

	// 1. learn the image key
	imageKey := blobstore.FaceKey(collectionID, faceID)
	sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	rec, err := d.meta.Get(sctx, faceID)
	cancel()
	switch {
	case errors.Is(err, metastore.ErrNotFound):
	case err != nil:
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "face lookup failed", apperr.FieldFaceID(faceID))
	case rec.CollectionID != collectionID:
		log.Info("delete skipped, face belongs to another collection")
		return res, nil
	default:
		imageKey = rec.ImageKey
	}

	// 2. metadata row
	sctx, cancel = context.WithTimeout(ctx, d.opts.StoreTimeout)
	removed, err := d.meta.Delete(sctx, faceID)
	cancel()
	if err != nil {
		if cerr := canceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "face delete failed", apperr.FieldFaceID(faceID))
	}
	res.Deleted = removed

	// The face is invisible now; finish the cleanup even if the caller
	// goes away.
	cctx, cancel := detached(ctx, d.opts.CompensationTimeout)
	defer cancel()

	// 3. vector
	err = retry.Do(cctx, d.opts.DeleteRetry, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
		defer cancel()
		return d.vectors.Delete(sctx, collectionID, faceID)
	})
	if err != nil {
		res.Partial = true
		log.Error("vector delete failed, orphan left for reconciliation", "error", err)
	}

	// 4. blob
	err = retry.Do(cctx, d.opts.DeleteRetry, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
		defer cancel()
		return d.blobs.Delete(sctx, imageKey)
	})
	if err != nil {
		res.Partial = true
		log.Error("blob delete failed, orphan left for reconciliation", "image_key", imageKey, "error", err)
	}

	if removed {
		d.collections.AdjustFaceCount(ctx, collectionID, -1)
		log.Info("face deleted", "partial", res.Partial)
	}
	return res, nil
}
