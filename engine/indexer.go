package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"FACEINDEX/apperr"
	"FACEINDEX/blobstore"
	"FACEINDEX/embedding"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
	"FACEINDEX/vectorindex"
)

// IndexRequest adds one face.
type IndexRequest struct {
	Image           []byte
	UserID          string
	CollectionID    string
	ExternalImageID string
	Metadata        map[string]string
}

// IndexResult describes the face that was stored.
type IndexResult struct {
	FaceID          string             `json:"face_id"`
	UserID          string             `json:"user_id"`
	CollectionID    string             `json:"collection_id"`
	ExternalImageID string             `json:"external_image_id,omitempty"`
	ImageHash       string             `json:"image_hash"`
	DetectionCount  int                `json:"detection_count"`
	Confidence      float64            `json:"confidence"`
	BoundingBox     models.BoundingBox `json:"bounding_box"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Indexer writes blob, then vector, then the metadata row. The row is the
// commit point; every earlier write is undone if a later one fails.
type Indexer struct {
	embedder    embedding.Provider
	vectors     vectorindex.Index
	meta        metastore.FaceStore
	blobs       blobstore.Store
	collections *Collections
	opts        Options
	logger      *slog.Logger

	newID func() string
	now   func() time.Time
}

func NewIndexer(deps Deps, collections *Collections, opts Options) *Indexer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		embedder:    deps.Embedder,
		vectors:     deps.Vectors,
		meta:        deps.Meta,
		blobs:       deps.Blobs,
		collections: collections,
		opts:        opts.withDefaults(),
		logger:      logger,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

func (ix *Indexer) validate(req *IndexRequest) error {
	if len(req.Image) == 0 {
		return apperr.New(apperr.CodeInputInvalid, "image is required")
	}
	if len(req.Image) > ix.opts.MaxImageBytes {
		return apperr.New(apperr.CodeInputInvalid, "image is too large",
			apperr.Field("max_bytes", ix.opts.MaxImageBytes))
	}
	if req.UserID == "" {
		return apperr.New(apperr.CodeInputInvalid, "user_id is required")
	}
	if len(req.UserID) > 255 || len(req.ExternalImageID) > 255 {
		return apperr.New(apperr.CodeInputInvalid, "user_id and external_image_id must be at most 255 characters")
	}
	if len(req.Metadata) > ix.opts.MaxMetadataEntries {
		return apperr.New(apperr.CodeInputInvalid, "too many metadata entries",
			apperr.Field("max_entries", ix.opts.MaxMetadataEntries))
	}
	size := 0
	for k, v := range req.Metadata {
		size += len(k) + len(v)
	}
	if size > ix.opts.MaxMetadataBytes {
		return apperr.New(apperr.CodeInputInvalid, "metadata is too large",
			apperr.Field("max_bytes", ix.opts.MaxMetadataBytes))
	}
	id, err := normalizeCollection(req.CollectionID)
	if err != nil {
		return err
	}
	req.CollectionID = id
	return nil
}

// Index stores a face so that it is either fully indexed or not visible at
// all. Cancelling ctx mid-way still runs compensation.
func (ix *Indexer) Index(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	// 1. validate
	if err := ix.validate(&req); err != nil {
		return nil, err
	}

	// 2. extract
	det, err := detect(ctx, ix.embedder, ix.opts, req.Image)
	if err != nil {
		return nil, err
	}

	collectionID, err := ix.collections.Resolve(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}

	faceID := ix.newID()
	imageKey := blobstore.FaceKey(collectionID, faceID)
	hash := blake2b.Sum256(req.Image)
	log := ix.logger.With("face_id", faceID, "collection_id", collectionID)

	// 3. blob
	if err := ix.putBlob(ctx, imageKey, req.Image); err != nil {
		ix.compensate(ctx, log, collectionID, faceID, imageKey, false, false)
		return nil, ix.writeFailed(ctx, err, "blob", faceID)
	}

	// 4. vector
	if err := ix.upsertVector(ctx, collectionID, faceID, det.face.Vector); err != nil {
		ix.compensate(ctx, log, collectionID, faceID, imageKey, true, false)
		return nil, ix.writeFailed(ctx, err, "vector", faceID)
	}

	// 5. metadata, the commit point
	rec := &models.FaceRecord{
		FaceID:          faceID,
		CollectionID:    collectionID,
		UserID:          req.UserID,
		ImageKey:        imageKey,
		ImageHash:       hex.EncodeToString(hash[:]),
		ExternalImageID: req.ExternalImageID,
		BoundingBox:     det.face.BoundingBox,
		Confidence:      det.face.Confidence,
		DetectionCount:  det.count,
		Metadata:        req.Metadata,
		CreatedAt:       ix.now().UTC(),
	}
	if !ix.opts.DisableVectorEcho {
		rec.Vector = det.face.Vector
	}
	if err := ix.putRow(ctx, rec); err != nil {
		committed, ownRow := ix.settleConflict(ctx, log, rec, err)
		if !committed {
			ix.compensate(ctx, log, collectionID, faceID, imageKey, true, ownRow)
			return nil, ix.writeFailed(ctx, err, "metadata", faceID)
		}
		log.Warn("metadata write reported a conflict but the row is ours, keeping it")
	}

	// 6. projection
	ix.collections.AdjustFaceCount(ctx, collectionID, 1)

	log.Info("face indexed", "user_id", req.UserID, "detection_count", det.count)
	return &IndexResult{
		FaceID:          faceID,
		UserID:          req.UserID,
		CollectionID:    collectionID,
		ExternalImageID: req.ExternalImageID,
		ImageHash:       rec.ImageHash,
		DetectionCount:  det.count,
		Confidence:      det.face.Confidence,
		BoundingBox:     det.face.BoundingBox,
		CreatedAt:       rec.CreatedAt,
	}, nil
}

func (ix *Indexer) putBlob(ctx context.Context, key string, image []byte) error {
	sctx, cancel := context.WithTimeout(ctx, ix.opts.StoreTimeout)
	defer cancel()
	return ix.blobs.Put(sctx, key, image)
}

func (ix *Indexer) upsertVector(ctx context.Context, collectionID, faceID string, v []float32) error {
	sctx, cancel := context.WithTimeout(ctx, ix.opts.StoreTimeout)
	defer cancel()
	return ix.vectors.Upsert(sctx, collectionID, faceID, v)
}

func (ix *Indexer) putRow(ctx context.Context, rec *models.FaceRecord) error {
	sctx, cancel := context.WithTimeout(ctx, ix.opts.StoreTimeout)
	defer cancel()
	return ix.meta.PutIfAbsent(sctx, rec)
}

// settleConflict decides what a failed PutIfAbsent left behind. The face id
// is fresh, so ErrAlreadyExists usually means an earlier attempt of this same
// write landed and lost its ack before the adapter retried. committed reports
// that the stored row is this write; ownRow whether compensation may delete
// the row under faceID.
func (ix *Indexer) settleConflict(ctx context.Context, log *slog.Logger, rec *models.FaceRecord, err error) (committed, ownRow bool) {
	if !errors.Is(err, metastore.ErrAlreadyExists) {
		return false, true
	}
	gctx, cancel := detached(ctx, ix.opts.StoreTimeout)
	defer cancel()

	existing, gerr := ix.meta.Get(gctx, rec.FaceID)
	switch {
	case gerr == nil && sameFace(existing, rec):
		return true, false
	case gerr == nil, errors.Is(gerr, metastore.ErrNotFound):
		return false, false
	default:
		// Unknown state; the id was minted here, so treat the row as ours.
		log.Error("reading back conflicting metadata row failed", "error", gerr)
		return false, true
	}
}

func sameFace(stored, rec *models.FaceRecord) bool {
	return stored.CollectionID == rec.CollectionID &&
		stored.UserID == rec.UserID &&
		stored.ImageKey == rec.ImageKey &&
		stored.ImageHash == rec.ImageHash
}

// compensate undoes earlier writes in reverse order. A write that failed
// may still have landed (timeouts), so the failed step is undone too.
// Failures leave an orphan that search never shows; they are logged for
// reconciliation.
func (ix *Indexer) compensate(ctx context.Context, log *slog.Logger, collectionID, faceID, imageKey string, vector, row bool) {
	cctx, cancel := detached(ctx, ix.opts.CompensationTimeout)
	defer cancel()

	if row {
		if _, err := ix.meta.Delete(cctx, faceID); err != nil {
			log.Error("compensation failed, orphan metadata row", "step", "metadata", "error", err)
		}
	}
	if vector {
		if err := ix.vectors.Delete(cctx, collectionID, faceID); err != nil {
			log.Error("compensation failed, orphan vector", "step", "vector", "error", err)
		}
	}
	if err := ix.blobs.Delete(cctx, imageKey); err != nil {
		log.Error("compensation failed, orphan blob", "step", "blob", "image_key", imageKey, "error", err)
	}
}

func (ix *Indexer) writeFailed(ctx context.Context, err error, step, faceID string) error {
	if cerr := canceled(ctx); cerr != nil {
		return cerr
	}
	ix.logger.Warn("face write failed", "step", step, "face_id", faceID, "error", err)
	return apperr.Wrap(err, apperr.CodeStoreWriteFailed, "failed to store face",
		apperr.FieldFaceID(faceID), apperr.Field("step", step))
}
