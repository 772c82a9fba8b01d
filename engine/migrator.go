package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"FACEINDEX/apperr"
	"FACEINDEX/checkpoint"
	"FACEINDEX/legacy"
)

// MigrateRequest asks for one batch. An empty ResumeToken starts at the
// beginning of the source.
type MigrateRequest struct {
	SourceRef          string
	TargetCollectionID string
	BatchSize          int
	ResumeToken        string
}

// RecordFailure is a legacy record that could not be indexed.
type RecordFailure struct {
	Ref     string      `json:"ref"`
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// MigrateResult reports one batch. Progress is cumulative over every batch
// of the same source and target.
type MigrateResult struct {
	SourceRef          string              `json:"source_ref"`
	TargetCollectionID string              `json:"target_collection_id"`
	Migrated           int                 `json:"migrated"`
	Failed             int                 `json:"failed"`
	Failures           []RecordFailure     `json:"failures,omitempty"`
	ResumeToken        string              `json:"resume_token"`
	Done               bool                `json:"done"`
	Progress           checkpoint.Progress `json:"progress"`
}

// Migrator copies legacy records into a collection through the Indexer, one
// batch at a time. Each record is indexed at least once; a crash replays at
// most the batch in flight.
type Migrator struct {
	indexer     *Indexer
	collections *Collections
	source      legacy.Source
	checkpoints checkpoint.Store
	opts        Options
	logger      *slog.Logger

	now func() time.Time
}

func NewMigrator(indexer *Indexer, collections *Collections, source legacy.Source, checkpoints checkpoint.Store, opts Options, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	if checkpoints == nil {
		checkpoints = checkpoint.NewMemory()
	}
	return &Migrator{
		indexer:     indexer,
		collections: collections,
		source:      source,
		checkpoints: checkpoints,
		opts:        opts.withDefaults(),
		logger:      logger,
		now:         time.Now,
	}
}

func (m *Migrator) normalize(req *MigrateRequest) error {
	if m.source == nil {
		return apperr.New(apperr.CodeLegacyUnavailable, "no legacy source is configured")
	}
	if req.SourceRef == "" {
		return apperr.New(apperr.CodeInputInvalid, "source_ref is required")
	}
	target, err := normalizeCollection(req.TargetCollectionID)
	if err != nil {
		return err
	}
	req.TargetCollectionID = target

	if req.BatchSize == 0 {
		req.BatchSize = m.opts.DefaultBatchSize
	}
	if req.BatchSize < 1 || req.BatchSize > m.opts.MaxBatchSize {
		return apperr.Errorf(apperr.CodeInputInvalid, "batch_size must be between 1 and %d", m.opts.MaxBatchSize)
	}
	return nil
}

// Migrate processes one batch after the token's cursor. Per-record failures
// are reported in the result and never fail the call. If ctx is cancelled
// mid-batch the call fails and the token does not advance.
func (m *Migrator) Migrate(ctx context.Context, req MigrateRequest) (*MigrateResult, error) {
	if err := m.normalize(&req); err != nil {
		return nil, err
	}
	tok, err := decodeToken(req.ResumeToken, req.SourceRef, req.TargetCollectionID)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("source_ref", req.SourceRef, "collection_id", req.TargetCollectionID)

	res := &MigrateResult{
		SourceRef:          req.SourceRef,
		TargetCollectionID: req.TargetCollectionID,
		ResumeToken:        req.ResumeToken,
		Failures:           []RecordFailure{},
	}
	if tok.Done {
		res.Done = true
		res.Progress = m.loadProgress(ctx, req.SourceRef, req.TargetCollectionID)
		return res, nil
	}

	// 1. target collection
	if _, err := m.collections.Resolve(ctx, req.TargetCollectionID); err != nil {
		return nil, err
	}

	// 2. list the batch
	lctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	page, err := m.source.List(lctx, req.SourceRef, tok.Cursor, req.BatchSize)
	cancel()
	if err != nil {
		if cerr := canceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, apperr.Wrap(err, apperr.CodeLegacyUnavailable, "listing legacy records failed",
			apperr.Field("source_ref", req.SourceRef))
	}

	// 3. index every record
	failures := make([]*RecordFailure, len(page.Records))
	var g errgroup.Group
	g.SetLimit(m.opts.MigrateConcurrency)
	for i, rec := range page.Records {
		g.Go(func() error {
			if err := m.migrateRecord(ctx, req, rec); err != nil {
				failures[i] = &RecordFailure{
					Ref:     rec.Ref,
					Code:    apperr.CodeOf(err),
					Message: apperr.PublicMessage(err),
				}
				log.Warn("legacy record failed", "ref", rec.Ref, "code", apperr.CodeOf(err), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := canceled(ctx); err != nil {
		log.Warn("migration batch interrupted, token not advanced", "cursor", tok.Cursor)
		return nil, err
	}

	for _, f := range failures {
		if f != nil {
			res.Failures = append(res.Failures, *f)
		}
	}
	res.Failed = len(res.Failures)
	res.Migrated = len(page.Records) - res.Failed

	// 4. advance the token
	next, err := encodeToken(resumeToken{
		SourceRef: req.SourceRef,
		Target:    req.TargetCollectionID,
		Cursor:    page.Cursor,
		Done:      page.Done,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "encoding resume token failed")
	}
	res.ResumeToken = next
	res.Done = page.Done

	// 5. checkpoint
	res.Progress = m.saveProgress(ctx, log, res)

	log.Info("migration batch done",
		"migrated", res.Migrated, "failed", res.Failed, "done", res.Done)
	return res, nil
}

func (m *Migrator) migrateRecord(ctx context.Context, req MigrateRequest, rec legacy.Record) error {
	fctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	image, err := m.source.Fetch(fctx, rec)
	cancel()
	if errors.Is(err, legacy.ErrNotFound) {
		return apperr.Wrap(err, apperr.CodeLegacyImageNotFound, "legacy image not found", apperr.Field("ref", rec.Ref))
	}
	if err != nil {
		if cerr := canceled(ctx); cerr != nil {
			return cerr
		}
		return apperr.Wrap(err, apperr.CodeLegacyUnavailable, "fetching legacy image failed", apperr.Field("ref", rec.Ref))
	}

	metadata := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	metadata["legacy_ref"] = rec.Ref
	metadata["legacy_source"] = req.SourceRef

	externalID := rec.ExternalImageID
	if externalID == "" {
		externalID = rec.Ref
	}
	_, err = m.indexer.Index(ctx, IndexRequest{
		Image:           image,
		UserID:          rec.UserID,
		CollectionID:    req.TargetCollectionID,
		ExternalImageID: externalID,
		Metadata:        metadata,
	})
	return err
}

func (m *Migrator) loadProgress(ctx context.Context, sourceRef, target string) checkpoint.Progress {
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	p, err := m.checkpoints.Load(sctx, sourceRef, target)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			m.logger.Warn("loading migration progress failed", "source_ref", sourceRef, "collection_id", target, "error", err)
		}
		return checkpoint.Progress{SourceRef: sourceRef, TargetCollectionID: target}
	}
	return p
}

// saveProgress folds the batch into the stored progress. The batch is
// already confirmed, so a failed save is logged and the caller still gets
// the advanced token.
func (m *Migrator) saveProgress(ctx context.Context, log *slog.Logger, res *MigrateResult) checkpoint.Progress {
	p := m.loadProgress(ctx, res.SourceRef, res.TargetCollectionID)
	p.ResumeToken = res.ResumeToken
	p.RecordsMigrated += int64(res.Migrated)
	p.RecordsFailed += int64(res.Failed)
	p.Batches++
	p.Done = res.Done
	p.UpdatedAt = m.now().UTC()

	sctx, cancel := detached(ctx, m.opts.StoreTimeout)
	defer cancel()
	if err := m.checkpoints.Save(sctx, p); err != nil {
		log.Error("saving migration progress failed", "error", err)
	}
	return p
}

// RunRequest drives batches until the source is exhausted. MaxBatches zero
// means no limit. OnBatch, if set, sees every batch result.
type RunRequest struct {
	SourceRef          string
	TargetCollectionID string
	BatchSize          int
	MaxBatches         int
	OnBatch            func(*MigrateResult)
}

// Run resumes from the stored checkpoint and migrates batch after batch.
func (m *Migrator) Run(ctx context.Context, req RunRequest) (checkpoint.Progress, error) {
	target, err := normalizeCollection(req.TargetCollectionID)
	if err != nil {
		return checkpoint.Progress{}, err
	}
	p := m.loadProgress(ctx, req.SourceRef, target)
	token := p.ResumeToken

	for n := 0; req.MaxBatches <= 0 || n < req.MaxBatches; n++ {
		res, err := m.Migrate(ctx, MigrateRequest{
			SourceRef:          req.SourceRef,
			TargetCollectionID: target,
			BatchSize:          req.BatchSize,
			ResumeToken:        token,
		})
		if err != nil {
			return p, err
		}
		p = res.Progress
		token = res.ResumeToken
		if req.OnBatch != nil {
			req.OnBatch(res)
		}
		if res.Done {
			break
		}
	}
	return p, nil
}

// Progress returns the stored progress of one migration.
func (m *Migrator) Progress(ctx context.Context, sourceRef, targetCollectionID string) (checkpoint.Progress, error) {
	target, err := normalizeCollection(targetCollectionID)
	if err != nil {
		return checkpoint.Progress{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	p, err := m.checkpoints.Load(sctx, sourceRef, target)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return checkpoint.Progress{}, apperr.New(apperr.CodeMigrationNotFound, "no progress recorded",
			apperr.Field("source_ref", sourceRef), apperr.FieldCollectionID(target))
	}
	if err != nil {
		return checkpoint.Progress{}, apperr.Wrap(err, apperr.CodeCheckpointUnavailable, "loading migration progress failed")
	}
	return p, nil
}

func (m *Migrator) ListProgress(ctx context.Context) ([]checkpoint.Progress, error) {
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	ps, err := m.checkpoints.List(sctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCheckpointUnavailable, "listing migration progress failed")
	}
	return ps, nil
}
