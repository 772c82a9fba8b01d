// Package engine is the cross-store core: it indexes faces into the blob
// store, the vector index and the metadata store in a fixed order with
// compensation, searches them, deletes from them, and migrates legacy
// records through the same write path.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"FACEINDEX/apperr"
	"FACEINDEX/blobstore"
	"FACEINDEX/checkpoint"
	"FACEINDEX/embedding"
	"FACEINDEX/legacy"
	"FACEINDEX/metastore"
	"FACEINDEX/vectorindex"
)

// Deps are the adapters the orchestrators drive. Legacy and Checkpoints are
// only needed for migration.
type Deps struct {
	Embedder    embedding.Provider
	Vectors     vectorindex.Index
	Meta        metastore.Store
	Blobs       blobstore.Store
	Legacy      legacy.Source
	Checkpoints checkpoint.Store
	Logger      *slog.Logger
}

// Engine bundles the orchestrators over one set of adapters.
type Engine struct {
	Collections *Collections
	Indexer     *Indexer
	Searcher    *Searcher
	Deleter     *Deleter
	Migrator    *Migrator

	deps Deps
	opts Options
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Embedder == nil || deps.Vectors == nil || deps.Meta == nil || deps.Blobs == nil {
		return nil, errors.New("engine: embedder, vector index, metadata store and blob store are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NewMemory()
	}
	opts = opts.withDefaults()

	collections := NewCollections(deps.Meta, opts, deps.Logger)
	indexer := NewIndexer(deps, collections, opts)
	e := &Engine{
		Collections: collections,
		Indexer:     indexer,
		Searcher:    NewSearcher(deps, opts),
		Deleter:     NewDeleter(deps, collections, opts),
		Migrator:    NewMigrator(indexer, collections, deps.Legacy, deps.Checkpoints, opts, deps.Logger),
		deps:        deps,
		opts:        opts,
	}
	return e, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

var collectionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

func validCollectionID(id string) bool {
	return collectionIDPattern.MatchString(id)
}

// normalizeCollection maps "" to the default collection and checks syntax.
func normalizeCollection(id string) (string, error) {
	if id == "" {
		return defaultCollectionID, nil
	}
	if !validCollectionID(id) {
		return "", apperr.New(apperr.CodeInputInvalid,
			"collection_id must be 1-128 characters of letters, digits, '_', '.' or '-'",
			apperr.FieldCollectionID(id))
	}
	return id, nil
}

// detached returns a context that survives the caller's cancellation, for
// compensation and cleanup that must finish once started.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// canceled reports whether the caller gave up, as opposed to a store
// timing out under its own deadline.
func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(err, apperr.CodeCanceled, "request canceled")
	}
	return nil
}
