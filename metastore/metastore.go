// Package metastore holds face metadata rows and collections. A face row
// existing is the single signal that the face is fully indexed.
package metastore

import (
	"context"
	"errors"
	"sort"

	"FACEINDEX/models"
)

var (
	ErrNotFound      = errors.New("metastore: not found")
	ErrAlreadyExists = errors.New("metastore: already exists")
)

// FaceStore is the per-face boundary used by the orchestrators.
type FaceStore interface {
	// PutIfAbsent creates the row only if no row has the same face id.
	PutIfAbsent(ctx context.Context, rec *models.FaceRecord) error
	Get(ctx context.Context, faceID string) (*models.FaceRecord, error)
	// Delete reports whether a row was removed. Deleting a missing row is not
	// an error.
	Delete(ctx context.Context, faceID string) (bool, error)
}

// CollectionStore keeps the collection table and answers aggregate queries.
type CollectionStore interface {
	CreateCollection(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, collectionID string) (*models.Collection, error)
	ListCollections(ctx context.Context) ([]models.Collection, error)
	UpdateCollection(ctx context.Context, collectionID, name, description string) (*models.Collection, error)
	DeleteCollection(ctx context.Context, collectionID string) error
	// AddFaceCount adjusts face_count by delta, never going below zero. It
	// returns ErrNotFound when the collection row is missing.
	AddFaceCount(ctx context.Context, collectionID string, delta int64) error
	SetFaceCount(ctx context.Context, collectionID string, n int64) error
	// CountFaces counts rows in the face table, the authoritative number.
	CountFaces(ctx context.Context, collectionID string) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
	Ping(ctx context.Context) error
}

// Store is both.
type Store interface {
	FaceStore
	CollectionStore
}

func sortCollections(cs []models.Collection) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].CollectionID < cs[j].CollectionID })
}
