package legacy

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"FACEINDEX/blobstore"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
	"FACEINDEX/retry"
)

var _ Source = (*Gorm)(nil)

// Gorm reads the legacy_faces table; images come from the legacy bucket.
// The cursor is the last id returned. Image reads retry inside the blob
// store adapter.
type Gorm struct {
	db     *gorm.DB
	images blobstore.Store
	policy retry.Policy
}

func NewGorm(db *gorm.DB, images blobstore.Store, policy retry.Policy) *Gorm {
	if policy.Classify == nil {
		policy.Classify = metastore.ClassifySQL
	}
	return &Gorm{db: db, images: images, policy: policy}
}

func (g *Gorm) List(ctx context.Context, sourceCollection, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{Cursor: cursor}, nil
	}
	var after uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("legacy: bad cursor %q: %w", cursor, err)
		}
		after = n
	}

	// One extra row tells us whether another page exists.
	var rows []models.LegacyFace
	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		rows = rows[:0]
		return g.db.WithContext(ctx).
			Where("source_collection = ? AND id > ?", sourceCollection, after).
			Order("id").
			Limit(limit + 1).
			Find(&rows).Error
	})
	if err != nil {
		return Page{}, fmt.Errorf("legacy: listing %s: %w", sourceCollection, err)
	}

	page := Page{Cursor: cursor, Done: len(rows) <= limit}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for _, row := range rows {
		page.Records = append(page.Records, Record{
			Ref:             strconv.FormatUint(row.Id, 10),
			ImageKey:        row.ImageKey,
			UserID:          row.UserID,
			ExternalImageID: row.ExternalImageID,
			Metadata:        map[string]string{"legacy_id": strconv.FormatUint(row.Id, 10)},
		})
		page.Cursor = strconv.FormatUint(row.Id, 10)
	}
	return page, nil
}

func (g *Gorm) Fetch(ctx context.Context, rec Record) ([]byte, error) {
	data, err := g.images.Get(ctx, rec.ImageKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.ImageKey)
	}
	return data, err
}
