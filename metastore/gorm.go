package metastore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"FACEINDEX/models"
	"FACEINDEX/retry"
)

var _ Store = (*Gorm)(nil)

// Gorm is the SQL-backed store (MySQL in production, SQLite in tests).
type Gorm struct {
	db     *gorm.DB
	policy retry.Policy
}

func NewGorm(db *gorm.DB, policy retry.Policy) *Gorm {
	if policy.Classify == nil {
		policy.Classify = ClassifySQL
	}
	return &Gorm{db: db, policy: policy}
}

func (g *Gorm) do(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return retry.Do(ctx, g.policy, func(ctx context.Context) error {
		return fn(g.db.WithContext(ctx))
	})
}

func (g *Gorm) PutIfAbsent(ctx context.Context, rec *models.FaceRecord) error {
	row := rec.Clone()
	return g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return retry.Permanent(ErrAlreadyExists)
		}
		if res.Error != nil {
			return fmt.Errorf("creating face %s: %w", rec.FaceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return retry.Permanent(ErrAlreadyExists)
		}
		return nil
	})
}

func (g *Gorm) Get(ctx context.Context, faceID string) (*models.FaceRecord, error) {
	var rec models.FaceRecord
	err := g.do(ctx, func(tx *gorm.DB) error {
		err := tx.Where("face_id = ?", faceID).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return retry.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading face %s: %w", faceID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (g *Gorm) Delete(ctx context.Context, faceID string) (bool, error) {
	var deleted bool
	err := g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Where("face_id = ?", faceID).Delete(&models.FaceRecord{})
		if res.Error != nil {
			return fmt.Errorf("deleting face %s: %w", faceID, res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

func (g *Gorm) CreateCollection(ctx context.Context, c *models.Collection) error {
	row := *c
	return g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return retry.Permanent(ErrAlreadyExists)
		}
		if res.Error != nil {
			return fmt.Errorf("creating collection %s: %w", c.CollectionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return retry.Permanent(ErrAlreadyExists)
		}
		return nil
	})
}

func (g *Gorm) GetCollection(ctx context.Context, collectionID string) (*models.Collection, error) {
	var c models.Collection
	err := g.do(ctx, func(tx *gorm.DB) error {
		err := tx.Where("collection_id = ?", collectionID).Take(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return retry.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading collection %s: %w", collectionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (g *Gorm) ListCollections(ctx context.Context) ([]models.Collection, error) {
	var out []models.Collection
	err := g.do(ctx, func(tx *gorm.DB) error {
		out = out[:0]
		if err := tx.Order("collection_id").Find(&out).Error; err != nil {
			return fmt.Errorf("listing collections: %w", err)
		}
		return nil
	})
	return out, err
}

func (g *Gorm) UpdateCollection(ctx context.Context, collectionID, name, description string) (*models.Collection, error) {
	err := g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Collection{}).
			Where("collection_id = ?", collectionID).
			Updates(map[string]any{"name": name, "description": description})
		if res.Error != nil {
			return fmt.Errorf("updating collection %s: %w", collectionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return retry.Permanent(ErrNotFound)
		}
		return nil
	})
	if err != nil {
		// MySQL reports zero affected rows when nothing changed.
		if errors.Is(err, ErrNotFound) {
			return g.GetCollection(ctx, collectionID)
		}
		return nil, err
	}
	return g.GetCollection(ctx, collectionID)
}

func (g *Gorm) DeleteCollection(ctx context.Context, collectionID string) error {
	return g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Where("collection_id = ?", collectionID).Delete(&models.Collection{})
		if res.Error != nil {
			return fmt.Errorf("deleting collection %s: %w", collectionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return retry.Permanent(ErrNotFound)
		}
		return nil
	})
}

func (g *Gorm) AddFaceCount(ctx context.Context, collectionID string, delta int64) error {
	return g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Collection{}).
			Where("collection_id = ?", collectionID).
			UpdateColumn("face_count", gorm.Expr(
				"CASE WHEN face_count + ? < 0 THEN 0 ELSE face_count + ? END", delta, delta))
		if res.Error != nil {
			return fmt.Errorf("adjusting face count of %s: %w", collectionID, res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		// MySQL reports zero affected rows for an unchanged value too.
		var n int64
		if err := tx.Model(&models.Collection{}).Where("collection_id = ?", collectionID).Count(&n).Error; err != nil {
			return fmt.Errorf("checking collection %s: %w", collectionID, err)
		}
		if n == 0 {
			return retry.Permanent(ErrNotFound)
		}
		return nil
	})
}

func (g *Gorm) SetFaceCount(ctx context.Context, collectionID string, n int64) error {
	return g.do(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Collection{}).
			Where("collection_id = ?", collectionID).
			UpdateColumn("face_count", n)
		if res.Error != nil {
			return fmt.Errorf("setting face count of %s: %w", collectionID, res.Error)
		}
		return nil
	})
}

func (g *Gorm) CountFaces(ctx context.Context, collectionID string) (int64, error) {
	var n int64
	err := g.do(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.FaceRecord{}).Where("collection_id = ?", collectionID).Count(&n).Error; err != nil {
			return fmt.Errorf("counting faces of %s: %w", collectionID, err)
		}
		return nil
	})
	return n, err
}

func (g *Gorm) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := g.do(ctx, func(tx *gorm.DB) error {
		st = models.Stats{}
		if err := tx.Model(&models.FaceRecord{}).Count(&st.TotalFaces).Error; err != nil {
			return fmt.Errorf("counting faces: %w", err)
		}
		if err := tx.Model(&models.FaceRecord{}).Distinct("user_id").Count(&st.TotalUsers).Error; err != nil {
			return fmt.Errorf("counting users: %w", err)
		}
		if err := tx.Model(&models.Collection{}).Count(&st.TotalCollections).Error; err != nil {
			return fmt.Errorf("counting collections: %w", err)
		}
		if st.TotalFaces == 0 {
			return nil
		}
		var last models.FaceRecord
		err := tx.Select("face_id", "created_at").Order("created_at desc").Take(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("reading last activity: %w", err)
		}
		if err == nil {
			st.LastActivity = &last.CreatedAt
		}
		return nil
	})
	return st, err
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ClassifySQL treats dropped connections, lock waits and deadlocks as
// transient.
func ClassifySQL(err error) retry.Kind {
	if errors.Is(err, driver.ErrBadConn) {
		return retry.KindRetryable
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1205, 1213, 1040, 2006, 2013:
			return retry.KindRetryable
		}
		return retry.KindPermanent
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return retry.KindRetryable
		}
		return retry.KindPermanent
	}
	return retry.KindOf(err)
}
