package models

import "time"

// DefaultCollectionID always exists; requests without a collection land here.
const DefaultCollectionID = "default"

// Collection is a namespace partition. FaceCount is a best-effort projection
// and is never used for correctness.
type Collection struct {
	CollectionID string    `gorm:"primaryKey;size:128" json:"collection_id"`
	Name         string    `gorm:"size:255" json:"name"`
	Description  string    `gorm:"size:1024" json:"description"`
	FaceCount    int64     `gorm:"not null;default:0" json:"face_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Collection) TableName() string {
	return "collections"
}

// Stats is the system-wide summary served by the stats endpoint.
type Stats struct {
	TotalFaces       int64      `json:"total_faces"`
	TotalUsers       int64      `json:"total_users"`
	TotalCollections int64      `json:"total_collections"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

// LegacyFace is a row of the pre-migration face table. ImageKey points into the
// legacy image bucket.
type LegacyFace struct {
	Id               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceCollection string    `gorm:"size:128;index" json:"source_collection"`
	UserID           string    `gorm:"size:255" json:"user_id"`
	ImageKey         string    `gorm:"size:512" json:"image_key"`
	ExternalImageID  string    `gorm:"size:255" json:"external_image_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (LegacyFace) TableName() string {
	return "legacy_faces"
}
