package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// BoundingBox is the detector's face box, as ratios of the image size.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceRecord is one indexed face. The row existing is what makes a face
// visible to search; blob and vector without a row are orphans.
type FaceRecord struct {
	FaceID          string            `gorm:"primaryKey;size:36" json:"face_id"`
	CollectionID    string            `gorm:"size:128;not null;index:idx_face_collection_user" json:"collection_id"`
	UserID          string            `gorm:"size:255;not null;index:idx_face_collection_user" json:"user_id"`
	ImageKey        string            `gorm:"size:512;not null" json:"-"`
	ImageHash       string            `gorm:"size:64;index" json:"image_hash"`
	ExternalImageID string            `gorm:"size:255" json:"external_image_id,omitempty"`
	Embedding       json.RawMessage   `gorm:"type:json" json:"-"` // raw column
	Vector          []float32         `gorm:"-" json:"-"`         // helper for code
	BoundingBox     BoundingBox       `gorm:"embedded;embeddedPrefix:bbox_" json:"bounding_box"`
	Confidence      float64           `json:"confidence"`
	DetectionCount  int               `json:"detection_count"`
	Metadata        map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func (FaceRecord) TableName() string {
	return "face_records"
}

// BeforeSave keeps the Embedding column in sync with Vector.
func (f *FaceRecord) BeforeSave(*gorm.DB) error {
	return f.EncodeVector()
}

// AfterFind restores Vector from the Embedding column.
func (f *FaceRecord) AfterFind(*gorm.DB) error {
	return f.DecodeVector()
}

func (f *FaceRecord) EncodeVector() error {
	if len(f.Vector) == 0 {
		f.Embedding = nil
		return nil
	}
	raw, err := json.Marshal(f.Vector)
	if err != nil {
		return err
	}
	f.Embedding = raw
	return nil
}

func (f *FaceRecord) DecodeVector() error {
	if len(f.Embedding) == 0 || string(f.Embedding) == "null" {
		f.Vector = nil
		return nil
	}
	return json.Unmarshal(f.Embedding, &f.Vector)
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (f *FaceRecord) Clone() *FaceRecord {
	if f == nil {
		return nil
	}
	c := *f
	if f.Vector != nil {
		c.Vector = append([]float32(nil), f.Vector...)
	}
	if f.Embedding != nil {
		c.Embedding = append(json.RawMessage(nil), f.Embedding...)
	}
	if f.Metadata != nil {
		c.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
