// Package embedding turns images into face feature vectors. The extractor
// itself lives outside this service; this package only talks to it.
package embedding

import (
	"context"
	"errors"

	"FACEINDEX/models"
)

// ErrInvalidImage is returned when the extractor rejects the image itself
// (undecodable, unsupported format). It is never retried.
var ErrInvalidImage = errors.New("embedding: invalid image")

// Face is one detected face.
type Face struct {
	Vector      []float32          `json:"vector"`
	BoundingBox models.BoundingBox `json:"bounding_box"`
	Confidence  float64            `json:"confidence"`
}

// Provider extracts every face found in an image. Zero faces is not an error.
// Failures are tagged with retry.Kind.
type Provider interface {
	Extract(ctx context.Context, image []byte) ([]Face, error)
}

// Best returns the index of the face with the highest confidence, or -1.
func Best(faces []Face) int {
	best := -1
	for i, f := range faces {
		if best == -1 || f.Confidence > faces[best].Confidence {
			best = i
		}
	}
	return best
}
