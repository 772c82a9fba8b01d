// Package vectorindex stores face vectors partitioned by collection and
// answers nearest-neighbour queries. The copy held here is authoritative for
// search.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// index dimension.
var ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

// Candidate is one query hit. Score is cosine similarity clamped to [0, 1];
// 1 means identical direction.
type Candidate struct {
	FaceID string
	Score  float64
}

// Index is the vector index boundary. Upsert and Delete are idempotent;
// deleting an absent vector succeeds. Query returns at most k candidates of
// the collection ordered by descending score.
type Index interface {
	Upsert(ctx context.Context, collectionID, faceID string, vector []float32) error
	Delete(ctx context.Context, collectionID, faceID string) error
	Query(ctx context.Context, collectionID string, vector []float32, k int) ([]Candidate, error)
}

func checkDimension(dim int, vector []float32) error {
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	return nil
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// sortCandidates orders by score desc, face id asc.
func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].FaceID < cs[j].FaceID
	})
}
