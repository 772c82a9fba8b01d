package vectorindex

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/floats"

	"FACEINDEX/retry"
)

var _ Index = (*Memory)(nil)

type memVector struct {
	v    []float64
	norm float64
}

// Memory is a brute-force in-process index.
type Memory struct {
	mu          sync.RWMutex
	dimension   int
	collections map[string]map[string]memVector
}

func NewMemory(dimension int) *Memory {
	return &Memory{
		dimension:   dimension,
		collections: make(map[string]map[string]memVector),
	}
}

func (m *Memory) Upsert(ctx context.Context, collectionID, faceID string, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	if err := checkDimension(m.dimension, vector); err != nil {
		return retry.Permanent(err)
	}

	v := toFloat64(vector)
	m.mu.Lock()
	defer m.mu.Unlock()
	faces, ok := m.collections[collectionID]
	if !ok {
		faces = make(map[string]memVector)
		m.collections[collectionID] = faces
	}
	faces[faceID] = memVector{v: v, norm: floats.Norm(v, 2)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, collectionID, faceID string) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collectionID], faceID)
	return nil
}

func (m *Memory) Query(ctx context.Context, collectionID string, vector []float32, k int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Permanent(err)
	}
	if err := checkDimension(m.dimension, vector); err != nil {
		return nil, retry.Permanent(err)
	}
	if k <= 0 {
		return nil, nil
	}

	q := toFloat64(vector)
	qn := floats.Norm(q, 2)

	m.mu.RLock()
	out := make([]Candidate, 0, len(m.collections[collectionID]))
	for id, mv := range m.collections[collectionID] {
		var score float64
		if qn > 0 && mv.norm > 0 {
			score = floats.Dot(q, mv.v) / (qn * mv.norm)
		}
		out = append(out, Candidate{FaceID: id, Score: clampScore(score)})
	}
	m.mu.RUnlock()

	sortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Has reports whether a vector is stored. Used by consistency checks.
func (m *Memory) Has(collectionID, faceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collectionID][faceID]
	return ok
}

// Len returns the number of vectors across all collections.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, faces := range m.collections {
		n += len(faces)
	}
	return n
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
