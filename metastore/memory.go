package metastore

import (
	"context"
	"sync"
	"time"

	"FACEINDEX/models"
	"FACEINDEX/retry"
)

var _ Store = (*Memory)(nil)

// Memory keeps everything in maps. Records are cloned on the way in and out.
type Memory struct {
	mu          sync.RWMutex
	faces       map[string]*models.FaceRecord
	collections map[string]*models.Collection
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		faces:       make(map[string]*models.FaceRecord),
		collections: make(map[string]*models.Collection),
		now:         time.Now,
	}
}

func (m *Memory) PutIfAbsent(ctx context.Context, rec *models.FaceRecord) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.faces[rec.FaceID]; ok {
		return retry.Permanent(ErrAlreadyExists)
	}
	c := rec.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.faces[rec.FaceID] = c
	return nil
}

func (m *Memory) Get(ctx context.Context, faceID string) (*models.FaceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Permanent(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.faces[faceID]
	if !ok {
		return nil, retry.Permanent(ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, faceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.faces[faceID]
	delete(m.faces, faceID)
	return ok, nil
}

func (m *Memory) CreateCollection(ctx context.Context, c *models.Collection) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[c.CollectionID]; ok {
		return retry.Permanent(ErrAlreadyExists)
	}
	cp := *c
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.collections[c.CollectionID] = &cp
	return nil
}

func (m *Memory) GetCollection(ctx context.Context, collectionID string) (*models.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Permanent(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collectionID]
	if !ok {
		return nil, retry.Permanent(ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCollections(ctx context.Context) ([]models.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Permanent(err)
	}
	m.mu.RLock()
	out := make([]models.Collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, *c)
	}
	m.mu.RUnlock()
	sortCollections(out)
	return out, nil
}

func (m *Memory) UpdateCollection(ctx context.Context, collectionID, name, description string) (*models.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collectionID]
	if !ok {
		return nil, retry.Permanent(ErrNotFound)
	}
	c.Name = name
	c.Description = description
	c.UpdatedAt = m.now()
	cp := *c
	return &cp, nil
}

func (m *Memory) DeleteCollection(ctx context.Context, collectionID string) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collectionID]; !ok {
		return retry.Permanent(ErrNotFound)
	}
	delete(m.collections, collectionID)
	return nil
}

func (m *Memory) AddFaceCount(ctx context.Context, collectionID string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collectionID]
	if !ok {
		return retry.Permanent(ErrNotFound)
	}
	c.FaceCount += delta
	if c.FaceCount < 0 {
		c.FaceCount = 0
	}
	return nil
}

func (m *Memory) SetFaceCount(ctx context.Context, collectionID string, n int64) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collectionID]
	if !ok {
		return retry.Permanent(ErrNotFound)
	}
	c.FaceCount = n
	return nil
}

func (m *Memory) CountFaces(ctx context.Context, collectionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, retry.Permanent(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, rec := range m.faces {
		if rec.CollectionID == collectionID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(ctx context.Context) (models.Stats, error) {
	if err := ctx.Err(); err != nil {
		return models.Stats{}, retry.Permanent(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[string]struct{})
	var last time.Time
	for _, rec := range m.faces {
		users[rec.UserID] = struct{}{}
		if rec.CreatedAt.After(last) {
			last = rec.CreatedAt
		}
	}
	st := models.Stats{
		TotalFaces:       int64(len(m.faces)),
		TotalUsers:       int64(len(users)),
		TotalCollections: int64(len(m.collections)),
	}
	if !last.IsZero() {
		st.LastActivity = &last
	}
	return st, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of face rows.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.faces)
}
