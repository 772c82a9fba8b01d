// Package checkpoint persists migration progress between batches so a
// restarted migration resumes after the last confirmed batch.
package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no progress was saved yet.
var ErrNotFound = errors.New("checkpoint: not found")

// Progress is the cumulative state of one migration, identified by its
// source ref and target collection.
type Progress struct {
	SourceRef          string    `msgpack:"source_ref" json:"source_ref"`
	TargetCollectionID string    `msgpack:"target_collection_id" json:"target_collection_id"`
	ResumeToken        string    `msgpack:"resume_token" json:"resume_token,omitempty"`
	RecordsMigrated    int64     `msgpack:"records_migrated" json:"records_migrated"`
	RecordsFailed      int64     `msgpack:"records_failed" json:"records_failed"`
	Batches            int64     `msgpack:"batches" json:"batches"`
	Done               bool      `msgpack:"done" json:"done"`
	UpdatedAt          time.Time `msgpack:"updated_at" json:"updated_at"`
}

// Store saves and loads Progress.
type Store interface {
	Load(ctx context.Context, sourceRef, targetCollectionID string) (Progress, error)
	Save(ctx context.Context, p Progress) error
	List(ctx context.Context) ([]Progress, error)
}

const keyPrefix = "migration\x00"

func key(sourceRef, target string) string {
	return keyPrefix + sourceRef + "\x00" + target
}

func sortProgress(ps []Progress) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].SourceRef != ps[j].SourceRef {
			return ps[i].SourceRef < ps[j].SourceRef
		}
		return ps[i].TargetCollectionID < ps[j].TargetCollectionID
	})
}

var _ Store = (*Memory)(nil)

// Memory keeps progress in a map.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Progress
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]Progress)}
}

func (m *Memory) Load(ctx context.Context, sourceRef, target string) (Progress, error) {
	if err := ctx.Err(); err != nil {
		return Progress{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.items[key(sourceRef, target)]
	if !ok {
		return Progress{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) Save(ctx context.Context, p Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key(p.SourceRef, p.TargetCollectionID)] = p
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Progress, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sortProgress(out)
	return out, nil
}
