package legacy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

var _ Source = (*Memory)(nil)

// Memory serves records added with Add. The cursor is an offset.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]Record
	images  map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string][]Record),
		images:  make(map[string][]byte),
	}
}

// Add appends a record to sourceRef with its image. A nil image makes Fetch
// fail for that record.
func (m *Memory) Add(sourceRef string, rec Record, image []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sourceRef] = append(m.records[sourceRef], rec)
	if image != nil {
		m.images[rec.ImageKey] = image
	}
}

func (m *Memory) List(ctx context.Context, sourceRef, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("legacy: bad cursor %q", cursor)
		}
		offset = n
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.records[sourceRef]
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if limit <= 0 {
		end = offset
	}
	if end > len(all) {
		end = len(all)
	}
	return Page{
		Records: append([]Record(nil), all[offset:end]...),
		Cursor:  strconv.Itoa(end),
		Done:    end == len(all),
	}, nil
}

func (m *Memory) Fetch(ctx context.Context, rec Record) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.images[rec.ImageKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.ImageKey)
	}
	return data, nil
}
