package anomaly

import (
	"context"
	"sort"
	"sync"

	"github.com/dkalu/fraudmark/internal/pagination"
)

// MemoryStore is an in-memory anomaly store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	sink    func(*Record)
	records []*Record
}

// NewMemoryStore creates an empty in-memory anomaly store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// OnInsert registers a hook fired after every insert. In demo mode this feeds
// records into the rule store's anomaly table, the stand-in for the shared
// database table both paths write through in production.
func (m *MemoryStore) OnInsert(fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = fn
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	cp := *rec
	m.records = append(m.records, &cp)
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(rec)
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Record, error) {
	return m.ListAfter(ctx, nil, limit)
}

func (m *MemoryStore) ListAfter(_ context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := make([]*Record, len(m.records))
	copy(sorted, m.records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		}
		return sorted[i].ID > sorted[j].ID
	})

	var out []*Record
	for _, rec := range sorted {
		if after != nil && !beforeCursor(rec, after) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// beforeCursor reports whether rec sorts strictly after the cursor position
// in the newest-first ordering.
func beforeCursor(rec *Record, c *pagination.Cursor) bool {
	if !rec.Timestamp.Equal(c.CreatedAt) {
		return rec.Timestamp.Before(c.CreatedAt)
	}
	return rec.ID < c.ID
}

var _ Store = (*MemoryStore)(nil)
