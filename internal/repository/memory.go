package repository

import (
	"context"
	"maps"
	"sync"
)

// MemoryConnector keeps records in process memory. Useful for tests and
// throwaway scans.
type MemoryConnector struct {
	mu        sync.RWMutex
	connected bool
	indexes   map[string]map[string]Record // index -> key -> record
}

// NewMemoryConnector returns an empty, disconnected MemoryConnector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{indexes: make(map[string]map[string]Record)}
}

func (m *MemoryConnector) Name() string { return "memory" }

func (m *MemoryConnector) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return ErrAlreadyConnected
	}
	m.connected = true
	return nil
}

func (m *MemoryConnector) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.connected = false
	return nil
}

func (m *MemoryConnector) Persist(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	for _, rec := range records {
		idx, ok := m.indexes[rec.Index]
		if !ok {
			idx = make(map[string]Record)
			m.indexes[rec.Index] = idx
		}
		rec.Source = maps.Clone(rec.Source)
		idx[rec.Key()] = rec
	}
	return nil
}

func (m *MemoryConnector) Retrieve(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	var out []Record
	for _, rec := range m.indexes[q.Index] {
		if q.Match(rec) {
			rec.Source = maps.Clone(rec.Source)
			out = append(out, rec)
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryConnector) Delete(_ context.Context, q Query) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}
	n := 0
	for key, rec := range m.indexes[q.Index] {
		if q.Match(rec) {
			delete(m.indexes[q.Index], key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of records stored under index.
func (m *MemoryConnector) Len(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indexes[index])
}

// DevNullConnector drops everything it is given.
type DevNullConnector struct{}

func (DevNullConnector) Name() string { return "devnull" }

func (DevNullConnector) Connect(context.Context) error { return nil }

func (DevNullConnector) Disconnect(context.Context) error { return nil }

func (DevNullConnector) Persist(context.Context, []Record) error { return nil }

func (DevNullConnector) Delete(context.Context, Query) (int, error) { return 0, nil }

func (DevNullConnector) Retrieve(context.Context, Query) ([]Record, error) {
	return nil, ErrRetrieveUnsupported
}
