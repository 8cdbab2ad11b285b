package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore is an in-memory RecordStore for tests and single-node
// development.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*CrawledRecord
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*CrawledRecord)}
}

// Create persists a record.
func (s *MemoryRecordStore) Create(_ context.Context, rec *CrawledRecord) error {
	if rec.ID == "" {
		rec.ID = NewRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.SnapshotPath == "" {
		rec.SnapshotPath = SnapshotKey(rec.ID)
	}

	cp := *rec
	s.mu.Lock()
	s.records[rec.ID] = &cp
	s.mu.Unlock()
	return nil
}

// Get returns one record.
func (s *MemoryRecordStore) Get(_ context.Context, id string) (*CrawledRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListRange pages records by CreatedAt ascending.
func (s *MemoryRecordStore) ListRange(_ context.Context, from, to time.Time, offset, limit int) ([]*CrawledRecord, error) {
	s.mu.RLock()
	var records []*CrawledRecord
	for _, rec := range s.records {
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		cp := *rec
		records = append(records, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MemoryObjectStore is an in-memory ObjectStore.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

// NewMemoryObjectStore creates an empty store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put stores a blob.
func (s *MemoryObjectStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.objects[key] = cp
	s.types[key] = contentType
	s.mu.Unlock()
	return nil
}

// Get returns a blob.
func (s *MemoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists checks presence.
func (s *MemoryObjectStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// URL returns a synthetic URL for the key.
func (s *MemoryObjectStore) URL(key string) string {
	return "memory://" + key
}

// ContentType returns the stored content type, for assertions in tests.
func (s *MemoryObjectStore) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[key]
}

// Keys lists stored keys, for assertions in tests.
func (s *MemoryObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
