package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketRecords is the KV bucket holding crawl records.
const BucketRecords = "LECTOR_RECORDS"

// KVRecordStore is a RecordStore backed by NATS JetStream KV.
type KVRecordStore struct {
	kv jetstream.KeyValue
}

// NewKVRecordStore opens the records bucket, creating it if missing.
func NewKVRecordStore(ctx context.Context, js jetstream.JetStream) (*KVRecordStore, error) {
	kv, err := js.KeyValue(ctx, BucketRecords)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketRecords,
			Description: "Lector crawl records",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create records bucket: %w", err)
		}
	}
	return &KVRecordStore{kv: kv}, nil
}

// Create persists a record.
func (s *KVRecordStore) Create(ctx context.Context, rec *CrawledRecord) error {
	if rec.ID == "" {
		rec.ID = NewRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.SnapshotPath == "" {
		rec.SnapshotPath = SnapshotKey(rec.ID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.kv.Create(ctx, rec.ID, data); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// Get returns one record.
func (s *KVRecordStore) Get(ctx context.Context, id string) (*CrawledRecord, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec CrawledRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// ListRange scans the bucket and pages through records by CreatedAt.
// KV offers no secondary index, so the scan loads all keys; record
// volume per bucket stays small enough that the nightly export absorbs
// this.
func (s *KVRecordStore) ListRange(ctx context.Context, from, to time.Time, offset, limit int) ([]*CrawledRecord, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list record keys: %w", err)
	}

	var records []*CrawledRecord
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Deleted between Keys and Get.
		}
		var rec CrawledRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		records = append(records, &rec)
	}

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
