// Package storage persists crawl records and their snapshot blobs. The
// record index lives in NATS KV; blobs and crunched exports live in
// object storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record or object does not exist.
var ErrNotFound = errors.New("not found")

// CrawledRecord indexes one persisted crawl. The snapshot itself is a
// JSON blob in object storage at SnapshotPath.
type CrawledRecord struct {
	ID           string    `json:"_id"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"createdAt"`
	SnapshotPath string    `json:"snapshotPath"`
}

// SnapshotKey returns the object key of a record's snapshot blob.
func SnapshotKey(recordID string) string {
	return "snapshots/" + recordID
}

// NewRecordID generates a record identifier.
func NewRecordID() string {
	return uuid.New().String()
}

// RecordStore stores and queries crawl records.
type RecordStore interface {
	// Create persists a record, assigning ID and CreatedAt when unset.
	Create(ctx context.Context, rec *CrawledRecord) error
	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, id string) (*CrawledRecord, error)
	// ListRange returns records with CreatedAt in [from, to), ordered by
	// CreatedAt ascending, skipping offset records and returning at most
	// limit.
	ListRange(ctx context.Context, from, to time.Time, offset, limit int) ([]*CrawledRecord, error)
}

// ObjectStore stores opaque blobs under string keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns a blob or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// URL returns the public URL an object is served from.
	URL(key string) string
}

// Screenshots adapts an ObjectStore to the formatter's screenshot sink,
// storing each capture under a fresh key.
type Screenshots struct {
	Objects ObjectStore
}

// PutScreenshot uploads PNG bytes and returns the serving URL.
func (s *Screenshots) PutScreenshot(ctx context.Context, data []byte) (string, error) {
	key := "screenshots/" + uuid.New().String() + ".png"
	if err := s.Objects.Put(ctx, key, data, "image/png"); err != nil {
		return "", err
	}
	return s.Objects.URL(key), nil
}
