package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordStoreCreateAssignsDefaults(t *testing.T) {
	s := NewMemoryRecordStore()

	rec := &CrawledRecord{URL: "https://example.com/"}
	require.NoError(t, s.Create(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, SnapshotKey(rec.ID), rec.SnapshotPath)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.URL, got.URL)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRecordStoreListRange(t *testing.T) {
	s := NewMemoryRecordStore()
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Create(context.Background(), &CrawledRecord{
			ID:        fmt.Sprintf("r%02d", i),
			URL:       fmt.Sprintf("https://example.com/%d", i),
			CreatedAt: day.Add(time.Duration(i) * time.Minute),
		}))
	}
	// One record the day after, outside every queried range.
	require.NoError(t, s.Create(context.Background(), &CrawledRecord{
		ID:        "next-day",
		CreatedAt: day.Add(25 * time.Hour),
	}))

	records, err := s.ListRange(context.Background(), day, day.AddDate(0, 0, 1), 0, 4)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "r00", records[0].ID)
	assert.Equal(t, "r03", records[3].ID)

	records, err = s.ListRange(context.Background(), day, day.AddDate(0, 0, 1), 8, 4)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r08", records[0].ID)

	records, err = s.ListRange(context.Background(), day, day.AddDate(0, 0, 1), 10, 4)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryObjectStore(t *testing.T) {
	s := NewMemoryObjectStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b", []byte("data"), "text/plain"))

	got, err := s.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
	assert.Equal(t, "text/plain", s.ContentType("a/b"))

	ok, err := s.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScreenshots(t *testing.T) {
	objects := NewMemoryObjectStore()
	shots := &Screenshots{Objects: objects}

	url, err := shots.PutScreenshot(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.Contains(t, url, "memory://screenshots/")

	keys := objects.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "image/png", objects.ContentType(keys[0]))
}
