package crunch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectorlabs/lector/browser"
	"github.com/lectorlabs/lector/config"
	"github.com/lectorlabs/lector/storage"
)

func testConfig() config.CrunchConfig {
	return config.CrunchConfig{
		Prefix:      "crunched",
		Rev:         2,
		TMinusDays:  2,
		BatchSize:   10000,
		MaxInflight: 100,
	}
}

// seedRecords stores n records with snapshots on the given day.
func seedRecords(t *testing.T, records *storage.MemoryRecordStore, objects *storage.MemoryObjectStore, day time.Time, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		rec := &storage.CrawledRecord{
			ID:        fmt.Sprintf("rec-%07d", i),
			URL:       fmt.Sprintf("https://example.com/%d", i),
			CreatedAt: day.Add(time.Duration(i) * time.Millisecond),
		}
		rec.SnapshotPath = storage.SnapshotKey(rec.ID)
		require.NoError(t, records.Create(ctx, rec))

		snap := browser.Snapshot{
			Href:    rec.URL,
			Title:   "t",
			Content: "<p>hello</p>",
			HTML:    "<html><body><p>hello</p></body></html>",
		}
		blob, err := json.Marshal(&snap)
		require.NoError(t, err)
		require.NoError(t, objects.Put(ctx, rec.SnapshotPath, blob, "application/json"))
	}
}

func countLines(t *testing.T, data []byte) int {
	t.Helper()
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestFileNameLabels(t *testing.T) {
	c := New(storage.NewMemoryRecordStore(), storage.NewMemoryObjectStore(), testConfig())
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "crunched/r2/2026-08-23-00000.jsonl", c.FileName(day, 0))
	assert.Equal(t, "crunched/r2/2026-08-23-10000.jsonl", c.FileName(day, 10000))
	assert.Equal(t, "crunched/r2/2026-08-23-20000.jsonl", c.FileName(day, 20000))
}

func TestRunSplitsDayIntoBatches(t *testing.T) {
	records := storage.NewMemoryRecordStore()
	objects := storage.NewMemoryObjectStore()
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	seedRecords(t, records, objects, day, 24999)

	c := New(records, objects, testConfig())

	var uploaded []string
	now := day.AddDate(0, 0, 1).Add(2 * time.Minute)
	require.NoError(t, c.Run(context.Background(), now, func(name string) {
		uploaded = append(uploaded, name)
	}))

	assert.Equal(t, []string{
		"crunched/r2/2026-08-23-00000.jsonl",
		"crunched/r2/2026-08-23-10000.jsonl",
		"crunched/r2/2026-08-23-20000.jsonl",
	}, uploaded)

	for name, want := range map[string]int{
		"crunched/r2/2026-08-23-00000.jsonl": 10000,
		"crunched/r2/2026-08-23-10000.jsonl": 10000,
		"crunched/r2/2026-08-23-20000.jsonl": 4999,
	} {
		data, err := objects.Get(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, want, countLines(t, data), name)
		assert.Equal(t, "application/jsonl", objects.ContentType(name))
	}
}

func TestRunLineShape(t *testing.T) {
	records := storage.NewMemoryRecordStore()
	objects := storage.NewMemoryObjectStore()
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	seedRecords(t, records, objects, day, 1)

	c := New(records, objects, testConfig())
	now := day.AddDate(0, 0, 1)
	require.NoError(t, c.Run(context.Background(), now, nil))

	data, err := objects.Get(context.Background(), "crunched/r2/2026-08-23-00000.jsonl")
	require.NoError(t, err)

	var line Line
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "https://example.com/0", line.URL)
	assert.Equal(t, "<html><body><p>hello</p></body></html>", line.HTML)
	assert.Equal(t, "hello", line.Content)
}

func TestRunFallsBackToFullPageMarkdown(t *testing.T) {
	records := storage.NewMemoryRecordStore()
	objects := storage.NewMemoryObjectStore()
	ctx := context.Background()
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)

	rec := &storage.CrawledRecord{ID: "r1", URL: "https://example.com/x", CreatedAt: day.Add(time.Hour)}
	rec.SnapshotPath = storage.SnapshotKey(rec.ID)
	require.NoError(t, records.Create(ctx, rec))

	// Extraction produced nothing; only the raw DOM survives.
	snap := browser.Snapshot{Href: rec.URL, HTML: "<html><body><main><p>raw body text</p></main></body></html>"}
	blob, err := json.Marshal(&snap)
	require.NoError(t, err)
	require.NoError(t, objects.Put(ctx, rec.SnapshotPath, blob, "application/json"))

	c := New(records, objects, testConfig())
	require.NoError(t, c.Run(ctx, day.AddDate(0, 0, 1), nil))

	data, err := objects.Get(ctx, "crunched/r2/2026-08-23-00000.jsonl")
	require.NoError(t, err)

	var line Line
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Contains(t, line.Content, "raw body text")
}

func TestRunSkipsExistingFiles(t *testing.T) {
	records := storage.NewMemoryRecordStore()
	objects := storage.NewMemoryObjectStore()
	ctx := context.Background()
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	seedRecords(t, records, objects, day, 3)

	// Pretend a previous run already wrote the day's first file.
	sentinel := []byte("already here\n")
	require.NoError(t, objects.Put(ctx, "crunched/r2/2026-08-23-00000.jsonl", sentinel, "application/jsonl"))

	c := New(records, objects, testConfig())

	var uploaded []string
	require.NoError(t, c.Run(ctx, day.AddDate(0, 0, 1), func(name string) {
		uploaded = append(uploaded, name)
	}))

	assert.Empty(t, uploaded)
	data, err := objects.Get(ctx, "crunched/r2/2026-08-23-00000.jsonl")
	require.NoError(t, err)
	assert.Equal(t, sentinel, data)
}

func TestRunSkipsBrokenSnapshots(t *testing.T) {
	records := storage.NewMemoryRecordStore()
	objects := storage.NewMemoryObjectStore()
	ctx := context.Background()
	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	seedRecords(t, records, objects, day, 2)

	// Corrupt one snapshot blob and drop another record's blob entirely.
	require.NoError(t, objects.Put(ctx, storage.SnapshotKey("rec-0000000"), []byte("not json"), "application/json"))
	rec := &storage.CrawledRecord{ID: "rec-lost", URL: "https://example.com/lost", CreatedAt: day.Add(time.Hour)}
	rec.SnapshotPath = storage.SnapshotKey(rec.ID)
	require.NoError(t, records.Create(ctx, rec))

	c := New(records, objects, testConfig())
	require.NoError(t, c.Run(ctx, day.AddDate(0, 0, 1), nil))

	data, err := objects.Get(ctx, "crunched/r2/2026-08-23-00000.jsonl")
	require.NoError(t, err)
	// Only the intact record made it out.
	assert.Equal(t, 1, countLines(t, data))
}
