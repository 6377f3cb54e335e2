package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/web-ingest/internal/entity"
)

func TestChunkWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)

	chunks := []entity.ChunkRecord{
		{ID: "1", Text: "first", Index: 0, SourceURL: "https://example.com/", CrawledAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), SourceType: entity.SourceWebsite},
		{ID: "2", Text: "second", Index: 1, SourceURL: "https://example.com/", SourceType: entity.SourceWebsite},
	}
	n, err := w.Index(context.Background(), "web_example_com", slices.Values(chunks))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "web_example_com", got["collection"])
	assert.Equal(t, "first", got["text"])
	assert.Equal(t, "2026-02-03T04:05:06Z", got["crawl_date"])
	assert.Equal(t, "website", got["metadata"].(map[string]any)["source_type"])
}

func TestChunkWriterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := NewChunkWriter(&bytes.Buffer{}).Index(ctx, "c", slices.Values([]entity.ChunkRecord{{ID: "1"}}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
