// Package chunker splits extracted page text into overlapping windows.
package chunker

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/user/web-ingest/internal/entity"
)

const (
	DefaultSize    = 2000
	DefaultOverlap = 200

	charsPerToken = 4
)

var ErrInvalidWindow = errors.New("chunk overlap must be smaller than chunk size")

// TokensToChars converts an approximate token count to characters.
func TokensToChars(tokens int) int {
	return tokens * charsPerToken
}

// Window is one slice of the input text. Start is measured in characters.
type Window struct {
	Start int
	Text  string
}

type Chunker struct {
	size    int
	overlap int
}

// New returns a chunker with windows of size characters, each starting
// size-overlap characters after the previous one.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 || overlap < 0 {
		return nil, fmt.Errorf("chunk size %d, overlap %d: %w", size, overlap, ErrInvalidWindow)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk size %d, overlap %d: %w", size, overlap, ErrInvalidWindow)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split yields the windows of text in order. Every window but the last is
// exactly Size characters long.
func (c *Chunker) Split(text string) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		runes := []rune(text)
		n := len(runes)
		step := c.size - c.overlap
		for start := 0; start < n; start += step {
			end := min(start+c.size, n)
			if !yield(Window{Start: start, Text: string(runes[start:end])}) {
				return
			}
			if end == n {
				return
			}
		}
	}
}

// Chunk turns a page into chunk records. Whitespace-only windows are skipped.
// The returned sequence can be ranged over once; later ranges yield nothing.
func (c *Chunker) Chunk(page entity.PageRecord) iter.Seq[entity.ChunkRecord] {
	var used atomic.Bool
	return func(yield func(entity.ChunkRecord) bool) {
		if used.Swap(true) {
			return
		}
		index := 0
		for w := range c.Split(page.Text) {
			if strings.TrimSpace(w.Text) == "" {
				continue
			}
			rec := entity.ChunkRecord{
				ID:         ChunkID(page.URL, index),
				Text:       w.Text,
				Length:     utf8.RuneCountInString(w.Text),
				Index:      index,
				Offset:     w.Start,
				SourceURL:  page.URL,
				PageTitle:  page.Title,
				CrawledAt:  page.FetchedAt,
				Domain:     page.Domain,
				SourceType: entity.SourceWebsite,
			}
			index++
			if !yield(rec) {
				return
			}
		}
	}
}

// ChunkID is stable for a URL and chunk position, so re-ingesting a page
// overwrites its previous chunks.
func ChunkID(pageURL string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s#chunk-%d", pageURL, index)).String()
}
