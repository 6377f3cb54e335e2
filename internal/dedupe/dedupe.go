// Package dedupe drops chunks that nearly repeat a chunk already accepted in
// the same crawl.
//
// Similarity is the token overlap of two chunks: the number of distinct
// lowercase words they share divided by the size of the larger word set. Two
// chunks with the same words score 1; a chunk is dropped when its best score
// against every accepted chunk is strictly greater than the threshold.
// Chunks are judged in the order they arrive, so of two near duplicates the
// first one produced is kept.
package dedupe

import (
	"crypto/sha256"
	"iter"
	"strings"
	"unicode"

	"github.com/user/web-ingest/internal/entity"
)

const DefaultThreshold = 0.95

type accepted struct {
	words map[string]struct{}
}

// Filter holds the accepted set for one crawl. It is not safe for concurrent
// use.
type Filter struct {
	threshold float64
	hashes    map[[sha256.Size]byte]struct{}
	kept      []accepted
	// index maps a word to the accepted chunks containing it.
	index   map[string][]int
	dropped int
}

func New(threshold float64) *Filter {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Filter{
		threshold: threshold,
		hashes:    make(map[[sha256.Size]byte]struct{}),
		index:     make(map[string][]int),
	}
}

// Apply yields the chunks of seq that are not near duplicates of an earlier
// accepted chunk. Accepted chunks stay in the filter for later calls.
func (f *Filter) Apply(seq iter.Seq[entity.ChunkRecord]) iter.Seq[entity.ChunkRecord] {
	return func(yield func(entity.ChunkRecord) bool) {
		for rec := range seq {
			if !f.Accept(rec.Text) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Accept decides a single chunk text and records it when kept.
func (f *Filter) Accept(text string) bool {
	sum := sha256.Sum256([]byte(text))
	if _, dup := f.hashes[sum]; dup {
		f.dropped++
		return false
	}

	words := wordSet(text)
	if f.MaxSimilarity(words) > f.threshold {
		f.dropped++
		return false
	}

	f.hashes[sum] = struct{}{}
	id := len(f.kept)
	f.kept = append(f.kept, accepted{words: words})
	for w := range words {
		f.index[w] = append(f.index[w], id)
	}
	return true
}

// MaxSimilarity is the highest similarity between words and any accepted chunk.
func (f *Filter) MaxSimilarity(words map[string]struct{}) float64 {
	if len(words) == 0 {
		return 0
	}
	shared := make(map[int]int)
	for w := range words {
		for _, id := range f.index[w] {
			shared[id]++
		}
	}
	best := 0.0
	for id, n := range shared {
		denom := max(len(words), len(f.kept[id].words))
		if s := float64(n) / float64(denom); s > best {
			best = s
		}
	}
	return best
}

// Dropped is the number of chunks rejected so far.
func (f *Filter) Dropped() int { return f.dropped }

// Kept is the number of chunks accepted so far.
func (f *Filter) Kept() int { return len(f.kept) }

// Similarity is the token overlap of two texts.
func Similarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	n := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			n++
		}
	}
	return float64(n) / float64(max(len(wa), len(wb)))
}

func wordSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
