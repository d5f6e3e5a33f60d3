// Package knowledge serves grounding context for the assistant from a
// directory of markdown files. Retrieval is plain keyword scoring; no
// embeddings, no external index, reload on file change.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	keywordWeight = 0.6
	headerWeight  = 0.25
	fuzzyWeight   = 0.15

	minChunkBytes = 30
)

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// Chunk is one retrievable unit: a markdown section with its header.
type Chunk struct {
	Source string // file the chunk came from
	Header string // section header, or the file name when headerless
	Text   string // full section text including the header line
}

// Result pairs a chunk with its relevance score.
type Result struct {
	Chunk Chunk
	Score float64
}

// Config controls retrieval.
type Config struct {
	Dir       string
	TopK      int
	Threshold float64
}

// Base holds the loaded chunks. Reloads swap the whole chunk slice
// under a write lock; searches take the read lock.
type Base struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	chunks []Chunk
}

// NewBase loads the directory once. A missing or empty directory is
// not an error; the base just answers every search with nothing.
func NewBase(cfg Config, logger zerolog.Logger) *Base {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.15
	}
	b := &Base{cfg: cfg, logger: logger}
	b.Reload()
	return b
}

// Len returns the number of loaded chunks.
func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Reload re-reads every markdown file in the directory.
func (b *Base) Reload() {
	var chunks []Chunk

	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn().Err(err).Str("dir", b.cfg.Dir).Msg("cannot read knowledge dir")
		}
		b.swap(chunks)
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(b.cfg.Dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn().Err(err).Str("file", path).Msg("cannot read knowledge file")
			continue
		}
		chunks = append(chunks, chunkFile(e.Name(), string(data))...)
	}

	b.swap(chunks)
	b.logger.Info().Int("chunks", len(chunks)).Str("dir", b.cfg.Dir).Msg("knowledge loaded")
}

func (b *Base) swap(chunks []Chunk) {
	b.mu.Lock()
	b.chunks = chunks
	b.mu.Unlock()
}

// chunkFile splits markdown content into sections at "## " headers.
// Files without headers become a single chunk. Sections shorter than
// minChunkBytes carry too little signal and are dropped.
func chunkFile(name, content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	parts := strings.Split("\n"+content, "\n## ")
	if len(parts) == 1 {
		if len(content) < minChunkBytes {
			return nil
		}
		return []Chunk{{Source: name, Header: name, Text: content}}
	}

	var chunks []Chunk
	// parts[0] is any preamble before the first header
	if pre := strings.TrimSpace(parts[0]); len(pre) >= minChunkBytes {
		chunks = append(chunks, Chunk{Source: name, Header: name, Text: pre})
	}
	for _, part := range parts[1:] {
		text := strings.TrimSpace("## " + part)
		if len(text) < minChunkBytes {
			continue
		}
		header, _, _ := strings.Cut(part, "\n")
		chunks = append(chunks, Chunk{
			Source: name,
			Header: strings.TrimSpace(header),
			Text:   text,
		})
	}
	return chunks
}

// Search scores every chunk against the query and returns the best
// matches above the threshold, highest score first.
func (b *Base) Search(query string) []Result {
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		return nil
	}

	b.mu.RLock()
	chunks := b.chunks
	b.mu.RUnlock()

	var results []Result
	for _, c := range chunks {
		score := scoreChunk(queryWords, query, c)
		if score >= b.cfg.Threshold {
			results = append(results, Result{Chunk: c, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > b.cfg.TopK {
		results = results[:b.cfg.TopK]
	}
	return results
}

// Context runs Search and joins the winning chunks into a single
// block ready for prompt inclusion. Empty when nothing matches.
func (b *Base) Context(query string) string {
	results := b.Search(query)
	if len(results) == 0 {
		return ""
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}
	return strings.Join(texts, "\n\n---\n\n")
}

// scoreChunk blends three signals: how many query words appear in the
// chunk body, how many appear in the section header, and a fuzzy
// similarity between query and header for near-miss phrasing.
func scoreChunk(queryWords map[string]struct{}, query string, c Chunk) float64 {
	bodyWords := tokenize(c.Text)
	headerWords := tokenize(c.Header)

	return keywordWeight*overlap(queryWords, bodyWords) +
		headerWeight*overlap(queryWords, headerWords) +
		fuzzyWeight*bigramSimilarity(strings.ToLower(query), strings.ToLower(c.Header))
}

func tokenize(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		if len(w) >= 3 {
			words[w] = struct{}{}
		}
	}
	return words
}

// overlap is the fraction of query words present in the candidate set.
func overlap(query, candidate map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := candidate[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// bigramSimilarity is the Dice coefficient over character bigrams, a
// cheap stand-in for edit-distance style fuzzy matching.
func bigramSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	grams := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		grams[a[i:i+2]]++
	}
	shared := 0
	for i := 0; i < len(b)-1; i++ {
		g := b[i : i+2]
		if grams[g] > 0 {
			grams[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b)-2)
}

// ValidateDir reports an error when the configured directory exists
// but is not readable, so startup can warn loudly instead of serving
// empty context forever.
func ValidateDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat knowledge dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("knowledge path %s is not a directory", dir)
	}
	return nil
}
