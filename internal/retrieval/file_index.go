package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"
)

type filePassage struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

type fileDocument struct {
	Passages []filePassage `json:"passages"`
}

// FileIndex is an in-process knowledge base loaded from a JSON passage file.
// It ranks by cosine similarity when passages carry embeddings and an embedder
// is available, and by query-term overlap otherwise.
type FileIndex struct {
	passages []filePassage
	terms    []map[string]struct{}
	embedder Embedder
	vector   bool
}

// LoadFileIndex reads {"passages":[{"text":..., "embedding":[...]}]} or a bare
// array of passages from path.
func LoadFileIndex(path string, embedder Embedder) (*FileIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base %s: %w", path, err)
	}
	return parseFileIndex(path, raw, embedder)
}

// LoadFileIndexFS is LoadFileIndex over an fs.FS, used for bundled knowledge bases.
func LoadFileIndexFS(fsys fs.FS, path string, embedder Embedder) (*FileIndex, error) {
	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base %s: %w", path, err)
	}
	return parseFileIndex(path, raw, embedder)
}

func parseFileIndex(path string, raw []byte, embedder Embedder) (*FileIndex, error) {
	passages, err := decodePassages(raw)
	if err != nil {
		return nil, fmt.Errorf("decode knowledge base %s: %w", path, err)
	}
	return newFileIndex(passages, embedder)
}

func decodePassages(raw []byte) ([]filePassage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var arr []filePassage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc.Passages, nil
}

func newFileIndex(passages []filePassage, embedder Embedder) (*FileIndex, error) {
	idx := &FileIndex{
		passages: make([]filePassage, 0, len(passages)),
		embedder: embedder,
	}
	withEmbedding := 0
	dims := 0
	for i, p := range passages {
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("passage %d has no text", i)
		}
		if len(p.Embedding) > 0 {
			if dims == 0 {
				dims = len(p.Embedding)
			} else if len(p.Embedding) != dims {
				return nil, fmt.Errorf("passage %d embedding has %d dimensions, want %d", i, len(p.Embedding), dims)
			}
			withEmbedding++
		}
		idx.passages = append(idx.passages, p)
		idx.terms = append(idx.terms, termSet(p.Text))
	}
	if withEmbedding > 0 && withEmbedding != len(passages) {
		return nil, errors.New("either all passages or none must carry embeddings")
	}
	idx.vector = embedder != nil && withEmbedding > 0
	return idx, nil
}

// NewTextIndex builds a lexical index over plain passages.
func NewTextIndex(texts ...string) *FileIndex {
	passages := make([]filePassage, 0, len(texts))
	for _, t := range texts {
		passages = append(passages, filePassage{Text: t})
	}
	idx, err := newFileIndex(passages, nil)
	if err != nil {
		panic(err)
	}
	return idx
}

func (f *FileIndex) Len() int { return len(f.passages) }

func (f *FileIndex) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if len(f.passages) == 0 || k <= 0 {
		return nil, nil
	}

	scores := make([]float64, len(f.passages))
	if f.vector {
		q, err := f.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		for i, p := range f.passages {
			s, err := cosine(q, p.Embedding)
			if err != nil {
				return nil, err
			}
			scores[i] = s
		}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		qt := termSet(query)
		for i, pt := range f.terms {
			scores[i] = overlap(qt, pt)
		}
	}

	order := make([]int, len(f.passages))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if k > len(order) {
		k = len(order)
	}

	out := make([]Passage, 0, k)
	for _, i := range order[:k] {
		out = append(out, Passage{Text: f.passages[i].Text, Score: scores[i]})
	}
	return out, nil
}

func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("query embedding has %d dimensions, knowledge base has %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

func termSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

func overlap(query, passage map[string]struct{}) float64 {
	if len(query) == 0 || len(passage) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := passage[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
