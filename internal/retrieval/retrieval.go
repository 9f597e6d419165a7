package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable marks knowledge-base failures and timeouts during a turn.
var ErrUnavailable = errors.New("retrieval unavailable")

// Passage is one ranked chunk of a knowledge base.
type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Index is a nearest-neighbour store over one project's reference text.
// Results are ordered by descending relevance.
type Index interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Search returns the texts of the top k passages in index order. A nil index
// or an empty knowledge base yields an empty slice.
func Search(ctx context.Context, idx Index, query string, k int) ([]string, error) {
	if idx == nil || k <= 0 {
		return []string{}, nil
	}
	passages, err := idx.Search(ctx, query, k)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(passages) > k {
		passages = passages[:k]
	}
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		out = append(out, p.Text)
	}
	return out, nil
}

// JoinContext renders passages as the prompt's context block.
func JoinContext(passages []string) string {
	return strings.Join(passages, "\n")
}

// EmptyIndex is a knowledge base with no passages.
type EmptyIndex struct{}

func (EmptyIndex) Search(context.Context, string, int) ([]Passage, error) { return nil, nil }
