// Package retrieval ranks story-world material for a scene description. It
// searches the current story first and falls back to the shared reference
// pool when the story has too little to offer.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"sagaforge/internal/store"
)

type Fragment struct {
	Source     string
	Kind       string
	Title      string
	Content    string
	Snippet    string
	Importance int
	Score      float64
	Seq        int64
	Shared     bool
}

type Query struct {
	Text     string
	StoryID  string
	BranchID string
	Scope    store.Scope
	Source   string
	Kinds    []string
	TopK     int
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Fragment, error)
}

// Policy decides when story-scoped results are insufficient. A story query
// returning fewer than MinStoryFragments results (capped at TopK) is topped up
// from the shared pool. Zero disables the fallback.
type Policy struct {
	MinStoryFragments int
}

type LoreSearcher interface {
	Search(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error)
}

type StoreSearcher struct {
	lore   LoreSearcher
	policy Policy
}

func New(lore LoreSearcher, policy Policy) *StoreSearcher {
	return &StoreSearcher{lore: lore, policy: policy}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Fragment, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}
	scope := q.Scope
	if scope == "" {
		scope = store.ScopeStory
	}

	results, err := s.lore.Search(ctx, store.SearchQuery{
		Text:     q.Text,
		StoryID:  q.StoryID,
		BranchID: q.BranchID,
		Scope:    scope,
		Source:   q.Source,
		Kinds:    q.Kinds,
		Limit:    topK,
		Loose:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s scope: %w", scope, err)
	}
	fragments := toFragments(results, scope == store.ScopeGlobal)

	if scope != store.ScopeStory || !s.needsFallback(len(fragments), topK) {
		return fragments, nil
	}

	shared, err := s.lore.Search(ctx, store.SearchQuery{
		Text:   q.Text,
		Scope:  store.ScopeGlobal,
		Source: q.Source,
		Kinds:  q.Kinds,
		Limit:  topK - len(fragments),
		Loose:  true,
	})
	if err != nil {
		// The story results are still usable.
		return fragments, fmt.Errorf("searching shared pool: %w", err)
	}
	return append(fragments, toFragments(shared, true)...), nil
}

func (s *StoreSearcher) needsFallback(found, topK int) bool {
	threshold := min(s.policy.MinStoryFragments, topK)
	return threshold > 0 && found < threshold
}

func toFragments(results []store.SearchResult, shared bool) []Fragment {
	out := make([]Fragment, 0, len(results))
	for _, r := range results {
		out = append(out, Fragment{
			Source:     r.Source,
			Kind:       r.Kind,
			Title:      r.Title,
			Content:    r.Content,
			Snippet:    r.Snippet,
			Importance: r.Importance,
			Score:      r.Score,
			Seq:        r.Seq,
			Shared:     shared || r.StoryID == "",
		})
	}
	return out
}
