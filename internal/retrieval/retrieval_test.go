package retrieval

import (
	"context"
	"errors"
	"testing"

	"sagaforge/internal/store"
)

type mockLore struct {
	byScope map[store.Scope][]store.SearchResult
	errs    map[store.Scope]error
	queries []store.SearchQuery
}

func (m *mockLore) Search(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error) {
	m.queries = append(m.queries, q)
	if err := m.errs[q.Scope]; err != nil {
		return nil, err
	}
	out := m.byScope[q.Scope]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func TestSearchFallsBackToSharedPool(t *testing.T) {
	lore := &mockLore{byScope: map[store.Scope][]store.SearchResult{
		store.ScopeStory:  {{Title: "Harbor", StoryID: "s1", Score: 3}},
		store.ScopeGlobal: {{Title: "Storm voice"}, {Title: "Sea shanty"}, {Title: "Extra"}},
	}}
	s := New(lore, Policy{MinStoryFragments: 2})

	got, err := s.Search(context.Background(), Query{Text: "harbor storm", StoryID: "s1", BranchID: "main", Source: store.SourceReference, TopK: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 fragments, got %+v", got)
	}
	if got[0].Shared || !got[1].Shared || !got[2].Shared {
		t.Fatalf("unexpected shared flags: %+v", got)
	}
	if len(lore.queries) != 2 || lore.queries[1].Limit != 2 || lore.queries[1].StoryID != "" {
		t.Fatalf("unexpected fallback query: %+v", lore.queries)
	}
	if !lore.queries[0].Loose {
		t.Fatalf("scene queries should match loosely")
	}
}

func TestSearchSkipsFallbackWhenStoryIsSufficient(t *testing.T) {
	lore := &mockLore{byScope: map[store.Scope][]store.SearchResult{
		store.ScopeStory: {{Title: "a", StoryID: "s1"}, {Title: "b", StoryID: "s1"}},
	}}
	s := New(lore, Policy{MinStoryFragments: 2})

	got, err := s.Search(context.Background(), Query{Text: "x", StoryID: "s1", TopK: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || len(lore.queries) != 1 {
		t.Fatalf("expected story results only, got %d fragments from %d queries", len(got), len(lore.queries))
	}
}

func TestSearchThresholdCappedAtTopK(t *testing.T) {
	lore := &mockLore{byScope: map[store.Scope][]store.SearchResult{
		store.ScopeStory: {{Title: "only", StoryID: "s1"}},
	}}
	s := New(lore, Policy{MinStoryFragments: 4})

	if _, err := s.Search(context.Background(), Query{Text: "x", StoryID: "s1", TopK: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lore.queries) != 1 {
		t.Fatalf("a full top-k should not fall back, got %d queries", len(lore.queries))
	}
}

func TestSearchSharedFailureKeepsStoryResults(t *testing.T) {
	lore := &mockLore{
		byScope: map[store.Scope][]store.SearchResult{store.ScopeStory: {{Title: "a", StoryID: "s1"}}},
		errs:    map[store.Scope]error{store.ScopeGlobal: errors.New("index offline")},
	}
	s := New(lore, Policy{MinStoryFragments: 3})

	got, err := s.Search(context.Background(), Query{Text: "x", StoryID: "s1", TopK: 3})
	if err == nil {
		t.Fatalf("expected shared pool error")
	}
	if len(got) != 1 {
		t.Fatalf("expected story fragments to survive, got %+v", got)
	}
}

func TestSearchEmptyText(t *testing.T) {
	lore := &mockLore{}
	got, err := New(lore, Policy{}).Search(context.Background(), Query{Text: "  "})
	if err != nil || got != nil || len(lore.queries) != 0 {
		t.Fatalf("expected no-op, got %v, %v", got, err)
	}
}
