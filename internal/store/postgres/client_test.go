//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("SAGAFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SAGAFORGE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return c
}

func TestCommitAndForkRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	storyID := "pg-" + uuid.NewString()

	if err := c.CreateStory(ctx, story.Story{ID: storyID, Title: "Tide"}); err != nil {
		t.Fatalf("create story: %v", err)
	}
	if err := c.CreateStory(ctx, story.Story{ID: storyID}); !errors.Is(err, store.ErrStoryExists) {
		t.Fatalf("expected ErrStoryExists, got %v", err)
	}
	if err := c.SeedCharacter(ctx, story.CharacterState{StoryID: storyID, Name: "Ada", Mood: "wary"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for n := 1; n <= 3; n++ {
		if err := c.UpsertPlotPoint(ctx, story.PlotPoint{StoryID: storyID, BranchID: story.MainBranch, Chapter: n, Title: "beat"}); err != nil {
			t.Fatalf("plot point %d: %v", n, err)
		}
	}

	for n := 1; n <= 2; n++ {
		err := c.CommitChapter(ctx, store.Commit{
			Chapter: story.Chapter{StoryID: storyID, BranchID: story.MainBranch, Number: n, Content: "text", KeyEvents: []string{"storm"}},
			Characters: []story.CharacterState{{StoryID: storyID, BranchID: story.MainBranch, Name: "Ada", AsOf: n, Mood: "tired"}},
			Audits: []story.AuditRecord{{ID: uuid.NewString(), StoryID: storyID, BranchID: story.MainBranch, Chapter: n, Attempt: 1, Passed: true, Score: 0.9}},
		})
		if err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
	}

	err := c.CommitChapter(ctx, store.Commit{Chapter: story.Chapter{StoryID: storyID, BranchID: story.MainBranch, Number: 2, Content: "again"}})
	if !errors.Is(err, store.ErrDuplicateChapter) {
		t.Fatalf("expected ErrDuplicateChapter, got %v", err)
	}

	plan, err := store.PlanFork(ctx, c, story.Branch{StoryID: storyID, ID: "alt", ParentID: story.MainBranch, ForkChapter: 1})
	if err != nil {
		t.Fatalf("plan fork: %v", err)
	}
	if _, err := c.CreateBranch(ctx, plan); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	states, err := c.CharacterStates(ctx, storyID, "alt", 2)
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if len(states) != 1 || states[0].AsOf != 1 {
		t.Fatalf("unexpected forked states: %+v", states)
	}

	points, err := c.ListPlotPoints(ctx, storyID, "alt")
	if err != nil {
		t.Fatalf("plot points: %v", err)
	}
	if len(points) != 2 || points[0].Chapter != 2 || points[0].Status != story.PlotPending {
		t.Fatalf("unexpected forked outline: %+v", points)
	}

	head, err := c.HeadChapter(ctx, storyID, "alt")
	if err != nil || head != 1 {
		t.Fatalf("expected alt head 1, got %d (%v)", head, err)
	}
}

func TestSearchRanksTitleMatches(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	storyID := "pg-" + uuid.NewString()
	if err := c.CreateStory(ctx, story.Story{ID: storyID}); err != nil {
		t.Fatalf("create story: %v", err)
	}
	if err := c.UpsertBibleEntry(ctx, story.BibleEntry{StoryID: storyID, Category: "place", Key: "Lighthouse", Content: "A tower above the reef."}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.UpsertBibleEntry(ctx, story.BibleEntry{StoryID: storyID, Category: "person", Key: "Keeper", Content: "Tends the lighthouse lamp."}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := c.Search(ctx, store.SearchQuery{Text: "lighthouse", StoryID: storyID, BranchID: story.MainBranch})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].Title != "Lighthouse" {
		t.Fatalf("unexpected results: %+v", results)
	}

	loose, err := c.Search(ctx, store.SearchQuery{Text: "reef, (storm)!", StoryID: storyID, BranchID: story.MainBranch, Loose: true})
	if err != nil {
		t.Fatalf("loose search: %v", err)
	}
	if len(loose) != 1 || loose[0].Title != "Lighthouse" {
		t.Fatalf("unexpected loose results: %+v", loose)
	}
}
