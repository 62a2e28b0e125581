package branch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sagaforge/internal/store"
	"sagaforge/internal/store/sqlite"
	"sagaforge/internal/story"
)

func newTestStore(t *testing.T, committed int) *sqlite.Client {
	t.Helper()
	ctx := context.Background()
	c, err := sqlite.New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "saga.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := c.CreateStory(ctx, story.Story{ID: "s1", Title: "Jade Seal"}); err != nil {
		t.Fatalf("create story: %v", err)
	}
	if err := c.SeedCharacter(ctx, story.CharacterState{StoryID: "s1", BranchID: story.MainBranch, Name: "Lin", Mood: "calm"}); err != nil {
		t.Fatalf("seed character: %v", err)
	}
	for n := 1; n <= committed+2; n++ {
		if err := c.UpsertPlotPoint(ctx, story.PlotPoint{StoryID: "s1", BranchID: story.MainBranch, Chapter: n, Sequence: n, Scene: "scene"}); err != nil {
			t.Fatalf("plot point %d: %v", n, err)
		}
	}
	for n := 1; n <= committed; n++ {
		err := c.CommitChapter(ctx, store.Commit{
			Chapter: story.Chapter{StoryID: "s1", BranchID: story.MainBranch, Number: n, Content: "text", Summary: "sum"},
			Audits:  []story.AuditRecord{{ID: "a" + string(rune('0'+n)), StoryID: "s1", BranchID: story.MainBranch, Chapter: n, Attempt: 1, Passed: true}},
		})
		if err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
	}
	return c
}

func testManager(s Store) *Manager {
	return New(s, NewLocks(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestForkAndLineage(t *testing.T) {
	ctx := context.Background()
	m := testManager(newTestStore(t, 3))

	alt, err := m.Fork(ctx, ForkInput{StoryID: "s1", AtChapter: 2, NewBranch: "alt"})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if alt.ParentID != story.MainBranch || alt.ForkChapter != 2 {
		t.Fatalf("unexpected branch: %+v", alt)
	}
	if _, err := m.Fork(ctx, ForkInput{StoryID: "s1", Parent: "alt", AtChapter: 1, NewBranch: "alt-2"}); err != nil {
		t.Fatalf("nested fork: %v", err)
	}

	lineage, err := m.Lineage(ctx, "s1", "alt-2")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	var ids []string
	for _, b := range lineage {
		ids = append(ids, b.ID)
	}
	if len(ids) != 3 || ids[0] != "alt-2" || ids[1] != "alt" || ids[2] != story.MainBranch {
		t.Fatalf("unexpected lineage: %v", ids)
	}

	children, err := m.Children(ctx, "s1", story.MainBranch)
	if err != nil || len(children) != 1 || children[0].ID != "alt" {
		t.Fatalf("unexpected children: %+v (%v)", children, err)
	}
}

func TestForkRejections(t *testing.T) {
	ctx := context.Background()
	m := testManager(newTestStore(t, 2))
	if _, err := m.Fork(ctx, ForkInput{StoryID: "s1", AtChapter: 1, NewBranch: "alt"}); err != nil {
		t.Fatalf("fork: %v", err)
	}

	tests := []struct {
		name string
		in   ForkInput
		want error
	}{
		{"beyond head", ForkInput{StoryID: "s1", AtChapter: 5, NewBranch: "far"}, store.ErrForkPoint},
		{"negative", ForkInput{StoryID: "s1", AtChapter: -1, NewBranch: "neg"}, store.ErrForkPoint},
		{"existing branch", ForkInput{StoryID: "s1", AtChapter: 1, NewBranch: "alt"}, store.ErrBranchExists},
		{"same as parent", ForkInput{StoryID: "s1", AtChapter: 1, NewBranch: story.MainBranch}, store.ErrBranchExists},
		{"unknown parent", ForkInput{StoryID: "s1", Parent: "ghost", AtChapter: 0, NewBranch: "x"}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Fork(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := m.Fork(ctx, ForkInput{StoryID: "s1", NewBranch: "has space"}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestLocksSerialise(t *testing.T) {
	l := NewLocks()
	ctx := context.Background()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "s1", "main")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak.Load())
	}
	if l.Held() != 0 {
		t.Fatalf("expected no slots left, got %d", l.Held())
	}
}

func TestLocksIndependentKeysAndCancel(t *testing.T) {
	l := NewLocks()
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "s1", "main")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	other, err := l.Lock(ctx, "s1", "alt")
	if err != nil {
		t.Fatalf("other branch should not block: %v", err)
	}
	other()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(cctx, "s1", "main"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()
	unlock()
	if l.Held() != 0 {
		t.Fatalf("expected no slots left, got %d", l.Held())
	}
}
