package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"sagaforge/internal/story"
)

const Unbounded = math.MaxInt32

// Segment is a run of chapter numbers, inclusive on both ends, that a branch
// stores itself.
type Segment struct {
	BranchID string
	From     int
	To       int
}

type BranchGetter interface {
	GetBranch(ctx context.Context, storyID, branchID string) (*story.Branch, error)
}

// Lineage maps the chapter range [from, to] of a branch onto the branches
// that actually hold those chapters, newest segment first.
func Lineage(ctx context.Context, r BranchGetter, storyID, branchID string, from, to int) ([]Segment, error) {
	if from < 1 {
		from = 1
	}
	var segs []Segment
	b, err := r.GetBranch(ctx, storyID, branchID)
	if err != nil {
		return nil, fmt.Errorf("loading branch %s: %w", branchID, err)
	}
	for seen := 0; ; seen++ {
		if seen > 1024 {
			return nil, fmt.Errorf("branch %s: ancestry cycle", branchID)
		}
		lo := max(from, b.ForkChapter+1)
		if lo <= to {
			segs = append(segs, Segment{BranchID: b.ID, From: lo, To: to})
		}
		if b.IsRoot() || b.ForkChapter < from {
			break
		}
		to = min(to, b.ForkChapter)
		parent, err := r.GetBranch(ctx, storyID, b.ParentID)
		if err != nil {
			return nil, fmt.Errorf("loading parent branch %s of %s: %w", b.ParentID, b.ID, err)
		}
		b = parent
	}
	return segs, nil
}

// FindChapter resolves a chapter number on a branch, following fork links
// into ancestor branches.
func FindChapter(ctx context.Context, r ChapterReader, storyID, branchID string, number int) (*story.Chapter, error) {
	segs, err := Lineage(ctx, r, storyID, branchID, number, number)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, ErrNotFound
	}
	return r.GetChapter(ctx, storyID, segs[0].BranchID, number)
}

// Chain returns up to limit committed chapters preceding before, newest
// first, crossing fork boundaries.
func Chain(ctx context.Context, r ChapterReader, storyID, branchID string, before, limit int) ([]story.Chapter, error) {
	if limit <= 0 || before <= 1 {
		return nil, nil
	}
	segs, err := Lineage(ctx, r, storyID, branchID, max(1, before-limit), before-1)
	if err != nil {
		return nil, err
	}
	var chain []story.Chapter
	for _, seg := range segs {
		chapters, err := r.ListChapters(ctx, storyID, seg.BranchID, seg.From, seg.To)
		if err != nil {
			return nil, fmt.Errorf("listing chapters on %s: %w", seg.BranchID, err)
		}
		slices.Reverse(chapters)
		chain = append(chain, chapters...)
	}
	if len(chain) > limit {
		chain = chain[:limit]
	}
	return chain, nil
}

// ForkPlan is a validated description of a fork that a backend can apply in
// one transaction.
type ForkPlan struct {
	Branch story.Branch
	// StateSource holds the character snapshots and threads as of the fork
	// chapter.
	StateSource string
	// Outline lists where the parent's plot points after the fork chapter
	// live.
	Outline []Segment
}

// PlanFork validates a fork request against the parent's ancestry.
func PlanFork(ctx context.Context, r ChapterReader, b story.Branch) (ForkPlan, error) {
	if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.ParentID) == "" {
		return ForkPlan{}, fmt.Errorf("branch id and parent are required")
	}
	if b.ForkChapter < 0 {
		return ForkPlan{}, fmt.Errorf("%w: negative fork chapter %d", ErrForkPoint, b.ForkChapter)
	}
	parent, err := r.GetBranch(ctx, b.StoryID, b.ParentID)
	if err != nil {
		return ForkPlan{}, fmt.Errorf("loading parent branch: %w", err)
	}
	head, err := r.HeadChapter(ctx, b.StoryID, parent.ID)
	if err != nil {
		return ForkPlan{}, fmt.Errorf("loading parent head: %w", err)
	}
	if b.ForkChapter > head {
		return ForkPlan{}, fmt.Errorf("%w: chapter %d is beyond %s head %d", ErrForkPoint, b.ForkChapter, parent.ID, head)
	}
	if b.ForkChapter > 0 {
		if _, err := FindChapter(ctx, r, b.StoryID, parent.ID, b.ForkChapter); err != nil {
			return ForkPlan{}, fmt.Errorf("%w: chapter %d on %s: %v", ErrForkPoint, b.ForkChapter, parent.ID, err)
		}
	}

	source := parent
	for !source.IsRoot() && b.ForkChapter < source.ForkChapter {
		source, err = r.GetBranch(ctx, b.StoryID, source.ParentID)
		if err != nil {
			return ForkPlan{}, fmt.Errorf("loading ancestor branch: %w", err)
		}
	}

	outline, err := Lineage(ctx, r, b.StoryID, parent.ID, b.ForkChapter+1, Unbounded)
	if err != nil {
		return ForkPlan{}, err
	}

	return ForkPlan{Branch: b, StateSource: source.ID, Outline: outline}, nil
}

// MergeBible applies branch overrides on top of the shared entries.
func MergeBible(entries []story.BibleEntry) []story.BibleEntry {
	key := func(e story.BibleEntry) string {
		return strings.ToLower(e.Category) + "\x00" + strings.ToLower(e.Key)
	}
	overrides := make(map[string]story.BibleEntry)
	for _, e := range entries {
		if e.BranchID != "" {
			overrides[key(e)] = e
		}
	}
	out := make([]story.BibleEntry, 0, len(entries))
	for _, e := range entries {
		if e.BranchID != "" {
			continue
		}
		if o, ok := overrides[key(e)]; ok {
			out = append(out, o)
			delete(overrides, key(e))
			continue
		}
		out = append(out, e)
	}
	for _, e := range entries {
		if o, ok := overrides[key(e)]; ok && e.BranchID != "" {
			out = append(out, o)
			delete(overrides, key(e))
		}
	}
	return out
}
