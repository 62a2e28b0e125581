// Package branch creates alternative timelines of a story. A fork shares the
// parent's chapters up to the fork point and owns copies of its character
// state, open threads and remaining outline.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

type Store interface {
	store.ChapterReader
	ListBranches(ctx context.Context, storyID string) ([]story.Branch, error)
	CreateBranch(ctx context.Context, plan store.ForkPlan) (*story.Branch, error)
}

type Manager struct {
	store  Store
	locks  *Locks
	logger *slog.Logger
}

// New returns a manager. locks should be shared with the workflow engine so
// that a fork never interleaves with a commit on the parent.
func New(s Store, locks *Locks, logger *slog.Logger) *Manager {
	if locks == nil {
		locks = NewLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, locks: locks, logger: logger}
}

func (m *Manager) Locks() *Locks {
	return m.locks
}

type ForkInput struct {
	StoryID   string
	Parent    string
	AtChapter int
	NewBranch string
}

func (m *Manager) Fork(ctx context.Context, in ForkInput) (*story.Branch, error) {
	if in.Parent == "" {
		in.Parent = story.MainBranch
	}
	if in.StoryID == "" {
		return nil, fmt.Errorf("forking: story id is required")
	}
	if !validID.MatchString(in.NewBranch) {
		return nil, fmt.Errorf("forking: invalid branch id %q", in.NewBranch)
	}
	if in.NewBranch == in.Parent {
		return nil, fmt.Errorf("forking: %w: %s", store.ErrBranchExists, in.NewBranch)
	}

	unlock, err := m.locks.Lock(ctx, in.StoryID, in.Parent)
	if err != nil {
		return nil, fmt.Errorf("forking: waiting for %s: %w", in.Parent, err)
	}
	defer unlock()

	if _, err := m.store.GetBranch(ctx, in.StoryID, in.NewBranch); err == nil {
		return nil, fmt.Errorf("forking: %w: %s", store.ErrBranchExists, in.NewBranch)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("forking: %w", err)
	}

	plan, err := store.PlanFork(ctx, m.store, story.Branch{
		StoryID:     in.StoryID,
		ID:          in.NewBranch,
		ParentID:    in.Parent,
		ForkChapter: in.AtChapter,
	})
	if err != nil {
		return nil, fmt.Errorf("forking %s at chapter %d: %w", in.Parent, in.AtChapter, err)
	}
	b, err := m.store.CreateBranch(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("forking %s at chapter %d: %w", in.Parent, in.AtChapter, err)
	}

	m.logger.Info("branch forked", "story", in.StoryID, "branch", b.ID, "parent", b.ParentID,
		"fork_chapter", b.ForkChapter, "state_source", plan.StateSource)
	return b, nil
}

// Lineage returns the branch followed by its ancestors, ending at the root.
func (m *Manager) Lineage(ctx context.Context, storyID, branchID string) ([]story.Branch, error) {
	var out []story.Branch
	id := branchID
	for id != "" {
		if slices.ContainsFunc(out, func(b story.Branch) bool { return b.ID == id }) {
			return nil, fmt.Errorf("branch %s: ancestry cycle at %s", branchID, id)
		}
		b, err := m.store.GetBranch(ctx, storyID, id)
		if err != nil {
			return nil, fmt.Errorf("loading branch %s: %w", id, err)
		}
		out = append(out, *b)
		id = b.ParentID
	}
	return out, nil
}

// Children lists the branches forked directly from branchID.
func (m *Manager) Children(ctx context.Context, storyID, branchID string) ([]story.Branch, error) {
	all, err := m.store.ListBranches(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	var out []story.Branch
	for _, b := range all {
		if b.ParentID == branchID {
			out = append(out, b)
		}
	}
	return out, nil
}
