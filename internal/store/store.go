package store

import (
	"context"
	"errors"

	"sagaforge/internal/story"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStoryExists      = errors.New("story already exists")
	ErrBranchExists     = errors.New("branch already exists")
	ErrDuplicateChapter = errors.New("chapter already committed")
	ErrSequenceGap      = errors.New("chapter number out of sequence")
	ErrForkPoint        = errors.New("invalid fork point")
	ErrPlotPointFinal   = errors.New("plot point already finalized")
)

type Store interface {
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error

	CreateStory(ctx context.Context, s story.Story) error
	GetStory(ctx context.Context, id string) (*story.Story, error)
	ListStories(ctx context.Context) ([]story.Story, error)

	UpsertBibleEntry(ctx context.Context, e story.BibleEntry) error
	ListBibleEntries(ctx context.Context, storyID, branchID string) ([]story.BibleEntry, error)
	UpsertReference(ctx context.Context, r story.Reference) error
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)

	UpsertPlotPoint(ctx context.Context, p story.PlotPoint) error
	GetPlotPoint(ctx context.Context, storyID, branchID string, chapter int) (*story.PlotPoint, error)
	ListPlotPoints(ctx context.Context, storyID, branchID string) ([]story.PlotPoint, error)

	SeedCharacter(ctx context.Context, c story.CharacterState) error
	CharacterStates(ctx context.Context, storyID, branchID string, before int) ([]story.CharacterState, error)
	OpenThreads(ctx context.Context, storyID, branchID string) ([]story.Thread, error)

	ChapterReader

	CommitChapter(ctx context.Context, c Commit) error
	ListAudits(ctx context.Context, storyID, branchID string, chapter int) ([]story.AuditRecord, error)
	ListViolations(ctx context.Context, storyID, branchID string) ([]story.Violation, error)

	ListBranches(ctx context.Context, storyID string) ([]story.Branch, error)
	CreateBranch(ctx context.Context, plan ForkPlan) (*story.Branch, error)
}

// ChapterReader is the read side needed to walk a branch's ancestry.
type ChapterReader interface {
	GetBranch(ctx context.Context, storyID, branchID string) (*story.Branch, error)
	GetChapter(ctx context.Context, storyID, branchID string, number int) (*story.Chapter, error)
	// ListChapters returns chapters stored on the branch itself, ascending,
	// with from <= number <= to. A to of zero means no upper bound.
	ListChapters(ctx context.Context, storyID, branchID string, from, to int) ([]story.Chapter, error)
	// HeadChapter returns the highest chapter number visible on the branch,
	// which is its fork chapter when nothing has been committed there yet.
	HeadChapter(ctx context.Context, storyID, branchID string) (int, error)
}

// Commit is everything one Evolve step writes. Backends apply it in a single
// transaction.
type Commit struct {
	Chapter    story.Chapter
	Characters []story.CharacterState
	Threads    []story.Thread
	Audits     []story.AuditRecord
	Violations []story.Violation
}

type Scope string

const (
	ScopeStory  Scope = "story"
	ScopeGlobal Scope = "global"
	ScopeAll    Scope = "all"
)

const (
	SourceBible     = "bible"
	SourceReference = "reference"
)

type SearchQuery struct {
	Text     string
	StoryID  string
	BranchID string
	Scope    Scope
	Source   string
	Kinds    []string
	Limit    int
	// Loose matches any term instead of requiring all of them. Scene
	// descriptions are searched loosely; user queries are not.
	Loose bool
}

type SearchResult struct {
	Source     string
	Kind       string
	Title      string
	StoryID    string
	Content    string
	Snippet    string
	Importance int
	Score      float64
	Seq        int64
}
