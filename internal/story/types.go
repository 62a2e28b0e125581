package story

import (
	"strings"
	"time"
)

const MainBranch = "main"

type SceneType string

const (
	SceneNormal      SceneType = "normal"
	SceneAction      SceneType = "action"
	SceneDialogue    SceneType = "dialogue"
	SceneEmotional   SceneType = "emotional"
	SceneDescriptive SceneType = "descriptive"
)

// ParseSceneType maps free text onto a known scene type, defaulting to normal.
func ParseSceneType(s string) SceneType {
	switch SceneType(strings.ToLower(strings.TrimSpace(s))) {
	case SceneAction:
		return SceneAction
	case SceneDialogue:
		return SceneDialogue
	case SceneEmotional:
		return SceneEmotional
	case SceneDescriptive:
		return SceneDescriptive
	default:
		return SceneNormal
	}
}

type Story struct {
	ID        string
	Title     string
	Genre     string
	Synopsis  string
	CreatedAt time.Time
}

// BibleEntry is a world-level fact. An empty BranchID means the entry is
// shared by every branch of the story; a non-empty one overrides the shared
// entry with the same category and key on that branch only.
type BibleEntry struct {
	StoryID    string
	BranchID   string
	Category   string
	Key        string
	Content    string
	Importance int
}

const (
	RefStyle     = "style"
	RefTrope     = "trope"
	RefArchetype = "archetype"
	RefWorld     = "world"
)

// Reference is supporting material for retrieval. An empty StoryID places it
// in the global pool.
type Reference struct {
	StoryID string
	Kind    string
	Title   string
	Content string
}

type PlotStatus string

const (
	PlotPending   PlotStatus = "pending"
	PlotCompleted PlotStatus = "completed"
)

type PlotPoint struct {
	StoryID       string
	BranchID      string
	Chapter       int
	Sequence      int
	Title         string
	Scene         string
	Conflict      string
	SceneType     SceneType
	Foreshadowing []string
	Status        PlotStatus
}

type Skill struct {
	Level       int
	Proficiency float64
	Stage       string
	Curve       string
}

type Relationship struct {
	Intimacy float64
	Stance   string
}

type ValueBelief struct {
	Strength            float64
	ViolationConditions []string
}

type Milestone struct {
	Chapter     int
	Description string
}

// CharacterState is one character's snapshot on a branch as of a chapter.
type CharacterState struct {
	StoryID          string
	BranchID         string
	Name             string
	AsOf             int
	Traits           map[string]float64
	Mood             string
	Skills           map[string]Skill
	Relationships    map[string]Relationship
	Values           map[string]ValueBelief
	ForbiddenActions []string
	Milestones       []Milestone
}

type Chapter struct {
	StoryID     string
	BranchID    string
	Number      int
	Title       string
	Content     string
	Summary     string
	KeyEvents   []string
	Score       float64
	Degraded    bool
	PrevBranch  string
	PrevNumber  int
	Intensity   int
	SceneType   SceneType
	Perspective string
	CreatedAt   time.Time
}

// HasPrev reports whether the chapter links to an earlier one.
func (c Chapter) HasPrev() bool {
	return c.PrevNumber > 0
}

type Branch struct {
	StoryID     string
	ID          string
	ParentID    string
	ForkChapter int
	CreatedAt   time.Time
}

func (b Branch) IsRoot() bool {
	return b.ParentID == ""
}

type ThreadStatus string

const (
	ThreadOpen      ThreadStatus = "open"
	ThreadResolved  ThreadStatus = "resolved"
	ThreadAbandoned ThreadStatus = "abandoned"
)

// Thread is a foreshadowing hook planted in one chapter and expected to pay
// off later.
type Thread struct {
	StoryID         string
	BranchID        string
	ID              string
	Description     string
	PlantedChapter  int
	DueChapter      int
	ResolvedChapter int
	Status          ThreadStatus
}

type AuditRecord struct {
	ID        string
	StoryID   string
	BranchID  string
	Chapter   int
	Attempt   int
	Reviewer  string
	Passed    bool
	Score     float64
	Feedback  string
	CreatedAt time.Time
}

type Violation struct {
	ID        string
	StoryID   string
	BranchID  string
	Chapter   int
	Rule      string
	Detail    string
	CreatedAt time.Time
}

type ChapterSummary struct {
	Number    int
	Summary   string
	KeyEvents []string
	Intensity int
}

// MemoryContext is recomputed every cycle from committed chapters and is
// never persisted.
type MemoryContext struct {
	Recent        []ChapterSummary
	Earlier       string
	EarlierEvents []string
	OpenThreads   []Thread
}
