package mcp

import (
	"context"
	"fmt"
	"slices"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"sagaforge/internal/branch"
	"sagaforge/internal/store"
	"sagaforge/internal/story"
	"sagaforge/internal/workflow"
)

type RunChapterInput struct {
	Story       string `json:"story" jsonschema:"story id"`
	Branch      string `json:"branch,omitempty" jsonschema:"branch id, defaults to main"`
	Chapter     int    `json:"chapter,omitempty" jsonschema:"chapter to produce; an existing chapter is returned unchanged"`
	Instruction string `json:"instruction,omitempty" jsonschema:"extra direction for the planner"`
}

type ForkBranchInput struct {
	Story     string `json:"story" jsonschema:"story id"`
	Parent    string `json:"parent,omitempty" jsonschema:"parent branch, defaults to main"`
	AtChapter int    `json:"at_chapter" jsonschema:"last chapter the new branch shares with its parent"`
	Branch    string `json:"branch" jsonschema:"new branch id"`
}

type GetChapterInput struct {
	Story   string `json:"story" jsonschema:"story id"`
	Branch  string `json:"branch,omitempty" jsonschema:"branch id, defaults to main"`
	Chapter int    `json:"chapter" jsonschema:"chapter number"`
}

type ListChaptersInput struct {
	Story  string `json:"story" jsonschema:"story id"`
	Branch string `json:"branch,omitempty" jsonschema:"branch id, defaults to main"`
	From   int    `json:"from,omitempty" jsonschema:"first chapter to include"`
}

type ListBranchesInput struct {
	Story string `json:"story" jsonschema:"story id"`
}

type GetCharactersInput struct {
	Story   string `json:"story" jsonschema:"story id"`
	Branch  string `json:"branch,omitempty" jsonschema:"branch id, defaults to main"`
	Chapter int    `json:"chapter,omitempty" jsonschema:"state as of this chapter, defaults to the branch head"`
}

type SearchLoreInput struct {
	Query  string `json:"query" jsonschema:"search terms"`
	Story  string `json:"story,omitempty" jsonschema:"restrict to one story"`
	Branch string `json:"branch,omitempty" jsonschema:"branch whose bible overrides apply"`
	Scope  string `json:"scope,omitempty" jsonschema:"story, global, or all"`
	Source string `json:"source,omitempty" jsonschema:"bible or reference"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum results"`
}

type ChapterOutput struct {
	Story      string   `json:"story"`
	Branch     string   `json:"branch"`
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Content    string   `json:"content,omitempty"`
	Summary    string   `json:"summary"`
	KeyEvents  []string `json:"key_events"`
	Score      float64  `json:"score"`
	Degraded   bool     `json:"degraded"`
	Intensity  int      `json:"intensity"`
	SceneType  string   `json:"scene_type"`
	PrevBranch string   `json:"prev_branch,omitempty"`
	PrevNumber int      `json:"prev_number,omitempty"`
}

type RunChapterOutput struct {
	RunID           string        `json:"run_id"`
	Chapter         ChapterOutput `json:"chapter"`
	Existing        bool          `json:"existing"`
	Retries         int           `json:"retries"`
	Degraded        bool          `json:"degraded"`
	ContextDegraded bool          `json:"context_degraded"`
	Violations      []string      `json:"violations"`
	Findings        []string      `json:"findings"`
}

type BranchOutput struct {
	ID          string `json:"id"`
	Parent      string `json:"parent,omitempty"`
	ForkChapter int    `json:"fork_chapter"`
}

type ListChaptersOutput struct {
	Chapters []ChapterOutput `json:"chapters"`
}

type ListBranchesOutput struct {
	Branches []BranchOutput `json:"branches"`
}

type CharacterOutput struct {
	Name             string             `json:"name"`
	AsOf             int                `json:"as_of"`
	Mood             string             `json:"mood"`
	Traits           map[string]float64 `json:"traits"`
	Skills           map[string]int     `json:"skills"`
	Relationships    map[string]string  `json:"relationships"`
	ForbiddenActions []string           `json:"forbidden_actions"`
}

type GetCharactersOutput struct {
	Characters []CharacterOutput `json:"characters"`
}

type SearchResultOutput struct {
	Source  string  `json:"source"`
	Kind    string  `json:"kind"`
	Title   string  `json:"title"`
	Story   string  `json:"story,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type SearchLoreOutput struct {
	Results []SearchResultOutput `json:"results"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "run_chapter",
		Description: "Generate the next chapter on a branch through plan, write, review and evolve",
	}, s.handleRunChapter)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "fork_branch",
		Description: "Create a branch that shares history with its parent up to a chapter",
	}, s.handleForkBranch)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_chapter",
		Description: "Retrieve one chapter as seen from a branch",
	}, s.handleGetChapter)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_chapters",
		Description: "List chapter summaries visible on a branch, including inherited ones",
	}, s.handleListChapters)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_branches",
		Description: "List the branches of a story",
	}, s.handleListBranches)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_characters",
		Description: "Return character state snapshots on a branch",
	}, s.handleGetCharacters)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "search_lore",
		Description: "Search the story bible and reference pool",
	}, s.handleSearchLore)
}

func (s *Server) handleRunChapter(ctx context.Context, req *sdk.CallToolRequest, input RunChapterInput) (*sdk.CallToolResult, RunChapterOutput, error) {
	if input.Story == "" {
		return nil, RunChapterOutput{}, fmt.Errorf("story is required")
	}
	res, err := s.runner.Run(ctx, workflow.RunInput{
		StoryID:     input.Story,
		BranchID:    input.Branch,
		Chapter:     input.Chapter,
		Instruction: input.Instruction,
	})
	if err != nil {
		return nil, RunChapterOutput{}, err
	}

	out := RunChapterOutput{
		RunID:           res.RunID,
		Chapter:         chapterOutput(res.Chapter, true),
		Existing:        res.Existing,
		Retries:         res.Retries,
		Degraded:        res.Degraded,
		ContextDegraded: res.ContextDegraded,
		Violations:      make([]string, 0, len(res.Violations)),
		Findings:        make([]string, 0, len(res.Findings)),
	}
	for _, v := range res.Violations {
		out.Violations = append(out.Violations, v.Rule+": "+v.Detail)
	}
	for _, f := range res.Findings {
		out.Findings = append(out.Findings, f.String())
	}
	return nil, out, nil
}

func (s *Server) handleForkBranch(ctx context.Context, req *sdk.CallToolRequest, input ForkBranchInput) (*sdk.CallToolResult, BranchOutput, error) {
	if input.Story == "" || input.Branch == "" {
		return nil, BranchOutput{}, fmt.Errorf("story and branch are required")
	}
	b, err := s.forker.Fork(ctx, branch.ForkInput{
		StoryID:   input.Story,
		Parent:    input.Parent,
		AtChapter: input.AtChapter,
		NewBranch: input.Branch,
	})
	if err != nil {
		return nil, BranchOutput{}, err
	}
	return nil, branchOutput(*b), nil
}

func (s *Server) handleGetChapter(ctx context.Context, req *sdk.CallToolRequest, input GetChapterInput) (*sdk.CallToolResult, ChapterOutput, error) {
	if input.Story == "" || input.Chapter < 1 {
		return nil, ChapterOutput{}, fmt.Errorf("story and chapter are required")
	}
	ch, err := store.FindChapter(ctx, s.db, input.Story, orMain(input.Branch), input.Chapter)
	if err != nil {
		return nil, ChapterOutput{}, fmt.Errorf("chapter %d: %w", input.Chapter, err)
	}
	return nil, chapterOutput(*ch, true), nil
}

func (s *Server) handleListChapters(ctx context.Context, req *sdk.CallToolRequest, input ListChaptersInput) (*sdk.CallToolResult, ListChaptersOutput, error) {
	if input.Story == "" {
		return nil, ListChaptersOutput{}, fmt.Errorf("story is required")
	}
	branchID := orMain(input.Branch)
	head, err := s.db.HeadChapter(ctx, input.Story, branchID)
	if err != nil {
		return nil, ListChaptersOutput{}, err
	}
	segs, err := store.Lineage(ctx, s.db, input.Story, branchID, input.From, head)
	if err != nil {
		return nil, ListChaptersOutput{}, err
	}

	output := make([]ChapterOutput, 0, head)
	// Segments come newest first.
	for _, seg := range slices.Backward(segs) {
		chapters, err := s.db.ListChapters(ctx, input.Story, seg.BranchID, seg.From, seg.To)
		if err != nil {
			return nil, ListChaptersOutput{}, err
		}
		for _, ch := range chapters {
			output = append(output, chapterOutput(ch, false))
		}
	}
	return nil, ListChaptersOutput{Chapters: output}, nil
}

func (s *Server) handleListBranches(ctx context.Context, req *sdk.CallToolRequest, input ListBranchesInput) (*sdk.CallToolResult, ListBranchesOutput, error) {
	if input.Story == "" {
		return nil, ListBranchesOutput{}, fmt.Errorf("story is required")
	}
	branches, err := s.db.ListBranches(ctx, input.Story)
	if err != nil {
		return nil, ListBranchesOutput{}, err
	}
	output := make([]BranchOutput, 0, len(branches))
	for _, b := range branches {
		output = append(output, branchOutput(b))
	}
	return nil, ListBranchesOutput{Branches: output}, nil
}

func (s *Server) handleGetCharacters(ctx context.Context, req *sdk.CallToolRequest, input GetCharactersInput) (*sdk.CallToolResult, GetCharactersOutput, error) {
	if input.Story == "" {
		return nil, GetCharactersOutput{}, fmt.Errorf("story is required")
	}
	branchID := orMain(input.Branch)
	asOf := input.Chapter
	if asOf == 0 {
		head, err := s.db.HeadChapter(ctx, input.Story, branchID)
		if err != nil {
			return nil, GetCharactersOutput{}, err
		}
		asOf = head
	}
	states, err := s.db.CharacterStates(ctx, input.Story, branchID, asOf+1)
	if err != nil {
		return nil, GetCharactersOutput{}, err
	}
	output := make([]CharacterOutput, 0, len(states))
	for _, cs := range states {
		output = append(output, characterOutput(cs))
	}
	return nil, GetCharactersOutput{Characters: output}, nil
}

func (s *Server) handleSearchLore(ctx context.Context, req *sdk.CallToolRequest, input SearchLoreInput) (*sdk.CallToolResult, SearchLoreOutput, error) {
	if input.Query == "" {
		return nil, SearchLoreOutput{}, fmt.Errorf("query is required")
	}
	scope := store.Scope(input.Scope)
	switch scope {
	case "":
		scope = store.ScopeAll
		if input.Story == "" {
			scope = store.ScopeGlobal
		}
	case store.ScopeStory, store.ScopeGlobal, store.ScopeAll:
	default:
		return nil, SearchLoreOutput{}, fmt.Errorf("unknown scope %q", input.Scope)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	results, err := s.db.Search(ctx, store.SearchQuery{
		Text:     input.Query,
		StoryID:  input.Story,
		BranchID: orMain(input.Branch),
		Scope:    scope,
		Source:   input.Source,
		Limit:    limit,
	})
	if err != nil {
		return nil, SearchLoreOutput{}, err
	}

	output := make([]SearchResultOutput, 0, len(results))
	for _, result := range results {
		output = append(output, SearchResultOutput{
			Source:  result.Source,
			Kind:    result.Kind,
			Title:   result.Title,
			Story:   result.StoryID,
			Snippet: result.Snippet,
			Score:   result.Score,
		})
	}
	return nil, SearchLoreOutput{Results: output}, nil
}

func orMain(branchID string) string {
	if branchID == "" {
		return story.MainBranch
	}
	return branchID
}

func chapterOutput(ch story.Chapter, withContent bool) ChapterOutput {
	out := ChapterOutput{
		Story:      ch.StoryID,
		Branch:     ch.BranchID,
		Number:     ch.Number,
		Title:      ch.Title,
		Summary:    ch.Summary,
		KeyEvents:  append([]string{}, ch.KeyEvents...),
		Score:      ch.Score,
		Degraded:   ch.Degraded,
		Intensity:  ch.Intensity,
		SceneType:  string(ch.SceneType),
		PrevBranch: ch.PrevBranch,
		PrevNumber: ch.PrevNumber,
	}
	if withContent {
		out.Content = ch.Content
	}
	return out
}

func branchOutput(b story.Branch) BranchOutput {
	return BranchOutput{ID: b.ID, Parent: b.ParentID, ForkChapter: b.ForkChapter}
}

func characterOutput(cs story.CharacterState) CharacterOutput {
	out := CharacterOutput{
		Name:             cs.Name,
		AsOf:             cs.AsOf,
		Mood:             cs.Mood,
		Traits:           map[string]float64{},
		Skills:           map[string]int{},
		Relationships:    map[string]string{},
		ForbiddenActions: append([]string{}, cs.ForbiddenActions...),
	}
	for trait, v := range cs.Traits {
		out.Traits[trait] = v
	}
	for name, skill := range cs.Skills {
		out.Skills[name] = skill.Level
	}
	for other, rel := range cs.Relationships {
		out.Relationships[other] = fmt.Sprintf("%s (%.2f)", rel.Stance, rel.Intimacy)
	}
	return out
}
