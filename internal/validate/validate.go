// Package validate checks the stored history of a story for broken
// invariants: gaps in chapter sequences, chapters committed without an
// audit trail, branches whose fork point no longer resolves.
package validate

import (
	"context"
	"errors"
	"fmt"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

const (
	codeDanglingBranch   = "dangling_branch"
	codeMissingForkPoint = "missing_fork_point"
	codeSequenceGap      = "sequence_gap"
	codeBrokenLink       = "broken_prev_link"
	codeMissingAudit     = "missing_audit"
	codeDegradedChapter  = "degraded_chapter"
	codeStaleOutline     = "stale_outline"
	codeOutlineExhausted = "outline_exhausted"
)

type Issue struct {
	Severity Severity
	Code     string
	Message  string
	Branch   string
	Chapter  int
}

type Report struct {
	Issues []Issue
}

// Errors counts issues of error severity.
func (r *Report) Errors() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}
	return n
}

type Reader interface {
	store.ChapterReader
	ListBranches(ctx context.Context, storyID string) ([]story.Branch, error)
	ListAudits(ctx context.Context, storyID, branchID string, chapter int) ([]story.AuditRecord, error)
	ListPlotPoints(ctx context.Context, storyID, branchID string) ([]story.PlotPoint, error)
}

func Run(ctx context.Context, storyID string, r Reader) (*Report, error) {
	if storyID == "" {
		return nil, fmt.Errorf("story id is required")
	}
	if r == nil {
		return nil, fmt.Errorf("store is required")
	}

	branches, err := r.ListBranches(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("story %s: %w", storyID, store.ErrNotFound)
	}

	known := make(map[string]story.Branch, len(branches))
	for _, b := range branches {
		known[b.ID] = b
	}

	issues := make([]Issue, 0)
	for _, b := range branches {
		branchIssues, err := validateBranch(ctx, r, b, known)
		if err != nil {
			return nil, fmt.Errorf("branch %s: %w", b.ID, err)
		}
		issues = append(issues, branchIssues...)
	}
	return &Report{Issues: issues}, nil
}

func validateBranch(ctx context.Context, r Reader, b story.Branch, known map[string]story.Branch) ([]Issue, error) {
	var issues []Issue

	if !b.IsRoot() {
		if _, ok := known[b.ParentID]; !ok {
			// Nothing below can be resolved without the parent.
			return []Issue{{
				Severity: SeverityError,
				Code:     codeDanglingBranch,
				Message:  fmt.Sprintf("parent branch %s does not exist", b.ParentID),
				Branch:   b.ID,
			}}, nil
		}
		if b.ForkChapter > 0 {
			_, err := store.FindChapter(ctx, r, b.StoryID, b.ParentID, b.ForkChapter)
			if errors.Is(err, store.ErrNotFound) {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Code:     codeMissingForkPoint,
					Message:  fmt.Sprintf("fork chapter %d is not visible on %s", b.ForkChapter, b.ParentID),
					Branch:   b.ID,
					Chapter:  b.ForkChapter,
				})
			} else if err != nil {
				return nil, err
			}
		}
	}

	chapters, err := r.ListChapters(ctx, b.StoryID, b.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	audits, err := r.ListAudits(ctx, b.StoryID, b.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	audited := make(map[int]bool, len(audits))
	for _, a := range audits {
		audited[a.Chapter] = true
	}

	expected := b.ForkChapter + 1
	for _, ch := range chapters {
		if ch.Number != expected {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     codeSequenceGap,
				Message:  fmt.Sprintf("expected chapter %d, found %d", expected, ch.Number),
				Branch:   b.ID,
				Chapter:  ch.Number,
			})
		}
		expected = ch.Number + 1

		if ch.Number > 1 && ch.PrevNumber != ch.Number-1 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     codeBrokenLink,
				Message:  fmt.Sprintf("previous chapter link points at %d", ch.PrevNumber),
				Branch:   b.ID,
				Chapter:  ch.Number,
			})
		}
		if !audited[ch.Number] {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     codeMissingAudit,
				Message:  "chapter has no review record",
				Branch:   b.ID,
				Chapter:  ch.Number,
			})
		}
		if ch.Degraded {
			issues = append(issues, Issue{
				Severity: SeverityWarn,
				Code:     codeDegradedChapter,
				Message:  "chapter was accepted by repair after exhausting revisions",
				Branch:   b.ID,
				Chapter:  ch.Number,
			})
		}
	}

	head, err := r.HeadChapter(ctx, b.StoryID, b.ID)
	if err != nil {
		return nil, fmt.Errorf("head chapter: %w", err)
	}
	points, err := r.ListPlotPoints(ctx, b.StoryID, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list plot points: %w", err)
	}
	hasNext := false
	for _, p := range points {
		if p.Chapter == head+1 && p.Status == story.PlotPending {
			hasNext = true
		}
		if p.Status == story.PlotPending && p.Chapter > b.ForkChapter && p.Chapter <= head {
			issues = append(issues, Issue{
				Severity: SeverityWarn,
				Code:     codeStaleOutline,
				Message:  "outline entry is still pending behind the branch head",
				Branch:   b.ID,
				Chapter:  p.Chapter,
			})
		}
	}
	if !hasNext {
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Code:     codeOutlineExhausted,
			Message:  fmt.Sprintf("no pending outline entry for chapter %d", head+1),
			Branch:   b.ID,
			Chapter:  head + 1,
		})
	}

	return issues, nil
}
