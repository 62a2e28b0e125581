package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const branchColumns = `story_id, id, parent_id, fork_chapter, created_at`

func (c *Client) GetBranch(ctx context.Context, storyID, branchID string) (*story.Branch, error) {
	var b story.Branch
	err := c.pool.QueryRow(ctx, `
SELECT `+branchColumns+` FROM branches WHERE story_id = $1 AND id = $2
`, storyID, branchID).Scan(&b.StoryID, &b.ID, &b.ParentID, &b.ForkChapter, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("branch %s: %w", branchID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting branch: %w", err)
	}
	return &b, nil
}

func (c *Client) ListBranches(ctx context.Context, storyID string) ([]story.Branch, error) {
	rows, err := c.pool.Query(ctx, `
SELECT `+branchColumns+` FROM branches WHERE story_id = $1
ORDER BY created_at, id
`, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var out []story.Branch
	for rows.Next() {
		var b story.Branch
		if err := rows.Scan(&b.StoryID, &b.ID, &b.ParentID, &b.ForkChapter, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating branches: %w", err)
	}
	return out, nil
}

func (c *Client) CreateBranch(ctx context.Context, plan store.ForkPlan) (*story.Branch, error) {
	b := plan.Branch
	at := b.ForkChapter

	err := c.withTx(ctx, func(tx pgx.Tx) error {
		head, err := headChapter(ctx, tx, b.StoryID, b.ParentID, true)
		if err != nil {
			return err
		}
		if at > head {
			return fmt.Errorf("%w: chapter %d is beyond %s head %d", store.ErrForkPoint, at, b.ParentID, head)
		}

		err = tx.QueryRow(ctx, `
INSERT INTO branches (story_id, id, parent_id, fork_chapter)
VALUES ($1, $2, $3, $4)
ON CONFLICT (story_id, id) DO NOTHING
RETURNING created_at
`, b.StoryID, b.ID, b.ParentID, at).Scan(&b.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("branch %s: %w", b.ID, store.ErrBranchExists)
		}
		if err != nil {
			return fmt.Errorf("inserting branch: %w", err)
		}

		states, err := characterStates(ctx, tx, b.StoryID, plan.StateSource, at+1)
		if err != nil {
			return err
		}
		for _, cs := range states {
			cs = cs.Clone()
			cs.BranchID = b.ID
			cs.AsOf = at
			if err := upsertCharacter(ctx, tx, cs); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
INSERT INTO threads (story_id, branch_id, id, description, planted_chapter, due_chapter, resolved_chapter, status)
SELECT story_id, $1, id, description, planted_chapter, due_chapter, 0, 'open'
FROM threads
WHERE story_id = $2 AND branch_id = $3 AND planted_chapter <= $4
  AND (status = 'open' OR resolved_chapter > $4)
`, b.ID, b.StoryID, plan.StateSource, at)
		if err != nil {
			return fmt.Errorf("copying threads: %w", err)
		}

		for _, seg := range plan.Outline {
			points, err := listPlotPoints(ctx, tx, b.StoryID, seg.BranchID, seg.From, seg.To)
			if err != nil {
				return err
			}
			for _, p := range points {
				p.BranchID = b.ID
				if err := insertPlotPoint(ctx, tx, p, false); err != nil {
					return fmt.Errorf("copying plot point %d: %w", p.Chapter, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}
