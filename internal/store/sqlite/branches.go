package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func (c *Client) GetBranch(ctx context.Context, storyID, branchID string) (*story.Branch, error) {
	var b story.Branch
	var created string
	err := c.db.QueryRowContext(ctx, `
	SELECT story_id, id, parent_id, fork_chapter, created_at
	FROM branches WHERE story_id = ? AND id = ?
	`, storyID, branchID).Scan(&b.StoryID, &b.ID, &b.ParentID, &b.ForkChapter, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("branch %s: %w", branchID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting branch: %w", err)
	}
	b.CreatedAt = parseTime(created)
	return &b, nil
}

func (c *Client) ListBranches(ctx context.Context, storyID string) ([]story.Branch, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT story_id, id, parent_id, fork_chapter, created_at
	FROM branches WHERE story_id = ?
	ORDER BY created_at, id
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var out []story.Branch
	for rows.Next() {
		var b story.Branch
		var created string
		if err := rows.Scan(&b.StoryID, &b.ID, &b.ParentID, &b.ForkChapter, &created); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating branches: %w", err)
	}
	return out, nil
}

// CreateBranch applies a fork plan: the branch row, snapshots of every
// character and open thread as of the fork chapter, and the parent's
// remaining outline, all in one transaction.
func (c *Client) CreateBranch(ctx context.Context, plan store.ForkPlan) (*story.Branch, error) {
	b := plan.Branch
	at := b.ForkChapter
	created := now()

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM branches WHERE story_id = ? AND id = ?
		`, b.StoryID, b.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking branch: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("branch %s: %w", b.ID, store.ErrBranchExists)
		}

		head, err := headChapter(ctx, tx, b.StoryID, b.ParentID)
		if err != nil {
			return err
		}
		if at > head {
			return fmt.Errorf("%w: chapter %d is beyond %s head %d", store.ErrForkPoint, at, b.ParentID, head)
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO branches (story_id, id, parent_id, fork_chapter, created_at)
		VALUES (?, ?, ?, ?, ?)
		`, b.StoryID, b.ID, b.ParentID, at, created)
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

		_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (story_id, branch_id, id, description, planted_chapter, due_chapter, resolved_chapter, status)
		SELECT story_id, ?, id, description, planted_chapter, due_chapter, 0, 'open'
		FROM threads
		WHERE story_id = ? AND branch_id = ? AND planted_chapter <= ?
		  AND (status = 'open' OR resolved_chapter > ?)
		`, b.ID, b.StoryID, plan.StateSource, at, at)
		if err != nil {
			return fmt.Errorf("copying threads: %w", err)
		}

		for _, seg := range plan.Outline {
			points, err := listPlotPoints(ctx, tx, b.StoryID, seg.BranchID, seg.From, seg.To)
			if err != nil {
				return err
			}
			for _, p := range points {
				hooks, err := store.EncodeStrings(p.Foreshadowing)
				if err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `
				INSERT INTO plot_points (story_id, branch_id, chapter, sequence, title, scene, conflict, scene_type, foreshadowing, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
				`, b.StoryID, b.ID, p.Chapter, p.Sequence, p.Title, p.Scene, p.Conflict, string(p.SceneType), hooks)
				if err != nil {
					return fmt.Errorf("copying plot point %d: %w", p.Chapter, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.CreatedAt = parseTime(created)
	return &b, nil
}
