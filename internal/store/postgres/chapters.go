package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const chapterColumns = `story_id, branch_id, number, title, content, summary, key_events, score, degraded,
    prev_branch, prev_number, intensity, scene_type, perspective, created_at`

func scanChapter(row pgx.Row) (story.Chapter, error) {
	var ch story.Chapter
	var sceneType string
	err := row.Scan(&ch.StoryID, &ch.BranchID, &ch.Number, &ch.Title, &ch.Content, &ch.Summary, &ch.KeyEvents, &ch.Score, &ch.Degraded,
		&ch.PrevBranch, &ch.PrevNumber, &ch.Intensity, &sceneType, &ch.Perspective, &ch.CreatedAt)
	if err != nil {
		return ch, err
	}
	ch.SceneType = story.ParseSceneType(sceneType)
	if ch.KeyEvents == nil {
		ch.KeyEvents = []string{}
	}
	return ch, nil
}

func (c *Client) GetChapter(ctx context.Context, storyID, branchID string, number int) (*story.Chapter, error) {
	row := c.pool.QueryRow(ctx, `
SELECT `+chapterColumns+`
FROM chapters WHERE story_id = $1 AND branch_id = $2 AND number = $3
`, storyID, branchID, number)
	ch, err := scanChapter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chapter %d on %s: %w", number, branchID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting chapter: %w", err)
	}
	return &ch, nil
}

func (c *Client) ListChapters(ctx context.Context, storyID, branchID string, from, to int) ([]story.Chapter, error) {
	if to <= 0 {
		to = store.Unbounded
	}
	rows, err := c.pool.Query(ctx, `
SELECT `+chapterColumns+`
FROM chapters
WHERE story_id = $1 AND branch_id = $2 AND number BETWEEN $3 AND $4
ORDER BY number
`, storyID, branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing chapters: %w", err)
	}
	defer rows.Close()

	var out []story.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chapter: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chapters: %w", err)
	}
	return out, nil
}

func (c *Client) HeadChapter(ctx context.Context, storyID, branchID string) (int, error) {
	return headChapter(ctx, c.pool, storyID, branchID, false)
}

// headChapter computes the branch head. With lock set the branch row is held
// FOR UPDATE so concurrent commits on the same branch serialize.
func headChapter(ctx context.Context, q querier, storyID, branchID string, lock bool) (int, error) {
	sql := `SELECT fork_chapter FROM branches WHERE story_id = $1 AND id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}
	var fork int
	err := q.QueryRow(ctx, sql, storyID, branchID).Scan(&fork)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("branch %s: %w", branchID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("loading branch: %w", err)
	}

	var head int
	err = q.QueryRow(ctx, `
SELECT COALESCE(MAX(number), 0) FROM chapters WHERE story_id = $1 AND branch_id = $2
`, storyID, branchID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("loading chapter head: %w", err)
	}
	return max(head, fork), nil
}

func (c *Client) CommitChapter(ctx context.Context, cm store.Commit) error {
	ch := cm.Chapter
	return c.withTx(ctx, func(tx pgx.Tx) error {
		head, err := headChapter(ctx, tx, ch.StoryID, ch.BranchID, true)
		if err != nil {
			return err
		}

		var exists bool
		err = tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM chapters WHERE story_id = $1 AND branch_id = $2 AND number = $3)
`, ch.StoryID, ch.BranchID, ch.Number).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking chapter: %w", err)
		}
		if exists {
			return fmt.Errorf("chapter %d on %s: %w", ch.Number, ch.BranchID, store.ErrDuplicateChapter)
		}
		if ch.Number != head+1 {
			return fmt.Errorf("chapter %d on %s after head %d: %w", ch.Number, ch.BranchID, head, store.ErrSequenceGap)
		}

		tag, err := tx.Exec(ctx, `
UPDATE plot_points SET status = 'completed'
WHERE story_id = $1 AND branch_id = $2 AND chapter = $3 AND status <> 'completed'
`, ch.StoryID, ch.BranchID, ch.Number)
		if err != nil {
			return fmt.Errorf("completing plot point: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("plot point %d on %s: %w", ch.Number, ch.BranchID, store.ErrNotFound)
		}

		events := ch.KeyEvents
		if events == nil {
			events = []string{}
		}
		_, err = tx.Exec(ctx, `
INSERT INTO chapters (story_id, branch_id, number, title, content, summary, key_events, score, degraded,
    prev_branch, prev_number, intensity, scene_type, perspective)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`, ch.StoryID, ch.BranchID, ch.Number, ch.Title, ch.Content, ch.Summary, events, ch.Score, ch.Degraded,
			ch.PrevBranch, ch.PrevNumber, ch.Intensity, string(ch.SceneType), ch.Perspective)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("chapter %d on %s: %w", ch.Number, ch.BranchID, store.ErrDuplicateChapter)
			}
			return fmt.Errorf("inserting chapter: %w", err)
		}

		for _, cs := range cm.Characters {
			if err := upsertCharacter(ctx, tx, cs); err != nil {
				return err
			}
		}
		for _, t := range cm.Threads {
			if err := upsertThread(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, a := range cm.Audits {
			id, err := uuid.Parse(a.ID)
			if err != nil {
				return fmt.Errorf("audit record id %q: %w", a.ID, err)
			}
			_, err = tx.Exec(ctx, `
INSERT INTO audits (id, story_id, branch_id, chapter, attempt, reviewer, passed, score, feedback)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, id, a.StoryID, a.BranchID, a.Chapter, a.Attempt, a.Reviewer, a.Passed, a.Score, a.Feedback)
			if err != nil {
				return fmt.Errorf("inserting audit record: %w", err)
			}
		}
		for _, v := range cm.Violations {
			id, err := uuid.Parse(v.ID)
			if err != nil {
				return fmt.Errorf("violation id %q: %w", v.ID, err)
			}
			_, err = tx.Exec(ctx, `
INSERT INTO violations (id, story_id, branch_id, chapter, rule, detail)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, v.StoryID, v.BranchID, v.Chapter, v.Rule, v.Detail)
			if err != nil {
				return fmt.Errorf("inserting violation: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) ListAudits(ctx context.Context, storyID, branchID string, chapter int) ([]story.AuditRecord, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id::text, story_id, branch_id, chapter, attempt, reviewer, passed, score, feedback, created_at
FROM audits
WHERE story_id = $1 AND branch_id = $2 AND ($3 = 0 OR chapter = $3)
ORDER BY chapter, attempt
`, storyID, branchID, chapter)
	if err != nil {
		return nil, fmt.Errorf("listing audits: %w", err)
	}
	defer rows.Close()

	var out []story.AuditRecord
	for rows.Next() {
		var a story.AuditRecord
		if err := rows.Scan(&a.ID, &a.StoryID, &a.BranchID, &a.Chapter, &a.Attempt, &a.Reviewer, &a.Passed, &a.Score, &a.Feedback, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audits: %w", err)
	}
	return out, nil
}

func (c *Client) ListViolations(ctx context.Context, storyID, branchID string) ([]story.Violation, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id::text, story_id, branch_id, chapter, rule, detail, created_at
FROM violations
WHERE story_id = $1 AND branch_id = $2
ORDER BY chapter, created_at
`, storyID, branchID)
	if err != nil {
		return nil, fmt.Errorf("listing violations: %w", err)
	}
	defer rows.Close()

	var out []story.Violation
	for rows.Next() {
		var v story.Violation
		if err := rows.Scan(&v.ID, &v.StoryID, &v.BranchID, &v.Chapter, &v.Rule, &v.Detail, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning violation: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating violations: %w", err)
	}
	return out, nil
}
