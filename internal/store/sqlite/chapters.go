package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const chapterColumns = `story_id, branch_id, number, title, content, summary, key_events, score, degraded,
	prev_branch, prev_number, intensity, scene_type, perspective, created_at`

func scanChapter(scan func(dest ...any) error) (story.Chapter, error) {
	var ch story.Chapter
	var events []byte
	var degraded int
	var sceneType, created string
	err := scan(&ch.StoryID, &ch.BranchID, &ch.Number, &ch.Title, &ch.Content, &ch.Summary, &events, &ch.Score, &degraded,
		&ch.PrevBranch, &ch.PrevNumber, &ch.Intensity, &sceneType, &ch.Perspective, &created)
	if err != nil {
		return ch, err
	}
	ch.Degraded = degraded != 0
	ch.SceneType = story.ParseSceneType(sceneType)
	ch.CreatedAt = parseTime(created)
	ch.KeyEvents, err = store.DecodeStrings(events)
	return ch, err
}

func (c *Client) GetChapter(ctx context.Context, storyID, branchID string, number int) (*story.Chapter, error) {
	row := c.db.QueryRowContext(ctx, `
	SELECT `+chapterColumns+`
	FROM chapters WHERE story_id = ? AND branch_id = ? AND number = ?
	`, storyID, branchID, number)
	ch, err := scanChapter(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := c.db.QueryContext(ctx, `
	SELECT `+chapterColumns+`
	FROM chapters
	WHERE story_id = ? AND branch_id = ? AND number BETWEEN ? AND ?
	ORDER BY number
	`, storyID, branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing chapters: %w", err)
	}
	defer rows.Close()

	var out []story.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows.Scan)
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
	return headChapter(ctx, c.db, storyID, branchID)
}

func headChapter(ctx context.Context, q querier, storyID, branchID string) (int, error) {
	var fork int
	err := q.QueryRowContext(ctx, `
	SELECT fork_chapter FROM branches WHERE story_id = ? AND id = ?
	`, storyID, branchID).Scan(&fork)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("branch %s: %w", branchID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("loading branch: %w", err)
	}

	var head int
	err = q.QueryRowContext(ctx, `
	SELECT COALESCE(MAX(number), 0) FROM chapters WHERE story_id = ? AND branch_id = ?
	`, storyID, branchID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("loading chapter head: %w", err)
	}
	return max(head, fork), nil
}

func (c *Client) CommitChapter(ctx context.Context, cm store.Commit) error {
	ch := cm.Chapter
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chapters WHERE story_id = ? AND branch_id = ? AND number = ?
		`, ch.StoryID, ch.BranchID, ch.Number).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking chapter: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("chapter %d on %s: %w", ch.Number, ch.BranchID, store.ErrDuplicateChapter)
		}

		head, err := headChapter(ctx, tx, ch.StoryID, ch.BranchID)
		if err != nil {
			return err
		}
		if ch.Number != head+1 {
			return fmt.Errorf("chapter %d on %s after head %d: %w", ch.Number, ch.BranchID, head, store.ErrSequenceGap)
		}

		res, err := tx.ExecContext(ctx, `
		UPDATE plot_points SET status = 'completed'
		WHERE story_id = ? AND branch_id = ? AND chapter = ? AND status <> 'completed'
		`, ch.StoryID, ch.BranchID, ch.Number)
		if err != nil {
			return fmt.Errorf("completing plot point: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return fmt.Errorf("plot point %d on %s: %w", ch.Number, ch.BranchID, store.ErrNotFound)
		}

		events, err := store.EncodeStrings(ch.KeyEvents)
		if err != nil {
			return err
		}
		created := now()
		_, err = tx.ExecContext(ctx, `
		INSERT INTO chapters (`+chapterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ch.StoryID, ch.BranchID, ch.Number, ch.Title, ch.Content, ch.Summary, events, ch.Score, boolInt(ch.Degraded),
			ch.PrevBranch, ch.PrevNumber, ch.Intensity, string(ch.SceneType), ch.Perspective, created)
		if err != nil {
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
			_, err := tx.ExecContext(ctx, `
			INSERT INTO audits (id, story_id, branch_id, chapter, attempt, reviewer, passed, score, feedback, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, a.ID, a.StoryID, a.BranchID, a.Chapter, a.Attempt, a.Reviewer, boolInt(a.Passed), a.Score, a.Feedback, created)
			if err != nil {
				return fmt.Errorf("inserting audit record: %w", err)
			}
		}
		for _, v := range cm.Violations {
			_, err := tx.ExecContext(ctx, `
			INSERT INTO violations (id, story_id, branch_id, chapter, rule, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			`, v.ID, v.StoryID, v.BranchID, v.Chapter, v.Rule, v.Detail, created)
			if err != nil {
				return fmt.Errorf("inserting violation: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) ListAudits(ctx context.Context, storyID, branchID string, chapter int) ([]story.AuditRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, story_id, branch_id, chapter, attempt, reviewer, passed, score, feedback, created_at
	FROM audits
	WHERE story_id = ? AND branch_id = ? AND (? = 0 OR chapter = ?)
	ORDER BY chapter, attempt
	`, storyID, branchID, chapter, chapter)
	if err != nil {
		return nil, fmt.Errorf("listing audits: %w", err)
	}
	defer rows.Close()

	var out []story.AuditRecord
	for rows.Next() {
		var a story.AuditRecord
		var passed int
		var created string
		if err := rows.Scan(&a.ID, &a.StoryID, &a.BranchID, &a.Chapter, &a.Attempt, &a.Reviewer, &passed, &a.Score, &a.Feedback, &created); err != nil {
			return nil, fmt.Errorf("scanning audit: %w", err)
		}
		a.Passed = passed != 0
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audits: %w", err)
	}
	return out, nil
}

func (c *Client) ListViolations(ctx context.Context, storyID, branchID string) ([]story.Violation, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, story_id, branch_id, chapter, rule, detail, created_at
	FROM violations
	WHERE story_id = ? AND branch_id = ?
	ORDER BY chapter, created_at
	`, storyID, branchID)
	if err != nil {
		return nil, fmt.Errorf("listing violations: %w", err)
	}
	defer rows.Close()

	var out []story.Violation
	for rows.Next() {
		var v story.Violation
		var created string
		if err := rows.Scan(&v.ID, &v.StoryID, &v.BranchID, &v.Chapter, &v.Rule, &v.Detail, &created); err != nil {
			return nil, fmt.Errorf("scanning violation: %w", err)
		}
		v.CreatedAt = parseTime(created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating violations: %w", err)
	}
	return out, nil
}
