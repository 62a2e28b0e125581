package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func (c *Client) CreateStory(ctx context.Context, s story.Story) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("story id is required")
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories WHERE id = ?`, s.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking story: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("story %s: %w", s.ID, store.ErrStoryExists)
		}

		ts := now()
		_, err = tx.ExecContext(ctx, `
		INSERT INTO stories (id, title, genre, synopsis, created_at)
		VALUES (?, ?, ?, ?, ?)
		`, s.ID, s.Title, s.Genre, s.Synopsis, ts)
		if err != nil {
			return fmt.Errorf("inserting story: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO branches (story_id, id, parent_id, fork_chapter, created_at)
		VALUES (?, ?, '', 0, ?)
		`, s.ID, story.MainBranch, ts)
		if err != nil {
			return fmt.Errorf("inserting main branch: %w", err)
		}
		return nil
	})
}

func (c *Client) GetStory(ctx context.Context, id string) (*story.Story, error) {
	var s story.Story
	var created string
	err := c.db.QueryRowContext(ctx, `
	SELECT id, title, genre, synopsis, created_at FROM stories WHERE id = ?
	`, id).Scan(&s.ID, &s.Title, &s.Genre, &s.Synopsis, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting story: %w", err)
	}
	s.CreatedAt = parseTime(created)
	return &s, nil
}

func (c *Client) ListStories(ctx context.Context) ([]story.Story, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, title, genre, synopsis, created_at FROM stories ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing stories: %w", err)
	}
	defer rows.Close()

	var out []story.Story
	for rows.Next() {
		var s story.Story
		var created string
		if err := rows.Scan(&s.ID, &s.Title, &s.Genre, &s.Synopsis, &created); err != nil {
			return nil, fmt.Errorf("scanning story: %w", err)
		}
		s.CreatedAt = parseTime(created)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stories: %w", err)
	}
	return out, nil
}
