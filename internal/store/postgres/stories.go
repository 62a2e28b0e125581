package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func (c *Client) CreateStory(ctx context.Context, s story.Story) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("story id is required")
	}
	return c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO stories (id, title, genre, synopsis)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING
`, s.ID, s.Title, s.Genre, s.Synopsis)
		if err != nil {
			return fmt.Errorf("inserting story: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("story %s: %w", s.ID, store.ErrStoryExists)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO branches (story_id, id, parent_id, fork_chapter)
VALUES ($1, $2, '', 0)
`, s.ID, story.MainBranch)
		if err != nil {
			return fmt.Errorf("inserting main branch: %w", err)
		}
		return nil
	})
}

func (c *Client) GetStory(ctx context.Context, id string) (*story.Story, error) {
	var s story.Story
	err := c.pool.QueryRow(ctx, `
SELECT id, title, genre, synopsis, created_at FROM stories WHERE id = $1
`, id).Scan(&s.ID, &s.Title, &s.Genre, &s.Synopsis, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("story %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting story: %w", err)
	}
	return &s, nil
}

func (c *Client) ListStories(ctx context.Context) ([]story.Story, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, title, genre, synopsis, created_at FROM stories ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("listing stories: %w", err)
	}
	defer rows.Close()

	var out []story.Story
	for rows.Next() {
		var s story.Story
		if err := rows.Scan(&s.ID, &s.Title, &s.Genre, &s.Synopsis, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning story: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stories: %w", err)
	}
	return out, nil
}
