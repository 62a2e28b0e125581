package sqlite

import (
	"context"
	"fmt"
	"strings"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const upsertLore = `
INSERT INTO lore (story_id, branch_id, source, kind, title, content, importance, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (story_id, branch_id, source, kind, title) DO UPDATE SET
	content = excluded.content,
	importance = excluded.importance,
	updated_at = excluded.updated_at
`

func (c *Client) UpsertBibleEntry(ctx context.Context, e story.BibleEntry) error {
	if strings.TrimSpace(e.StoryID) == "" {
		return fmt.Errorf("bible entry story id is required")
	}
	if strings.TrimSpace(e.Category) == "" || strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("bible entry category and key are required")
	}
	_, err := c.db.ExecContext(ctx, upsertLore,
		e.StoryID, e.BranchID, store.SourceBible, e.Category, e.Key, e.Content, e.Importance, now())
	if err != nil {
		return fmt.Errorf("upserting bible entry %s/%s: %w", e.Category, e.Key, err)
	}
	return nil
}

func (c *Client) UpsertReference(ctx context.Context, r story.Reference) error {
	if strings.TrimSpace(r.Kind) == "" || strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("reference kind and title are required")
	}
	_, err := c.db.ExecContext(ctx, upsertLore,
		r.StoryID, "", store.SourceReference, r.Kind, r.Title, r.Content, 0, now())
	if err != nil {
		return fmt.Errorf("upserting reference %s: %w", r.Title, err)
	}
	return nil
}

func (c *Client) ListBibleEntries(ctx context.Context, storyID, branchID string) ([]story.BibleEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT story_id, branch_id, kind, title, content, importance
	FROM lore
	WHERE story_id = ? AND source = ? AND (branch_id = '' OR branch_id = ?)
	ORDER BY importance DESC, kind, title
	`, storyID, store.SourceBible, branchID)
	if err != nil {
		return nil, fmt.Errorf("listing bible entries: %w", err)
	}
	defer rows.Close()

	var entries []story.BibleEntry
	for rows.Next() {
		var e story.BibleEntry
		if err := rows.Scan(&e.StoryID, &e.BranchID, &e.Category, &e.Key, &e.Content, &e.Importance); err != nil {
			return nil, fmt.Errorf("scanning bible entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bible entries: %w", err)
	}
	return store.MergeBible(entries), nil
}
