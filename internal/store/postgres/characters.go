package postgres

import (
	"context"
	"fmt"
	"strings"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func (c *Client) SeedCharacter(ctx context.Context, cs story.CharacterState) error {
	if strings.TrimSpace(cs.Name) == "" {
		return fmt.Errorf("character name is required")
	}
	if cs.BranchID == "" {
		cs.BranchID = story.MainBranch
	}
	return upsertCharacter(ctx, c.pool, cs)
}

func upsertCharacter(ctx context.Context, q querier, cs story.CharacterState) error {
	state, err := store.EncodeCharacter(cs)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
INSERT INTO character_states (story_id, branch_id, name, as_of, state)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (story_id, branch_id, name, as_of) DO UPDATE SET state = EXCLUDED.state
`, cs.StoryID, cs.BranchID, cs.Name, cs.AsOf, string(state))
	if err != nil {
		return fmt.Errorf("writing character %s: %w", cs.Name, err)
	}
	return nil
}

func (c *Client) CharacterStates(ctx context.Context, storyID, branchID string, before int) ([]story.CharacterState, error) {
	return characterStates(ctx, c.pool, storyID, branchID, before)
}

func characterStates(ctx context.Context, q querier, storyID, branchID string, before int) ([]story.CharacterState, error) {
	rows, err := q.Query(ctx, `
SELECT DISTINCT ON (name) name, as_of, state::text
FROM character_states
WHERE story_id = $1 AND branch_id = $2 AND as_of < $3
ORDER BY name, as_of DESC
`, storyID, branchID, before)
	if err != nil {
		return nil, fmt.Errorf("loading character states: %w", err)
	}
	defer rows.Close()

	var out []story.CharacterState
	for rows.Next() {
		cs := story.CharacterState{StoryID: storyID, BranchID: branchID}
		var state string
		if err := rows.Scan(&cs.Name, &cs.AsOf, &state); err != nil {
			return nil, fmt.Errorf("scanning character state: %w", err)
		}
		if err := store.DecodeCharacter([]byte(state), &cs); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating character states: %w", err)
	}
	return out, nil
}

func (c *Client) OpenThreads(ctx context.Context, storyID, branchID string) ([]story.Thread, error) {
	rows, err := c.pool.Query(ctx, `
SELECT story_id, branch_id, id, description, planted_chapter, due_chapter, resolved_chapter, status
FROM threads
WHERE story_id = $1 AND branch_id = $2 AND status = 'open'
ORDER BY planted_chapter, id
`, storyID, branchID)
	if err != nil {
		return nil, fmt.Errorf("loading threads: %w", err)
	}
	defer rows.Close()

	var out []story.Thread
	for rows.Next() {
		var t story.Thread
		var status string
		if err := rows.Scan(&t.StoryID, &t.BranchID, &t.ID, &t.Description, &t.PlantedChapter, &t.DueChapter, &t.ResolvedChapter, &status); err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		t.Status = story.ThreadStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	return out, nil
}

func upsertThread(ctx context.Context, q querier, t story.Thread) error {
	_, err := q.Exec(ctx, `
INSERT INTO threads (story_id, branch_id, id, description, planted_chapter, due_chapter, resolved_chapter, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (story_id, branch_id, id) DO UPDATE SET
    description = EXCLUDED.description,
    due_chapter = EXCLUDED.due_chapter,
    resolved_chapter = EXCLUDED.resolved_chapter,
    status = EXCLUDED.status
`, t.StoryID, t.BranchID, t.ID, t.Description, t.PlantedChapter, t.DueChapter, t.ResolvedChapter, string(t.Status))
	if err != nil {
		return fmt.Errorf("writing thread %s: %w", t.ID, err)
	}
	return nil
}
