package sqlite

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
	return upsertCharacter(ctx, c.db, cs)
}

func upsertCharacter(ctx context.Context, q querier, cs story.CharacterState) error {
	state, err := store.EncodeCharacter(cs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
	INSERT INTO character_states (story_id, branch_id, name, as_of, state)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (story_id, branch_id, name, as_of) DO UPDATE SET state = excluded.state
	`, cs.StoryID, cs.BranchID, cs.Name, cs.AsOf, string(state))
	if err != nil {
		return fmt.Errorf("writing character %s: %w", cs.Name, err)
	}
	return nil
}

func (c *Client) CharacterStates(ctx context.Context, storyID, branchID string, before int) ([]story.CharacterState, error) {
	return characterStates(ctx, c.db, storyID, branchID, before)
}

// characterStates returns each character's newest snapshot strictly before
// the given chapter.
func characterStates(ctx context.Context, q querier, storyID, branchID string, before int) ([]story.CharacterState, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT cs.name, cs.as_of, cs.state
	FROM character_states cs
	WHERE cs.story_id = ? AND cs.branch_id = ? AND cs.as_of < ?
	  AND cs.as_of = (
		SELECT MAX(inner_cs.as_of) FROM character_states inner_cs
		WHERE inner_cs.story_id = cs.story_id
		  AND inner_cs.branch_id = cs.branch_id
		  AND inner_cs.name = cs.name
		  AND inner_cs.as_of < ?
	  )
	ORDER BY cs.name
	`, storyID, branchID, before, before)
	if err != nil {
		return nil, fmt.Errorf("loading character states: %w", err)
	}
	defer rows.Close()

	var out []story.CharacterState
	for rows.Next() {
		cs := story.CharacterState{StoryID: storyID, BranchID: branchID}
		var state []byte
		if err := rows.Scan(&cs.Name, &cs.AsOf, &state); err != nil {
			return nil, fmt.Errorf("scanning character state: %w", err)
		}
		if err := store.DecodeCharacter(state, &cs); err != nil {
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
	rows, err := c.db.QueryContext(ctx, `
	SELECT story_id, branch_id, id, description, planted_chapter, due_chapter, resolved_chapter, status
	FROM threads
	WHERE story_id = ? AND branch_id = ? AND status = 'open'
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
	_, err := q.ExecContext(ctx, `
	INSERT INTO threads (story_id, branch_id, id, description, planted_chapter, due_chapter, resolved_chapter, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (story_id, branch_id, id) DO UPDATE SET
		description = excluded.description,
		due_chapter = excluded.due_chapter,
		resolved_chapter = excluded.resolved_chapter,
		status = excluded.status
	`, t.StoryID, t.BranchID, t.ID, t.Description, t.PlantedChapter, t.DueChapter, t.ResolvedChapter, string(t.Status))
	if err != nil {
		return fmt.Errorf("writing thread %s: %w", t.ID, err)
	}
	return nil
}
