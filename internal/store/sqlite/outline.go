package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func (c *Client) UpsertPlotPoint(ctx context.Context, p story.PlotPoint) error {
	if p.Chapter < 1 {
		return fmt.Errorf("plot point chapter must be positive, got %d", p.Chapter)
	}
	hooks, err := store.EncodeStrings(p.Foreshadowing)
	if err != nil {
		return err
	}
	sceneType := p.SceneType
	if sceneType == "" {
		sceneType = story.SceneNormal
	}

	res, err := c.db.ExecContext(ctx, `
	INSERT INTO plot_points (story_id, branch_id, chapter, sequence, title, scene, conflict, scene_type, foreshadowing, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	ON CONFLICT (story_id, branch_id, chapter) DO UPDATE SET
		sequence = excluded.sequence,
		title = excluded.title,
		scene = excluded.scene,
		conflict = excluded.conflict,
		scene_type = excluded.scene_type,
		foreshadowing = excluded.foreshadowing
	WHERE plot_points.status <> 'completed'
	`, p.StoryID, p.BranchID, p.Chapter, p.Sequence, p.Title, p.Scene, p.Conflict, string(sceneType), hooks)
	if err != nil {
		return fmt.Errorf("upserting plot point %d: %w", p.Chapter, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upserting plot point %d: %w", p.Chapter, err)
	}
	if n == 0 {
		return fmt.Errorf("plot point %d on %s: %w", p.Chapter, p.BranchID, store.ErrPlotPointFinal)
	}
	return nil
}

const plotPointColumns = `story_id, branch_id, chapter, sequence, title, scene, conflict, scene_type, foreshadowing, status`

func scanPlotPoint(scan func(dest ...any) error) (story.PlotPoint, error) {
	var p story.PlotPoint
	var sceneType, status string
	var hooks []byte
	if err := scan(&p.StoryID, &p.BranchID, &p.Chapter, &p.Sequence, &p.Title, &p.Scene, &p.Conflict, &sceneType, &hooks, &status); err != nil {
		return p, err
	}
	p.SceneType = story.ParseSceneType(sceneType)
	p.Status = story.PlotStatus(status)
	var err error
	p.Foreshadowing, err = store.DecodeStrings(hooks)
	return p, err
}

func (c *Client) GetPlotPoint(ctx context.Context, storyID, branchID string, chapter int) (*story.PlotPoint, error) {
	row := c.db.QueryRowContext(ctx, `
	SELECT `+plotPointColumns+`
	FROM plot_points WHERE story_id = ? AND branch_id = ? AND chapter = ?
	`, storyID, branchID, chapter)
	p, err := scanPlotPoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plot point %d on %s: %w", chapter, branchID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting plot point: %w", err)
	}
	return &p, nil
}

func (c *Client) ListPlotPoints(ctx context.Context, storyID, branchID string) ([]story.PlotPoint, error) {
	return listPlotPoints(ctx, c.db, storyID, branchID, 1, store.Unbounded)
}

func listPlotPoints(ctx context.Context, q querier, storyID, branchID string, from, to int) ([]story.PlotPoint, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT `+plotPointColumns+`
	FROM plot_points
	WHERE story_id = ? AND branch_id = ? AND chapter BETWEEN ? AND ?
	ORDER BY chapter
	`, storyID, branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing plot points: %w", err)
	}
	defer rows.Close()

	var out []story.PlotPoint
	for rows.Next() {
		p, err := scanPlotPoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning plot point: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plot points: %w", err)
	}
	return out, nil
}
