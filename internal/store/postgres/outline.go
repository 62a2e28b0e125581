package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

func (c *Client) UpsertPlotPoint(ctx context.Context, p story.PlotPoint) error {
	if p.Chapter < 1 {
		return fmt.Errorf("plot point chapter must be positive, got %d", p.Chapter)
	}
	return insertPlotPoint(ctx, c.pool, p, true)
}

// insertPlotPoint writes a pending plot point. With update set, an existing
// pending row is overwritten; completed rows are never touched.
func insertPlotPoint(ctx context.Context, q querier, p story.PlotPoint, update bool) error {
	sceneType := p.SceneType
	if sceneType == "" {
		sceneType = story.SceneNormal
	}
	hooks := p.Foreshadowing
	if hooks == nil {
		hooks = []string{}
	}

	sql := `
INSERT INTO plot_points (story_id, branch_id, chapter, sequence, title, scene, conflict, scene_type, foreshadowing, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
`
	if update {
		sql += `ON CONFLICT (story_id, branch_id, chapter) DO UPDATE SET
    sequence = EXCLUDED.sequence,
    title = EXCLUDED.title,
    scene = EXCLUDED.scene,
    conflict = EXCLUDED.conflict,
    scene_type = EXCLUDED.scene_type,
    foreshadowing = EXCLUDED.foreshadowing
WHERE plot_points.status <> 'completed'
`
	}

	tag, err := q.Exec(ctx, sql, p.StoryID, p.BranchID, p.Chapter, p.Sequence, p.Title, p.Scene, p.Conflict, string(sceneType), hooks)
	if err != nil {
		return fmt.Errorf("upserting plot point %d: %w", p.Chapter, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plot point %d on %s: %w", p.Chapter, p.BranchID, store.ErrPlotPointFinal)
	}
	return nil
}

const plotPointColumns = `story_id, branch_id, chapter, sequence, title, scene, conflict, scene_type, foreshadowing, status`

func scanPlotPoint(row pgx.Row) (story.PlotPoint, error) {
	var p story.PlotPoint
	var sceneType, status string
	if err := row.Scan(&p.StoryID, &p.BranchID, &p.Chapter, &p.Sequence, &p.Title, &p.Scene, &p.Conflict, &sceneType, &p.Foreshadowing, &status); err != nil {
		return p, err
	}
	p.SceneType = story.ParseSceneType(sceneType)
	p.Status = story.PlotStatus(status)
	if p.Foreshadowing == nil {
		p.Foreshadowing = []string{}
	}
	return p, nil
}

func (c *Client) GetPlotPoint(ctx context.Context, storyID, branchID string, chapter int) (*story.PlotPoint, error) {
	row := c.pool.QueryRow(ctx, `
SELECT `+plotPointColumns+`
FROM plot_points WHERE story_id = $1 AND branch_id = $2 AND chapter = $3
`, storyID, branchID, chapter)
	p, err := scanPlotPoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plot point %d on %s: %w", chapter, branchID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting plot point: %w", err)
	}
	return &p, nil
}

func (c *Client) ListPlotPoints(ctx context.Context, storyID, branchID string) ([]story.PlotPoint, error) {
	return listPlotPoints(ctx, c.pool, storyID, branchID, 1, store.Unbounded)
}

func listPlotPoints(ctx context.Context, q querier, storyID, branchID string, from, to int) ([]story.PlotPoint, error) {
	rows, err := q.Query(ctx, `
SELECT `+plotPointColumns+`
FROM plot_points
WHERE story_id = $1 AND branch_id = $2 AND chapter BETWEEN $3 AND $4
ORDER BY chapter
`, storyID, branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing plot points: %w", err)
	}
	defer rows.Close()

	var out []story.PlotPoint
	for rows.Next() {
		p, err := scanPlotPoint(rows)
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
