package postgres

import (
	"context"
	"fmt"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	// A multi-statement Exec runs as one implicit transaction.
	ddl := `
CREATE TABLE IF NOT EXISTS stories (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    genre      TEXT NOT NULL DEFAULT '',
    synopsis   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS branches (
    story_id     TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
    id           TEXT NOT NULL,
    parent_id    TEXT NOT NULL DEFAULT '',
    fork_chapter INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (story_id, id)
);

CREATE TABLE IF NOT EXISTS lore (
    id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    story_id      TEXT NOT NULL DEFAULT '',
    branch_id     TEXT NOT NULL DEFAULT '',
    source        TEXT NOT NULL,
    kind          TEXT NOT NULL,
    title         TEXT NOT NULL,
    content       TEXT NOT NULL DEFAULT '',
    importance    INTEGER NOT NULL DEFAULT 0,
    search_vector TSVECTOR,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_lore UNIQUE (story_id, branch_id, source, kind, title)
);

CREATE TABLE IF NOT EXISTS plot_points (
    story_id      TEXT NOT NULL,
    branch_id     TEXT NOT NULL,
    chapter       INTEGER NOT NULL,
    sequence      INTEGER NOT NULL DEFAULT 0,
    title         TEXT NOT NULL DEFAULT '',
    scene         TEXT NOT NULL DEFAULT '',
    conflict      TEXT NOT NULL DEFAULT '',
    scene_type    TEXT NOT NULL DEFAULT 'normal',
    foreshadowing TEXT[] NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'pending',
    PRIMARY KEY (story_id, branch_id, chapter),
    FOREIGN KEY (story_id, branch_id) REFERENCES branches(story_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS chapters (
    story_id    TEXT NOT NULL,
    branch_id   TEXT NOT NULL,
    number      INTEGER NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    summary     TEXT NOT NULL DEFAULT '',
    key_events  TEXT[] NOT NULL DEFAULT '{}',
    score       DOUBLE PRECISION NOT NULL DEFAULT 0,
    degraded    BOOLEAN NOT NULL DEFAULT FALSE,
    prev_branch TEXT NOT NULL DEFAULT '',
    prev_number INTEGER NOT NULL DEFAULT 0,
    intensity   INTEGER NOT NULL DEFAULT 0,
    scene_type  TEXT NOT NULL DEFAULT 'normal',
    perspective TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (story_id, branch_id, number),
    FOREIGN KEY (story_id, branch_id) REFERENCES branches(story_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS character_states (
    story_id  TEXT NOT NULL,
    branch_id TEXT NOT NULL,
    name      TEXT NOT NULL,
    as_of     INTEGER NOT NULL,
    state     JSONB NOT NULL,
    PRIMARY KEY (story_id, branch_id, name, as_of),
    FOREIGN KEY (story_id, branch_id) REFERENCES branches(story_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS threads (
    story_id         TEXT NOT NULL,
    branch_id        TEXT NOT NULL,
    id               TEXT NOT NULL,
    description      TEXT NOT NULL,
    planted_chapter  INTEGER NOT NULL DEFAULT 0,
    due_chapter      INTEGER NOT NULL DEFAULT 0,
    resolved_chapter INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'open',
    PRIMARY KEY (story_id, branch_id, id),
    FOREIGN KEY (story_id, branch_id) REFERENCES branches(story_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS audits (
    id         UUID PRIMARY KEY,
    story_id   TEXT NOT NULL,
    branch_id  TEXT NOT NULL,
    chapter    INTEGER NOT NULL,
    attempt    INTEGER NOT NULL,
    reviewer   TEXT NOT NULL DEFAULT '',
    passed     BOOLEAN NOT NULL DEFAULT FALSE,
    score      DOUBLE PRECISION NOT NULL DEFAULT 0,
    feedback   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS violations (
    id         UUID PRIMARY KEY,
    story_id   TEXT NOT NULL,
    branch_id  TEXT NOT NULL,
    chapter    INTEGER NOT NULL,
    rule       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lore_search ON lore USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_lore_story ON lore (story_id, source);
CREATE INDEX IF NOT EXISTS idx_lore_kind ON lore (kind);
CREATE INDEX IF NOT EXISTS idx_states_lookup ON character_states (story_id, branch_id, name, as_of DESC);
CREATE INDEX IF NOT EXISTS idx_threads_status ON threads (story_id, branch_id, status);
CREATE INDEX IF NOT EXISTS idx_audits_chapter ON audits (story_id, branch_id, chapter);
CREATE INDEX IF NOT EXISTS idx_violations_branch ON violations (story_id, branch_id);
`

	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("executing DDL: %w", err)
	}
	return nil
}
