package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const ddl = `
CREATE TABLE IF NOT EXISTS stories (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	genre      TEXT NOT NULL DEFAULT '',
	synopsis   TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	story_id     TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
	id           TEXT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	fork_chapter INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (story_id, id)
);

CREATE TABLE IF NOT EXISTS lore (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	story_id   TEXT NOT NULL DEFAULT '',
	branch_id  TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	importance INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
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
	foreshadowing TEXT NOT NULL DEFAULT '[]',
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
	key_events  TEXT NOT NULL DEFAULT '[]',
	score       REAL NOT NULL DEFAULT 0,
	degraded    INTEGER NOT NULL DEFAULT 0,
	prev_branch TEXT NOT NULL DEFAULT '',
	prev_number INTEGER NOT NULL DEFAULT 0,
	intensity   INTEGER NOT NULL DEFAULT 0,
	scene_type  TEXT NOT NULL DEFAULT 'normal',
	perspective TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	PRIMARY KEY (story_id, branch_id, number),
	FOREIGN KEY (story_id, branch_id) REFERENCES branches(story_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS character_states (
	story_id  TEXT NOT NULL,
	branch_id TEXT NOT NULL,
	name      TEXT NOT NULL,
	as_of     INTEGER NOT NULL,
	state     TEXT NOT NULL,
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
	id         TEXT PRIMARY KEY,
	story_id   TEXT NOT NULL,
	branch_id  TEXT NOT NULL,
	chapter    INTEGER NOT NULL,
	attempt    INTEGER NOT NULL,
	reviewer   TEXT NOT NULL DEFAULT '',
	passed     INTEGER NOT NULL DEFAULT 0,
	score      REAL NOT NULL DEFAULT 0,
	feedback   TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS violations (
	id         TEXT PRIMARY KEY,
	story_id   TEXT NOT NULL,
	branch_id  TEXT NOT NULL,
	chapter    INTEGER NOT NULL,
	rule       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lore_story ON lore (story_id, source);
CREATE INDEX IF NOT EXISTS idx_lore_kind ON lore (kind);
CREATE INDEX IF NOT EXISTS idx_states_lookup ON character_states (story_id, branch_id, name, as_of DESC);
CREATE INDEX IF NOT EXISTS idx_threads_status ON threads (story_id, branch_id, status);
CREATE INDEX IF NOT EXISTS idx_audits_chapter ON audits (story_id, branch_id, chapter);
CREATE INDEX IF NOT EXISTS idx_violations_branch ON violations (story_id, branch_id);

CREATE VIRTUAL TABLE IF NOT EXISTS lore_fts USING fts5(
	title,
	kind,
	content,
	content=lore,
	content_rowid=id
);

CREATE TRIGGER IF NOT EXISTS lore_ai AFTER INSERT ON lore BEGIN
	INSERT INTO lore_fts(rowid, title, kind, content)
	VALUES (new.id, new.title, new.kind, new.content);
END;

CREATE TRIGGER IF NOT EXISTS lore_ad AFTER DELETE ON lore BEGIN
	INSERT INTO lore_fts(lore_fts, rowid, title, kind, content)
	VALUES ('delete', old.id, old.title, old.kind, old.content);
END;

CREATE TRIGGER IF NOT EXISTS lore_au AFTER UPDATE ON lore BEGIN
	INSERT INTO lore_fts(lore_fts, rowid, title, kind, content)
	VALUES ('delete', old.id, old.title, old.kind, old.content);
	INSERT INTO lore_fts(rowid, title, kind, content)
	VALUES (new.id, new.title, new.kind, new.content);
END;
`

func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range splitStatements(ddl) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("executing DDL: %w", err)
			}
		}
		return nil
	})
}

// splitStatements splits DDL on lines ending in ';'. Trigger bodies keep
// their inner statements because only END; closes them.
func splitStatements(ddl string) []string {
	var statements []string
	var current strings.Builder
	inTrigger := false

	for _, line := range strings.Split(ddl, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasPrefix(strings.ToUpper(stripped), "CREATE TRIGGER") {
			inTrigger = true
		}
		if !strings.HasSuffix(stripped, ";") {
			continue
		}
		if inTrigger && !strings.EqualFold(stripped, "END;") {
			continue
		}
		inTrigger = false
		statements = append(statements, current.String())
		current.Reset()
	}

	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}

	return statements
}
