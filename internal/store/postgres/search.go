package postgres

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"sagaforge/internal/store"
)

func (c *Client) Search(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	tsquery := "websearch_to_tsquery('english', $1)"
	text := q.Text
	if q.Loose {
		text = looseTSQuery(q.Text)
		if text == "" {
			return []store.SearchResult{}, nil
		}
		tsquery = "to_tsquery('english', $1)"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	args := []any{text}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var where []string
	switch q.Scope {
	case store.ScopeGlobal:
		where = append(where, "story_id = ''")
	case store.ScopeAll:
		s, b := arg(q.StoryID), arg(q.BranchID)
		where = append(where, "(story_id = '' OR (story_id = "+s+" AND (branch_id = '' OR branch_id = "+b+")))")
	default:
		s, b := arg(q.StoryID), arg(q.BranchID)
		where = append(where, "story_id = "+s+" AND (branch_id = '' OR branch_id = "+b+")")
	}
	if q.Source != "" {
		where = append(where, "source = "+arg(q.Source))
	}
	if len(q.Kinds) > 0 {
		where = append(where, "kind = ANY("+arg(q.Kinds)+")")
	}
	limitArg := arg(limit)

	sql := `
SELECT id, source, kind, title, story_id, content, importance,
    ts_rank(search_vector, ` + tsquery + `) AS score,
    CASE WHEN content <> '' THEN
        ts_headline('english', content, ` + tsquery + `,
            'MaxFragments=2, MaxWords=40, MinWords=20, StartSel=**, StopSel=**')
    ELSE '' END AS snippet
FROM lore
WHERE search_vector @@ ` + tsquery + `
  AND ` + strings.Join(where, "\n  AND ") + `
ORDER BY score DESC, importance DESC, id DESC
LIMIT ` + limitArg

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("searching lore: %w", err)
	}
	defer rows.Close()

	results := []store.SearchResult{}
	for rows.Next() {
		var r store.SearchResult
		var score float32
		err := rows.Scan(&r.Seq, &r.Source, &r.Kind, &r.Title, &r.StoryID, &r.Content, &r.Importance, &score, &r.Snippet)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		r.Score = float64(score)
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}

	return results, nil
}

// looseTSQuery ORs the words of free text together for to_tsquery. Only
// letters and digits survive, so the result is always valid syntax.
func looseTSQuery(text string) string {
	seen := make(map[string]struct{})
	var terms []string
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(word)) < 3 {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		terms = append(terms, word)
	}
	return strings.Join(terms, " | ")
}
