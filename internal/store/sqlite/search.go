package sqlite

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

	var match string
	if q.Loose {
		match = looseFTS5(q.Text)
	} else {
		match = convertWebsearchToFTS5(q.Text)
	}
	if match == "" {
		return []store.SearchResult{}, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	args := []any{match}
	switch q.Scope {
	case store.ScopeGlobal:
		where = append(where, "l.story_id = ''")
	case store.ScopeAll:
		where = append(where, "(l.story_id = '' OR (l.story_id = ? AND (l.branch_id = '' OR l.branch_id = ?)))")
		args = append(args, q.StoryID, q.BranchID)
	default:
		where = append(where, "l.story_id = ? AND (l.branch_id = '' OR l.branch_id = ?)")
		args = append(args, q.StoryID, q.BranchID)
	}
	if q.Source != "" {
		where = append(where, "l.source = ?")
		args = append(args, q.Source)
	}
	if len(q.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Kinds)), ",")
		where = append(where, "l.kind IN ("+placeholders+")")
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	args = append(args, limit)

	sqlQuery := `
	SELECT l.id, l.source, l.kind, l.title, l.story_id, l.content, l.importance,
		   bm25(lore_fts, 10.0, 2.0, 1.0) AS rank,
		   snippet(lore_fts, 2, '**', '**', '...', 40) AS snippet
	FROM lore_fts
	JOIN lore l ON lore_fts.rowid = l.id
	WHERE lore_fts MATCH ?
	  AND ` + strings.Join(where, "\n\t  AND ") + `
	ORDER BY rank ASC, l.importance DESC, l.id DESC
	LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("searching lore: %w", err)
	}
	defer rows.Close()

	results := []store.SearchResult{}
	for rows.Next() {
		var r store.SearchResult
		var rank float64
		err := rows.Scan(&r.Seq, &r.Source, &r.Kind, &r.Title, &r.StoryID, &r.Content, &r.Importance, &rank, &r.Snippet)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		// bm25 is lower-is-better and negative for matches
		r.Score = -rank
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}

	return results, nil
}

// looseFTS5 turns free text into an OR of quoted terms so scene
// descriptions with punctuation never break the MATCH syntax.
func looseFTS5(text string) string {
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
		terms = append(terms, `"`+word+`"`)
	}
	return strings.Join(terms, " OR ")
}

func convertWebsearchToFTS5(query string) string {
	var result strings.Builder
	var inQuote bool
	var current strings.Builder

	flushToken := func() {
		token := current.String()
		current.Reset()
		if token == "" {
			return
		}

		upper := strings.ToUpper(token)
		switch upper {
		case "AND", "OR", "NOT":
			if result.Len() > 0 {
				result.WriteString(" ")
			}
			result.WriteString(upper)
			return
		}

		negate := strings.HasPrefix(token, "-") && len(token) > 1
		token = cleanToken(strings.TrimPrefix(token, "-"))
		if token == "" {
			return
		}

		if result.Len() > 0 {
			last := lastWord(result.String())
			if last != "AND" && last != "OR" && last != "NOT" {
				result.WriteString(" AND ")
			} else {
				result.WriteString(" ")
			}
		}
		if negate {
			result.WriteString("NOT ")
		}
		result.WriteString(token)
	}

	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '"':
			if inQuote {
				inQuote = false
				phrase := strings.ReplaceAll(current.String(), `"`, "")
				current.Reset()
				if strings.TrimSpace(phrase) != "" {
					if result.Len() > 0 {
						result.WriteString(" AND ")
					}
					result.WriteString(`"`)
					result.WriteString(phrase)
					result.WriteString(`"`)
				}
			} else {
				flushToken()
				inQuote = true
			}
		case inQuote:
			current.WriteByte(ch)
		case ch == ' ' || ch == '\t':
			flushToken()
		default:
			current.WriteByte(ch)
		}
	}

	flushToken()

	return result.String()
}

// cleanToken drops characters FTS5 treats as syntax, keeping a trailing
// prefix star.
func cleanToken(token string) string {
	prefix := strings.HasSuffix(token, "*")
	var b strings.Builder
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	if prefix {
		b.WriteByte('*')
	}
	return b.String()
}

func lastWord(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}
