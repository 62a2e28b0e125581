package assembler

import (
	"strings"
	"unicode/utf8"

	"sagaforge/internal/rules"
)

// MinExcerpt is the smallest tail of a fragment worth including when the
// whole fragment does not fit.
const MinExcerpt = 100

const separator = "\n\n"

var sepLen = utf8.RuneCountInString(separator)

type Section int

const (
	SectionPlot Section = iota
	SectionInstruction
	SectionConstraints
	SectionFeedback
	SectionCharacters
	SectionEarlier
	SectionRecent
	SectionThreads
	SectionBible
	SectionStyle
	SectionReference
)

type Fragment struct {
	Section   Section
	Label     string
	Text      string
	Mandatory bool
	// Score, Recency and Importance order retrieval fragments: higher score
	// first, ties broken by recency and then by importance.
	Score      float64
	Recency    int64
	Importance int
	Order      int
	Excerpted  bool
}

func (f Fragment) render() string {
	return "## " + f.Label + "\n" + f.Text
}

type Package struct {
	Fragments []Fragment
	Budget    int
	Used      int
	Dropped   int
	Degraded  bool
}

// Render joins the packed fragments in prompt order. Its length in runes is
// Used and never exceeds Budget.
func (p Package) Render() string {
	parts := make([]string, 0, len(p.Fragments))
	for _, f := range p.Fragments {
		parts = append(parts, f.render())
	}
	return strings.Join(parts, separator)
}

// pack dedupes candidates, already in priority order, and fills the budget
// greedily. A fragment that does not fit is cut down when at least
// MinExcerpt runes of it would survive, otherwise dropped.
func pack(candidates []Fragment, budget int) (kept []Fragment, used, dropped int) {
	seen := make(map[string]struct{}, len(candidates))
	for _, f := range candidates {
		key := rules.Normalize(f.Text)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}

		sep := 0
		if len(kept) > 0 {
			sep = sepLen
		}
		remaining := budget - used - sep
		cost := utf8.RuneCountInString(f.render())
		if cost <= remaining {
			kept = append(kept, f)
			used += sep + cost
			continue
		}

		header := utf8.RuneCountInString(f.render()) - utf8.RuneCountInString(f.Text)
		room := remaining - header
		if room < MinExcerpt {
			dropped++
			continue
		}
		f.Text = excerpt(f.Text, room)
		f.Excerpted = true
		kept = append(kept, f)
		used += sep + header + utf8.RuneCountInString(f.Text)
	}
	return kept, used, dropped
}

// excerpt cuts text to at most n runes, preferring a word boundary, and
// marks the cut with an ellipsis.
func excerpt(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	cut := n - 1
	out := string(r[:cut])
	if i := strings.LastIndexAny(out, " \n"); i > len(out)/2 {
		out = out[:i]
	}
	return out + "…"
}
