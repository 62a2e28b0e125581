package llm

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	danglingClose  = regexp.MustCompile(`(?is)^.*?</(think|thinking|reasoning)>`)
	danglingOpen   = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*$`)
	fencedJSON     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
)

// StripReasoning removes reasoning-trace markup from a completion. Closed
// blocks are removed wherever they appear; a close tag with no opener drops
// everything before it, and an opener that never closes drops everything
// after it.
func StripReasoning(s string) string {
	s = reasoningBlock.ReplaceAllString(s, "")
	s = danglingClose.ReplaceAllString(s, "")
	s = danglingOpen.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ExtractJSON finds the JSON object in a completion: the whole text, a fenced
// code block, or the outermost braces. It reports false when none is valid.
func ExtractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") && gjson.Valid(s) {
		return s, true
	}
	for _, m := range fencedJSON.FindAllStringSubmatch(s, -1) {
		if candidate := strings.TrimSpace(m[1]); strings.HasPrefix(candidate, "{") && gjson.Valid(candidate) {
			return candidate, true
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if candidate := s[start : end+1]; gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}
