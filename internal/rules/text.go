package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds s for matching: NFKC, full case folding, and collapsed
// whitespace. Full-width and compatibility forms compare equal to their
// plain counterparts.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

// Sentences splits prose on terminal punctuation and line breaks. Runs of
// terminators stay with the sentence they end.
func Sentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if isTerminator(r) && (i+1 == len(runes) || !isTerminator(runes[i+1])) {
			// keep a closing quote attached to its sentence
			if i+1 < len(runes) && isCloseQuote(runes[i+1]) {
				continue
			}
			flush()
		} else if isCloseQuote(r) && i > 0 && isTerminator(runes[i-1]) {
			flush()
		}
	}
	flush()
	return out
}

// WordCount counts words in a sentence. Han characters count individually
// since those scripts do not separate words with spaces.
func WordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			n++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' && inWord:
			if !inWord {
				n++
				inWord = true
			}
		default:
			inWord = false
		}
	}
	return n
}

func isOpenQuote(r rune) bool {
	return r == '“' || r == '「' || r == '『'
}

func isCloseQuote(r rune) bool {
	return r == '”' || r == '」' || r == '』' || r == '"'
}

// DialogueRatio is the share of non-space characters that sit inside
// quotation marks.
func DialogueRatio(text string) float64 {
	total, quoted := 0, 0
	inQuote := false
	for _, r := range text {
		switch {
		case r == '"':
			inQuote = !inQuote
			continue
		case isOpenQuote(r):
			inQuote = true
			continue
		case isCloseQuote(r):
			inQuote = false
			continue
		}
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if inQuote {
			quoted++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(quoted) / float64(total)
}

func mentions(normSentence, normName string) bool {
	return normName != "" && strings.Contains(normSentence, normName)
}
