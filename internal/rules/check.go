package rules

import (
	"fmt"
	"strings"

	"sagaforge/internal/config"
	"sagaforge/internal/story"
)

// CheckAnchor flags every forbidden action contained in the described action.
// Matching is substring over normalised text, so exact matches always hit.
func CheckAnchor(character, action string, forbidden []string) []Finding {
	normAction := Normalize(action)
	if normAction == "" {
		return nil
	}
	var out []Finding
	for _, f := range forbidden {
		nf := Normalize(f)
		if nf == "" || !strings.Contains(normAction, nf) {
			continue
		}
		out = append(out, Finding{
			Kind:      KindAnchor,
			Severity:  config.SeverityCritical,
			Character: character,
			Rule:      f,
			Detail:    excerpt(action, 120),
		})
	}
	return out
}

// CheckDraftAnchors checks each sentence that names a character against
// that character's forbidden actions.
func (p *Policy) CheckDraftAnchors(draft string) []Finding {
	var out []Finding
	for _, sentence := range Sentences(draft) {
		ns := Normalize(sentence)
		for _, a := range p.characters {
			if !mentions(ns, a.normName) {
				continue
			}
			out = append(out, CheckAnchor(a.name, sentence, a.forbidden)...)
		}
	}
	return out
}

type SceneReport struct {
	SceneType         story.SceneType
	Passed            bool
	Sentences         int
	MaxSentenceWords  int
	MeanSentenceWords float64
	DialogueRatio     float64
	Findings          []Finding
}

func (p *Policy) CheckScene(sceneType story.SceneType, draft string) SceneReport {
	rep := SceneReport{SceneType: sceneType, Passed: true, DialogueRatio: DialogueRatio(draft)}

	sentences := Sentences(draft)
	rep.Sentences = len(sentences)
	total := 0
	counts := make([]int, len(sentences))
	for i, s := range sentences {
		counts[i] = WordCount(s)
		total += counts[i]
		rep.MaxSentenceWords = max(rep.MaxSentenceWords, counts[i])
	}
	if len(sentences) > 0 {
		rep.MeanSentenceWords = float64(total) / float64(len(sentences))
	}

	sc, ok := p.scenes[sceneType]
	if !ok {
		return rep
	}
	fail := func(rule, detail string) {
		rep.Passed = false
		rep.Findings = append(rep.Findings, Finding{Kind: KindScene, Severity: config.SeverityMajor, Rule: rule, Detail: detail})
	}

	if sc.MaxSentenceWords > 0 {
		for i, n := range counts {
			if n > sc.MaxSentenceWords {
				fail("max sentence length", fmt.Sprintf("sentence %d has %d words, limit %d: %s", i+1, n, sc.MaxSentenceWords, excerpt(sentences[i], 60)))
			}
		}
	}
	if sc.MinDialogueRatio > 0 && rep.DialogueRatio < sc.MinDialogueRatio {
		fail("min dialogue ratio", fmt.Sprintf("dialogue ratio %.2f below %.2f", rep.DialogueRatio, sc.MinDialogueRatio))
	}
	if sc.MaxDialogueRatio > 0 && rep.DialogueRatio > sc.MaxDialogueRatio {
		fail("max dialogue ratio", fmt.Sprintf("dialogue ratio %.2f above %.2f", rep.DialogueRatio, sc.MaxDialogueRatio))
	}
	normDraft := Normalize(draft)
	for _, pat := range sc.ForbiddenPatterns {
		if np := Normalize(pat); np != "" && strings.Contains(normDraft, np) {
			fail("forbidden pattern", pat)
		}
	}
	return rep
}

// CheckValues flags sentences where a character meets one of the violation
// conditions of their value beliefs.
func (p *Policy) CheckValues(draft string) []Finding {
	var out []Finding
	for _, sentence := range Sentences(draft) {
		ns := Normalize(sentence)
		for _, a := range p.characters {
			if !mentions(ns, a.normName) {
				continue
			}
			for value, conditions := range a.values {
				for _, cond := range conditions {
					if nc := Normalize(cond); nc != "" && strings.Contains(ns, nc) {
						out = append(out, Finding{
							Kind:      KindValue,
							Severity:  config.SeverityMajor,
							Character: a.name,
							Rule:      value + ": " + cond,
							Detail:    excerpt(sentence, 120),
						})
					}
				}
			}
		}
	}
	return out
}

// CheckWorld grades contradictions of the world facts.
func (p *Policy) CheckWorld(draft string) []Finding {
	normDraft := Normalize(draft)
	var out []Finding
	for _, f := range p.facts {
		for _, term := range f.ForbiddenTerms {
			if nt := Normalize(term); nt != "" && strings.Contains(normDraft, nt) {
				out = append(out, Finding{
					Kind:     KindWorld,
					Severity: f.Severity,
					Rule:     f.Key,
					Detail:   fmt.Sprintf("mentions %q", term),
				})
				break
			}
		}
	}
	return out
}

type Report struct {
	Scene    SceneReport
	Findings []Finding
	// Blocking is set when the draft must be revised: any critical finding,
	// an anchor violation, or a failed scene check.
	Blocking bool
}

func (p *Policy) Evaluate(draft string, sceneType story.SceneType) Report {
	scene := p.CheckScene(sceneType, draft)
	rep := Report{Scene: scene}
	rep.Findings = append(rep.Findings, p.CheckDraftAnchors(draft)...)
	rep.Findings = append(rep.Findings, scene.Findings...)
	rep.Findings = append(rep.Findings, p.CheckValues(draft)...)
	rep.Findings = append(rep.Findings, p.CheckWorld(draft)...)

	rep.Blocking = !scene.Passed
	for _, f := range rep.Findings {
		if f.Severity == config.SeverityCritical || f.Kind == KindAnchor {
			rep.Blocking = true
		}
	}
	return rep
}

// Feedback renders the findings as revision guidance.
func (r Report) Feedback() string {
	if len(r.Findings) == 0 {
		return ""
	}
	lines := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		lines = append(lines, "- "+f.String())
	}
	return "Rule findings:\n" + strings.Join(lines, "\n")
}

func excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
