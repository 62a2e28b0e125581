package steps

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
	"sagaforge/internal/rules"
	"sagaforge/internal/story"
)

type ReviewInput struct {
	Chapter   int
	Draft     Draft
	PlotPoint story.PlotPoint
	Intent    Intent
	Anchors   map[string][]string
	Report    rules.Report
}

type Verdict struct {
	// Accepted is the final decision: the reviewer accepted, the score
	// cleared the threshold, and no rule finding blocks the draft.
	Accepted      bool
	ModelAccepted bool
	Score         float64
	Feedback      string
	Issues        []string
}

const reviewSystem = `You are a strict story editor. Judge whether the chapter fulfils its plot point and stays consistent with the characters and world.`

func (s *Steps) Review(ctx context.Context, in ReviewInput) (Verdict, error) {
	var b strings.Builder
	p := in.PlotPoint
	fmt.Fprintf(&b, "Chapter %d plot point:\nScene: %s\nConflict: %s\n", in.Chapter, in.Intent.Scene, in.Intent.Conflict)
	if len(p.Foreshadowing) > 0 {
		fmt.Fprintf(&b, "Foreshadowing to plant: %s\n", strings.Join(p.Foreshadowing, "; "))
	}
	if len(in.Anchors) > 0 {
		b.WriteString("\nCharacter anchors (forbidden behaviour):\n")
		for _, name := range slices.Sorted(maps.Keys(in.Anchors)) {
			fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(in.Anchors[name], "; "))
		}
	}
	if fb := in.Report.Feedback(); fb != "" {
		fmt.Fprintf(&b, "\nAutomated checks:\n%s\n", fb)
	}
	fmt.Fprintf(&b, "\nDraft:\n%s\n", in.Draft.Text)
	b.WriteString(`
Reply with a JSON object:
{"accepted": bool, "score": 0.0-1.0, "feedback": string, "issues": [string]}`)

	v, err := invoke(ctx, s, llm.Request{Role: config.RoleReview, System: reviewSystem, Prompt: b.String()}, parseVerdict)
	if err != nil {
		return Verdict{}, err
	}
	return s.decide(v, in.Report), nil
}

func parseVerdict(text string) (Verdict, error) {
	res, err := object(text, "accepted", "score")
	if err != nil {
		return Verdict{}, err
	}
	score := res.Get("score").Float()
	// Some models answer on a 10 or 100 point scale.
	switch {
	case score > 10:
		score /= 100
	case score > 1:
		score /= 10
	}
	return Verdict{
		ModelAccepted: res.Get("accepted").Bool(),
		Score:         clampFloat(score, 0, 1),
		Feedback:      strings.TrimSpace(res.Get("feedback").String()),
		Issues:        stringList(res.Get("issues")),
	}, nil
}

// decide folds the rule report into the reviewer's opinion.
func (s *Steps) decide(v Verdict, report rules.Report) Verdict {
	v.Accepted = v.ModelAccepted && v.Score >= s.cfg.MinReviewScore && !report.Blocking
	if fb := report.Feedback(); fb != "" {
		v.Feedback = strings.TrimSpace(v.Feedback + "\n\n" + fb)
	}
	for _, f := range report.Findings {
		v.Issues = append(v.Issues, f.String())
	}
	return v
}
