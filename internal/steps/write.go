package steps

import (
	"context"
	"fmt"
	"strings"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
)

type WriteInput struct {
	Chapter int
	Intent  Intent
	// Context is the rendered context package.
	Context string
	// Feedback is only needed when the context does not already carry it.
	Feedback string
	Previous string
	Attempt  int
}

type Draft struct {
	Title       string
	Text        string
	Perspective string
	StyleNotes  string
	Attempt     int
}

const writeSystem = `You are a novelist writing one chapter of a serialized story. Follow the plot point, honour every constraint, and keep characters consistent with their recorded state.`

func (s *Steps) Write(ctx context.Context, in WriteInput) (Draft, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write chapter %d.\n\n", in.Chapter)
	fmt.Fprintf(&b, "Intent: %s\nConflict: %s\nScene type: %s\nIntensity: %d/10\n",
		in.Intent.Scene, in.Intent.Conflict, in.Intent.SceneType, in.Intent.Intensity)
	if in.Intent.Instruction != "" {
		fmt.Fprintf(&b, "Direction: %s\n", in.Intent.Instruction)
	}
	for _, note := range in.Intent.PacingNotes {
		fmt.Fprintf(&b, "Pacing: %s\n", note)
	}
	if in.Context != "" {
		fmt.Fprintf(&b, "\n%s\n", in.Context)
	}
	if in.Previous != "" {
		b.WriteString("\nYour previous draft was rejected. Rewrite it")
		if in.Feedback != "" {
			fmt.Fprintf(&b, " addressing this feedback:\n%s\n", in.Feedback)
		} else {
			b.WriteString(" addressing the review feedback above.\n")
		}
		fmt.Fprintf(&b, "\nPrevious draft:\n%s\n", in.Previous)
	}
	b.WriteString(`
Reply with a JSON object {"title": string, "perspective": string, "style_notes": string, "content": string}
or with the chapter text alone.`)

	draft, err := invoke(ctx, s, llm.Request{Role: config.RoleWrite, System: writeSystem, Prompt: b.String()}, parseDraft)
	if err != nil {
		return Draft{}, err
	}
	draft.Attempt = in.Attempt
	return draft, nil
}

// parseDraft accepts either the structured form or plain prose.
func parseDraft(text string) (Draft, error) {
	if res, err := object(text, "content"); err == nil {
		d := Draft{
			Title:       strings.TrimSpace(res.Get("title").String()),
			Text:        strings.TrimSpace(res.Get("content").String()),
			Perspective: strings.TrimSpace(res.Get("perspective").String()),
			StyleNotes:  strings.TrimSpace(res.Get("style_notes").String()),
		}
		if d.Text == "" {
			return Draft{}, fmt.Errorf("draft content is empty")
		}
		return d, nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Draft{}, fmt.Errorf("draft is empty")
	}
	if strings.HasPrefix(text, "{") {
		return Draft{}, fmt.Errorf("draft looks like broken JSON")
	}
	return Draft{Text: text}, nil
}
