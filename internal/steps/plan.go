package steps

import (
	"cmp"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
	"sagaforge/internal/story"
)

type PlanInput struct {
	Chapter     int
	Synopsis    string
	PlotPoint   story.PlotPoint
	Memory      story.MemoryContext
	Instruction string
	// Intensities of the preceding chapters, oldest first.
	Intensities []int
}

type Intent struct {
	Scene       string
	Conflict    string
	SceneType   story.SceneType
	Intensity   int
	Instruction string
	Characters  []string
	PacingNotes []string
}

const planSystem = `You plan the next chapter of a serialized story. Turn the outline entry into a concrete chapter intent.`

func (s *Steps) Plan(ctx context.Context, in PlanInput) (Intent, error) {
	var b strings.Builder
	if in.Synopsis != "" {
		fmt.Fprintf(&b, "Story synopsis:\n%s\n\n", in.Synopsis)
	}
	p := in.PlotPoint
	fmt.Fprintf(&b, "Outline entry for chapter %d:\nTitle: %s\nScene: %s\nConflict: %s\nScene type: %s\n",
		in.Chapter, p.Title, p.Scene, p.Conflict, cmp.Or(p.SceneType, story.SceneNormal))
	if len(in.Memory.Recent) > 0 {
		b.WriteString("\nRecent chapters:\n")
		for _, r := range in.Memory.Recent {
			fmt.Fprintf(&b, "- Ch%d (intensity %d): %s\n", r.Number, r.Intensity, r.Summary)
		}
	}
	if len(in.Memory.OpenThreads) > 0 {
		b.WriteString("\nOpen threads:\n")
		for _, t := range in.Memory.OpenThreads {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
		}
	}
	if in.Instruction != "" {
		fmt.Fprintf(&b, "\nAuthor instruction: %s\n", in.Instruction)
	}
	b.WriteString(`
Reply with a JSON object:
{"scene": string, "conflict": string, "scene_type": "action|dialogue|emotional|descriptive|normal",
 "intensity": 1-10, "instruction": string, "characters": [string], "pacing_note": string}`)

	intent, err := invoke(ctx, s, llm.Request{Role: config.RolePlan, System: planSystem, Prompt: b.String()}, func(text string) (Intent, error) {
		return parseIntent(text, p)
	})
	if err != nil {
		return Intent{}, err
	}
	if in.Instruction != "" && intent.Instruction == "" {
		intent.Instruction = in.Instruction
	}
	return ApplyPacing(intent, in.Intensities, s.cfg.Pacing), nil
}

func parseIntent(text string, p story.PlotPoint) (Intent, error) {
	res, err := object(text, "intensity")
	if err != nil {
		return Intent{}, err
	}
	intensity := res.Get("intensity")
	if intensity.Type != gjson.Number {
		if _, err := strconv.Atoi(strings.TrimSpace(intensity.String())); err != nil {
			return Intent{}, fmt.Errorf("intensity %q is not a number", intensity.String())
		}
	}

	intent := Intent{
		Scene:       strings.TrimSpace(res.Get("scene").String()),
		Conflict:    strings.TrimSpace(res.Get("conflict").String()),
		SceneType:   story.ParseSceneType(res.Get("scene_type").String()),
		Intensity:   clampInt(int(intensity.Int()), 1, 10),
		Instruction: strings.TrimSpace(res.Get("instruction").String()),
		Characters:  stringList(res.Get("characters")),
		PacingNotes: stringList(res.Get("pacing_note")),
	}

	// The outline is authoritative where it is specific.
	if p.Scene != "" {
		intent.Scene = p.Scene
	}
	if p.Conflict != "" {
		intent.Conflict = p.Conflict
	}
	if p.SceneType != "" && p.SceneType != story.SceneNormal {
		intent.SceneType = p.SceneType
	}
	if intent.Scene == "" {
		return Intent{}, fmt.Errorf("intent has no scene")
	}
	return intent, nil
}

// ApplyPacing keeps intensity from running flat. After a run of
// high-intensity chapters the next one is capped at 5; after a run of quiet
// ones it is raised to at least 6.
func ApplyPacing(intent Intent, recent []int, cfg config.PacingConfig) Intent {
	high, low := trailingRun(recent, func(v int) bool { return v >= cfg.HighIntensity }),
		trailingRun(recent, func(v int) bool { return v <= cfg.LowIntensity })

	switch {
	case cfg.ConsecutiveHighLimit > 0 && high >= cfg.ConsecutiveHighLimit && intent.Intensity > 5:
		intent.Intensity = 5
		intent.PacingNotes = append(intent.PacingNotes,
			fmt.Sprintf("%d high-intensity chapters in a row: ease off, give the characters room to breathe", high))
	case cfg.ConsecutiveLowLimit > 0 && low >= cfg.ConsecutiveLowLimit && intent.Intensity < 6:
		intent.Intensity = 6
		intent.PacingNotes = append(intent.PacingNotes,
			fmt.Sprintf("%d quiet chapters in a row: raise the stakes", low))
	}
	return intent
}

func trailingRun(values []int, match func(int) bool) int {
	n := 0
	for i := len(values) - 1; i >= 0 && match(values[i]); i-- {
		n++
	}
	return n
}
