package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
	"sagaforge/internal/story"
)

type EvolveInput struct {
	Chapter int
	Draft   Draft
	States  []story.CharacterState
	Threads []story.Thread
}

type Evolution struct {
	Summary   string
	KeyEvents []string
	Intensity int
	Deltas    []story.CharacterDelta
	Threads   []story.ThreadUpdate
}

const evolveSystem = `You track continuity for a serialized story. Read the finished chapter and report how it changed the characters and the open plot threads.`

func (s *Steps) Evolve(ctx context.Context, in EvolveInput) (Evolution, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d:\n%s\n\n", in.Chapter, in.Draft.Text)
	if len(in.States) > 0 {
		b.WriteString("Characters before this chapter:\n")
		for _, c := range in.States {
			fmt.Fprintf(&b, "- %s (mood: %s)\n", c.Name, c.Mood)
		}
	}
	if len(in.Threads) > 0 {
		b.WriteString("Open threads:\n")
		for _, t := range in.Threads {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
		}
	}
	b.WriteString(`
Reply with a JSON object:
{"summary": string, "key_events": [string], "intensity": 1-10,
 "characters": [{"name": string, "mood": string, "traits": {name: delta}, "values": {name: delta},
   "skills": [{"skill": string, "kind": "new|level_up|proficiency", "amount": number}],
   "relationships": {name: {"intimacy": delta, "stance": string}}, "milestones": [string]}],
 "threads": [{"id": string, "action": "plant|resolve|abandon", "description": string, "due_chapter": int}]}`)

	return invoke(ctx, s, llm.Request{Role: config.RoleEvolve, System: evolveSystem, Prompt: b.String()}, parseEvolution)
}

func parseEvolution(text string) (Evolution, error) {
	res, err := object(text, "summary")
	if err != nil {
		return Evolution{}, err
	}
	ev := Evolution{
		Summary:   strings.TrimSpace(res.Get("summary").String()),
		KeyEvents: stringList(res.Get("key_events")),
		Intensity: clampInt(int(res.Get("intensity").Int()), 0, 10),
	}
	if ev.Summary == "" {
		return Evolution{}, fmt.Errorf("summary is empty")
	}

	for _, c := range res.Get("characters").Array() {
		name := strings.TrimSpace(c.Get("name").String())
		if name == "" {
			continue
		}
		d := story.CharacterDelta{
			Name:       name,
			Mood:       c.Get("mood").String(),
			Traits:     floatMap(c.Get("traits")),
			Values:     floatMap(c.Get("values")),
			Milestones: stringList(c.Get("milestones")),
		}
		for _, sk := range c.Get("skills").Array() {
			d.Skills = append(d.Skills, story.SkillChange{
				Skill:  sk.Get("skill").String(),
				Kind:   story.SkillChangeKind(strings.ToLower(sk.Get("kind").String())),
				Amount: sk.Get("amount").Float(),
				Curve:  sk.Get("curve").String(),
			})
		}
		if rels := c.Get("relationships"); rels.IsObject() {
			d.Relationships = make(map[string]story.RelationshipDelta)
			rels.ForEach(func(k, v gjson.Result) bool {
				d.Relationships[k.String()] = story.RelationshipDelta{
					Intimacy: v.Get("intimacy").Float(),
					Stance:   v.Get("stance").String(),
				}
				return true
			})
		}
		ev.Deltas = append(ev.Deltas, d)
	}

	for _, t := range res.Get("threads").Array() {
		action := story.ThreadAction(strings.ToLower(strings.TrimSpace(t.Get("action").String())))
		switch action {
		case story.ThreadPlant, story.ThreadResolve, story.ThreadAbandon:
		default:
			return Evolution{}, fmt.Errorf("thread update has unknown action %q", action)
		}
		u := story.ThreadUpdate{
			ID:          strings.TrimSpace(t.Get("id").String()),
			Action:      action,
			Description: strings.TrimSpace(t.Get("description").String()),
			DueChapter:  int(t.Get("due_chapter").Int()),
		}
		if action == story.ThreadPlant && u.Description == "" {
			return Evolution{}, fmt.Errorf("planted thread has no description")
		}
		if action != story.ThreadPlant && u.ID == "" {
			return Evolution{}, fmt.Errorf("%s thread update has no id", action)
		}
		ev.Threads = append(ev.Threads, u)
	}
	return ev, nil
}
