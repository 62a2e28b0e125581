package ingest

import (
	"fmt"
	"strings"

	"sagaforge/internal/story"
)

// Seed is one YAML seed file. Every file names the story it belongs to;
// the story itself is created from the first file that gives it a title.
type Seed struct {
	Story      StorySeed       `yaml:"story"`
	Bible      []BibleSeed     `yaml:"bible"`
	References []ReferenceSeed `yaml:"references"`
	Characters []CharacterSeed `yaml:"characters"`
	Outline    []PlotSeed      `yaml:"outline"`
}

type StorySeed struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Genre    string `yaml:"genre"`
	Synopsis string `yaml:"synopsis"`
}

type BibleSeed struct {
	Branch     string `yaml:"branch"`
	Category   string `yaml:"category"`
	Key        string `yaml:"key"`
	Content    string `yaml:"content"`
	Importance int    `yaml:"importance"`
}

type ReferenceSeed struct {
	Kind    string `yaml:"kind"`
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
	// Global places the reference in the pool shared by every story.
	Global bool `yaml:"global"`
}

type SkillSeed struct {
	Level       int     `yaml:"level"`
	Proficiency float64 `yaml:"proficiency"`
	Curve       string  `yaml:"curve"`
}

type RelationshipSeed struct {
	Intimacy float64 `yaml:"intimacy"`
	Stance   string  `yaml:"stance"`
}

type ValueSeed struct {
	Strength            float64  `yaml:"strength"`
	ViolationConditions []string `yaml:"violation_conditions"`
}

type CharacterSeed struct {
	Name             string                      `yaml:"name"`
	Mood             string                      `yaml:"mood"`
	Traits           map[string]float64          `yaml:"traits"`
	Skills           map[string]SkillSeed        `yaml:"skills"`
	Relationships    map[string]RelationshipSeed `yaml:"relationships"`
	Values           map[string]ValueSeed        `yaml:"values"`
	ForbiddenActions []string                    `yaml:"forbidden_actions"`
}

type PlotSeed struct {
	Chapter       int      `yaml:"chapter"`
	Sequence      int      `yaml:"sequence"`
	Title         string   `yaml:"title"`
	Scene         string   `yaml:"scene"`
	Conflict      string   `yaml:"conflict"`
	SceneType     string   `yaml:"scene_type"`
	Foreshadowing []string `yaml:"foreshadowing"`
}

func (b BibleSeed) entry(storyID string) (story.BibleEntry, error) {
	if strings.TrimSpace(b.Category) == "" || strings.TrimSpace(b.Key) == "" {
		return story.BibleEntry{}, fmt.Errorf("bible entry needs category and key")
	}
	return story.BibleEntry{
		StoryID:    storyID,
		BranchID:   b.Branch,
		Category:   b.Category,
		Key:        b.Key,
		Content:    b.Content,
		Importance: b.Importance,
	}, nil
}

func (r ReferenceSeed) reference(storyID string) (story.Reference, error) {
	switch r.Kind {
	case story.RefStyle, story.RefTrope, story.RefArchetype, story.RefWorld:
	default:
		return story.Reference{}, fmt.Errorf("reference %q has unknown kind %q", r.Title, r.Kind)
	}
	if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Content) == "" {
		return story.Reference{}, fmt.Errorf("reference needs title and content")
	}
	ref := story.Reference{StoryID: storyID, Kind: r.Kind, Title: r.Title, Content: r.Content}
	if r.Global {
		ref.StoryID = ""
	}
	return ref, nil
}

func (c CharacterSeed) state(storyID string) (story.CharacterState, error) {
	if strings.TrimSpace(c.Name) == "" {
		return story.CharacterState{}, fmt.Errorf("character name is required")
	}
	cs := story.CharacterState{
		StoryID:          storyID,
		BranchID:         story.MainBranch,
		Name:             c.Name,
		Mood:             c.Mood,
		Traits:           c.Traits,
		ForbiddenActions: c.ForbiddenActions,
	}
	for trait, v := range c.Traits {
		if v < 0 || v > 1 {
			return story.CharacterState{}, fmt.Errorf("character %s trait %s must be within [0,1]", c.Name, trait)
		}
	}
	if len(c.Skills) > 0 {
		cs.Skills = make(map[string]story.Skill, len(c.Skills))
		for name, s := range c.Skills {
			level := max(1, min(s.Level, story.MaxSkillLevel))
			curve := s.Curve
			if curve == "" {
				curve = "linear"
			}
			cs.Skills[name] = story.Skill{Level: level, Proficiency: s.Proficiency, Stage: story.MasteryStage(level), Curve: curve}
		}
	}
	if len(c.Relationships) > 0 {
		cs.Relationships = make(map[string]story.Relationship, len(c.Relationships))
		for other, r := range c.Relationships {
			cs.Relationships[other] = story.Relationship{Intimacy: r.Intimacy, Stance: r.Stance}
		}
	}
	if len(c.Values) > 0 {
		cs.Values = make(map[string]story.ValueBelief, len(c.Values))
		for name, v := range c.Values {
			cs.Values[name] = story.ValueBelief{Strength: v.Strength, ViolationConditions: v.ViolationConditions}
		}
	}
	return cs, nil
}

func (p PlotSeed) point(storyID string) (story.PlotPoint, error) {
	if p.Chapter < 1 {
		return story.PlotPoint{}, fmt.Errorf("outline entry %q needs a chapter number", p.Title)
	}
	if strings.TrimSpace(p.Scene) == "" {
		return story.PlotPoint{}, fmt.Errorf("outline chapter %d has no scene", p.Chapter)
	}
	seq := p.Sequence
	if seq == 0 {
		seq = p.Chapter
	}
	return story.PlotPoint{
		StoryID:       storyID,
		BranchID:      story.MainBranch,
		Chapter:       p.Chapter,
		Sequence:      seq,
		Title:         p.Title,
		Scene:         p.Scene,
		Conflict:      p.Conflict,
		SceneType:     story.ParseSceneType(p.SceneType),
		Foreshadowing: p.Foreshadowing,
		Status:        story.PlotPending,
	}, nil
}
