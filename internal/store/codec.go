package store

import (
	"encoding/json"
	"fmt"

	"sagaforge/internal/story"
)

type characterDoc struct {
	Traits           map[string]float64         `json:"traits,omitempty"`
	Mood             string                     `json:"mood,omitempty"`
	Skills           map[string]skillDoc        `json:"skills,omitempty"`
	Relationships    map[string]relationshipDoc `json:"relationships,omitempty"`
	Values           map[string]valueDoc        `json:"values,omitempty"`
	ForbiddenActions []string                   `json:"forbidden_actions,omitempty"`
	Milestones       []milestoneDoc             `json:"milestones,omitempty"`
}

type skillDoc struct {
	Level       int     `json:"level"`
	Proficiency float64 `json:"proficiency"`
	Stage       string  `json:"stage"`
	Curve       string  `json:"curve,omitempty"`
}

type relationshipDoc struct {
	Intimacy float64 `json:"intimacy"`
	Stance   string  `json:"stance,omitempty"`
}

type valueDoc struct {
	Strength            float64  `json:"strength"`
	ViolationConditions []string `json:"violation_conditions,omitempty"`
}

type milestoneDoc struct {
	Chapter     int    `json:"chapter"`
	Description string `json:"description"`
}

// EncodeCharacter serialises the mutable part of a snapshot. Identity
// columns (story, branch, name, as-of) are stored separately.
func EncodeCharacter(c story.CharacterState) ([]byte, error) {
	doc := characterDoc{
		Traits:           c.Traits,
		Mood:             c.Mood,
		ForbiddenActions: c.ForbiddenActions,
	}
	if len(c.Skills) > 0 {
		doc.Skills = make(map[string]skillDoc, len(c.Skills))
		for k, s := range c.Skills {
			doc.Skills[k] = skillDoc(s)
		}
	}
	if len(c.Relationships) > 0 {
		doc.Relationships = make(map[string]relationshipDoc, len(c.Relationships))
		for k, r := range c.Relationships {
			doc.Relationships[k] = relationshipDoc(r)
		}
	}
	if len(c.Values) > 0 {
		doc.Values = make(map[string]valueDoc, len(c.Values))
		for k, v := range c.Values {
			doc.Values[k] = valueDoc(v)
		}
	}
	for _, m := range c.Milestones {
		doc.Milestones = append(doc.Milestones, milestoneDoc(m))
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding character %s: %w", c.Name, err)
	}
	return data, nil
}

func DecodeCharacter(data []byte, c *story.CharacterState) error {
	var doc characterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding character %s: %w", c.Name, err)
	}
	c.Traits = doc.Traits
	c.Mood = doc.Mood
	c.ForbiddenActions = doc.ForbiddenActions
	c.Skills = make(map[string]story.Skill, len(doc.Skills))
	for k, s := range doc.Skills {
		c.Skills[k] = story.Skill(s)
	}
	c.Relationships = make(map[string]story.Relationship, len(doc.Relationships))
	for k, r := range doc.Relationships {
		c.Relationships[k] = story.Relationship(r)
	}
	c.Values = make(map[string]story.ValueBelief, len(doc.Values))
	for k, v := range doc.Values {
		c.Values[k] = story.ValueBelief(v)
	}
	c.Milestones = nil
	for _, m := range doc.Milestones {
		c.Milestones = append(c.Milestones, story.Milestone(m))
	}
	if c.Traits == nil {
		c.Traits = map[string]float64{}
	}
	return nil
}

func EncodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(data), nil
}

func DecodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
