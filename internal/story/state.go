package story

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

const (
	MaxTraitShift = 0.3
	MaxValueShift = 0.25
	MaxSkillLevel = 10
)

// Clone returns a deep copy. Forked branches and evolved snapshots must never
// alias the maps or slices of the state they were derived from.
func (c CharacterState) Clone() CharacterState {
	out := c
	out.Traits = maps.Clone(c.Traits)
	out.Skills = maps.Clone(c.Skills)
	out.Relationships = maps.Clone(c.Relationships)
	if c.Values != nil {
		out.Values = make(map[string]ValueBelief, len(c.Values))
		for k, v := range c.Values {
			v.ViolationConditions = slices.Clone(v.ViolationConditions)
			out.Values[k] = v
		}
	}
	out.ForbiddenActions = slices.Clone(c.ForbiddenActions)
	out.Milestones = slices.Clone(c.Milestones)
	return out
}

func MasteryStage(level int) string {
	switch {
	case level <= 1:
		return "novice"
	case level <= 3:
		return "competent"
	case level <= 5:
		return "proficient"
	case level <= 8:
		return "master"
	default:
		return "transcendent"
	}
}

type SkillChangeKind string

const (
	SkillNew         SkillChangeKind = "new"
	SkillLevelUp     SkillChangeKind = "level_up"
	SkillProficiency SkillChangeKind = "proficiency"
)

type SkillChange struct {
	Skill  string
	Kind   SkillChangeKind
	Amount float64
	Curve  string
}

type RelationshipDelta struct {
	Intimacy float64
	Stance   string
}

// CharacterDelta is the change one chapter makes to one character.
type CharacterDelta struct {
	Name          string
	Mood          string
	Traits        map[string]float64
	Values        map[string]float64
	Skills        []SkillChange
	Relationships map[string]RelationshipDelta
	Milestones    []string
}

// ApplyDeltas returns evolved copies of states stamped with the given
// chapter. The input slice is never modified. Deltas naming characters that
// have no state are returned in unknown.
func ApplyDeltas(states []CharacterState, deltas []CharacterDelta, chapter int) (evolved []CharacterState, unknown []string) {
	evolved = make([]CharacterState, len(states))
	index := make(map[string]int, len(states))
	for i, s := range states {
		evolved[i] = s.Clone()
		evolved[i].AsOf = chapter
		index[strings.ToLower(s.Name)] = i
	}

	for _, d := range deltas {
		i, ok := index[strings.ToLower(strings.TrimSpace(d.Name))]
		if !ok {
			unknown = append(unknown, d.Name)
			continue
		}
		applyDelta(&evolved[i], d, chapter)
	}
	return evolved, unknown
}

func applyDelta(s *CharacterState, d CharacterDelta, chapter int) {
	if mood := strings.TrimSpace(d.Mood); mood != "" {
		s.Mood = mood
	}

	if len(d.Traits) > 0 && s.Traits == nil {
		s.Traits = make(map[string]float64)
	}
	for trait, shift := range d.Traits {
		s.Traits[trait] = clamp(s.Traits[trait]+clamp(shift, -MaxTraitShift, MaxTraitShift), 0, 1)
	}

	if len(d.Values) > 0 && s.Values == nil {
		s.Values = make(map[string]ValueBelief)
	}
	for name, shift := range d.Values {
		shift = clamp(shift, -MaxValueShift, MaxValueShift)
		belief, ok := s.Values[name]
		if !ok {
			s.Values[name] = ValueBelief{Strength: clamp(shift, 0, 1)}
			continue
		}
		belief.Strength = clamp(belief.Strength+shift, 0, 1)
		s.Values[name] = belief
	}

	if len(d.Skills) > 0 && s.Skills == nil {
		s.Skills = make(map[string]Skill)
	}
	for _, change := range d.Skills {
		applySkillChange(s.Skills, change)
	}

	if len(d.Relationships) > 0 && s.Relationships == nil {
		s.Relationships = make(map[string]Relationship)
	}
	for other, rd := range d.Relationships {
		rel := s.Relationships[other]
		rel.Intimacy = clamp(rel.Intimacy+rd.Intimacy, -1, 1)
		if stance := strings.TrimSpace(rd.Stance); stance != "" {
			rel.Stance = stance
		}
		s.Relationships[other] = rel
	}

	for _, m := range d.Milestones {
		if m = strings.TrimSpace(m); m != "" {
			s.Milestones = append(s.Milestones, Milestone{Chapter: chapter, Description: m})
		}
	}
}

func applySkillChange(skills map[string]Skill, change SkillChange) {
	name := strings.TrimSpace(change.Skill)
	if name == "" {
		return
	}
	current, exists := skills[name]

	switch change.Kind {
	case SkillNew:
		if exists {
			return
		}
		curve := change.Curve
		if curve == "" {
			curve = "linear"
		}
		skills[name] = Skill{Level: 1, Proficiency: 0.1, Stage: MasteryStage(1), Curve: curve}
	case SkillLevelUp:
		if !exists {
			current = Skill{Level: 0, Curve: "linear"}
		}
		if current.Level >= MaxSkillLevel {
			return
		}
		current.Level++
		current.Proficiency = 0
		current.Stage = MasteryStage(current.Level)
		skills[name] = current
	case SkillProficiency:
		if !exists {
			return
		}
		current.Proficiency = clamp(current.Proficiency+change.Amount, 0, 1)
		skills[name] = current
	}
}

type ThreadAction string

const (
	ThreadPlant   ThreadAction = "plant"
	ThreadResolve ThreadAction = "resolve"
	ThreadAbandon ThreadAction = "abandon"
)

type ThreadUpdate struct {
	ID          string
	Action      ThreadAction
	Description string
	DueChapter  int
}

// ApplyThreadUpdates returns the threads that changed in this chapter,
// including newly planted ones. newID is called for planted threads that
// arrive without an id or with the id of a thread already open on the branch.
func ApplyThreadUpdates(open []Thread, updates []ThreadUpdate, storyID, branchID string, chapter int, newID func() string) ([]Thread, error) {
	byID := make(map[string]Thread, len(open))
	for _, t := range open {
		byID[t.ID] = t
	}

	var changed []Thread
	for _, u := range updates {
		switch u.Action {
		case ThreadPlant:
			desc := strings.TrimSpace(u.Description)
			if desc == "" {
				return nil, fmt.Errorf("planting thread: description is required")
			}
			id := strings.TrimSpace(u.ID)
			if _, taken := byID[id]; id == "" || taken {
				id = newID()
			}
			t := Thread{
				StoryID:        storyID,
				BranchID:       branchID,
				ID:             id,
				Description:    desc,
				PlantedChapter: chapter,
				DueChapter:     u.DueChapter,
				Status:         ThreadOpen,
			}
			byID[id] = t
			changed = append(changed, t)
		case ThreadResolve, ThreadAbandon:
			t, ok := byID[u.ID]
			if !ok || t.Status != ThreadOpen {
				continue
			}
			t.BranchID = branchID
			t.ResolvedChapter = chapter
			t.Status = ThreadResolved
			if u.Action == ThreadAbandon {
				t.Status = ThreadAbandoned
			}
			byID[u.ID] = t
			changed = append(changed, t)
		default:
			return nil, fmt.Errorf("unknown thread action %q", u.Action)
		}
	}
	return changed, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
