package story

import (
	"fmt"
	"math"
	"testing"
)

func testCharacter() CharacterState {
	return CharacterState{
		StoryID:  "s1",
		BranchID: MainBranch,
		Name:     "Lin",
		AsOf:     3,
		Traits:   map[string]float64{"courage": 0.5, "patience": 0.9},
		Mood:     "calm",
		Skills: map[string]Skill{
			"sword": {Level: 3, Proficiency: 0.4, Stage: "competent", Curve: "linear"},
		},
		Relationships: map[string]Relationship{"Mei": {Intimacy: 0.2, Stance: "ally"}},
		Values: map[string]ValueBelief{
			"loyalty": {Strength: 0.8, ViolationConditions: []string{"betrays a friend"}},
		},
		ForbiddenActions: []string{"kills an unarmed prisoner"},
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	original := testCharacter()
	clone := original.Clone()

	clone.Traits["courage"] = 0.1
	clone.Skills["sword"] = Skill{Level: 9}
	clone.Relationships["Mei"] = Relationship{Intimacy: -1}
	v := clone.Values["loyalty"]
	v.ViolationConditions[0] = "changed"
	clone.Values["loyalty"] = v
	clone.ForbiddenActions[0] = "changed"
	clone.Milestones = append(clone.Milestones, Milestone{Chapter: 4, Description: "x"})

	if original.Traits["courage"] != 0.5 {
		t.Fatalf("traits aliased: %v", original.Traits)
	}
	if original.Skills["sword"].Level != 3 {
		t.Fatalf("skills aliased")
	}
	if original.Relationships["Mei"].Intimacy != 0.2 {
		t.Fatalf("relationships aliased")
	}
	if original.Values["loyalty"].ViolationConditions[0] != "betrays a friend" {
		t.Fatalf("value conditions aliased")
	}
	if original.ForbiddenActions[0] != "kills an unarmed prisoner" {
		t.Fatalf("forbidden actions aliased")
	}
	if len(original.Milestones) != 0 {
		t.Fatalf("milestones aliased")
	}
}

func TestApplyDeltas(t *testing.T) {
	states := []CharacterState{testCharacter()}
	deltas := []CharacterDelta{
		{
			Name:   "lin",
			Mood:   "furious",
			Traits: map[string]float64{"courage": 0.9, "patience": 0.2},
			Values: map[string]float64{"loyalty": -0.6, "ambition": 0.1},
			Skills: []SkillChange{
				{Skill: "sword", Kind: SkillLevelUp},
				{Skill: "archery", Kind: SkillNew},
			},
			Relationships: map[string]RelationshipDelta{"Mei": {Intimacy: 2, Stance: "rival"}},
			Milestones:    []string{"first duel"},
		},
		{Name: "Ghost", Mood: "sad"},
	}

	evolved, unknown := ApplyDeltas(states, deltas, 4)

	if len(unknown) != 1 || unknown[0] != "Ghost" {
		t.Fatalf("unexpected unknown characters: %v", unknown)
	}
	got := evolved[0]
	if got.AsOf != 4 {
		t.Fatalf("expected as-of 4, got %d", got.AsOf)
	}
	if got.Mood != "furious" {
		t.Fatalf("expected mood update, got %q", got.Mood)
	}
	if !approx(got.Traits["courage"], 0.8) {
		t.Fatalf("expected courage shift capped at 0.3, got %v", got.Traits["courage"])
	}
	if !approx(got.Traits["patience"], 1) {
		t.Fatalf("expected patience clamped to 1, got %v", got.Traits["patience"])
	}
	if !approx(got.Values["loyalty"].Strength, 0.55) {
		t.Fatalf("expected loyalty shift capped at 0.25, got %v", got.Values["loyalty"].Strength)
	}
	if !approx(got.Values["ambition"].Strength, 0.1) {
		t.Fatalf("expected new value inserted, got %v", got.Values["ambition"])
	}
	if s := got.Skills["sword"]; s.Level != 4 || s.Proficiency != 0 || s.Stage != "proficient" {
		t.Fatalf("unexpected sword skill: %+v", s)
	}
	if s := got.Skills["archery"]; s.Level != 1 || s.Stage != "novice" {
		t.Fatalf("unexpected archery skill: %+v", s)
	}
	if r := got.Relationships["Mei"]; r.Intimacy != 1 || r.Stance != "rival" {
		t.Fatalf("unexpected relationship: %+v", r)
	}
	if len(got.Milestones) != 1 || got.Milestones[0].Chapter != 4 {
		t.Fatalf("unexpected milestones: %+v", got.Milestones)
	}

	if states[0].Mood != "calm" || states[0].Traits["courage"] != 0.5 || states[0].AsOf != 3 {
		t.Fatalf("input state was mutated: %+v", states[0])
	}
}

func TestSkillLevelCapped(t *testing.T) {
	c := testCharacter()
	c.Skills["sword"] = Skill{Level: MaxSkillLevel, Stage: "transcendent"}
	evolved, _ := ApplyDeltas([]CharacterState{c}, []CharacterDelta{{Name: "Lin", Skills: []SkillChange{{Skill: "sword", Kind: SkillLevelUp}}}}, 5)
	if evolved[0].Skills["sword"].Level != MaxSkillLevel {
		t.Fatalf("expected level to stay at %d, got %d", MaxSkillLevel, evolved[0].Skills["sword"].Level)
	}
}

func TestMasteryStage(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{1, "novice"},
		{2, "competent"},
		{3, "competent"},
		{5, "proficient"},
		{8, "master"},
		{10, "transcendent"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.level), func(t *testing.T) {
			if got := MasteryStage(tt.level); got != tt.want {
				t.Fatalf("MasteryStage(%d) = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestApplyThreadUpdates(t *testing.T) {
	open := []Thread{
		{StoryID: "s1", BranchID: MainBranch, ID: "t1", Description: "the broken seal", PlantedChapter: 1, Status: ThreadOpen},
	}
	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}

	changed, err := ApplyThreadUpdates(open, []ThreadUpdate{
		{ID: "t1", Action: ThreadResolve},
		{Action: ThreadPlant, Description: "a stranger's ring", DueChapter: 9},
		{ID: "missing", Action: ThreadAbandon},
	}, "s1", "alt", 5, newID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed threads, got %+v", changed)
	}
	if changed[0].Status != ThreadResolved || changed[0].ResolvedChapter != 5 || changed[0].BranchID != "alt" {
		t.Fatalf("unexpected resolved thread: %+v", changed[0])
	}
	if changed[1].ID != "gen-1" || changed[1].PlantedChapter != 5 || changed[1].Status != ThreadOpen {
		t.Fatalf("unexpected planted thread: %+v", changed[1])
	}
	if open[0].Status != ThreadOpen {
		t.Fatalf("input thread was mutated")
	}

	if _, err := ApplyThreadUpdates(nil, []ThreadUpdate{{Action: "explode"}}, "s1", "main", 1, newID); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestApplyThreadUpdatesPlantKeepsExistingThread(t *testing.T) {
	open := []Thread{
		{StoryID: "s1", BranchID: MainBranch, ID: "letter", Description: "a sealed letter", PlantedChapter: 1, Status: ThreadOpen},
	}
	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}

	changed, err := ApplyThreadUpdates(open, []ThreadUpdate{
		{ID: "letter", Action: ThreadPlant, Description: "a stolen horse"},
		{ID: " letter ", Action: ThreadPlant, Description: "a burned map"},
	}, "s1", MainBranch, 2, newID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 planted threads, got %+v", changed)
	}
	if changed[0].ID != "gen-1" || changed[0].Description != "a stolen horse" || changed[0].PlantedChapter != 2 {
		t.Fatalf("unexpected first plant: %+v", changed[0])
	}
	if changed[1].ID != "gen-2" || changed[1].Description != "a burned map" {
		t.Fatalf("unexpected second plant: %+v", changed[1])
	}
	for _, c := range changed {
		if c.ID == "letter" {
			t.Fatalf("existing thread was replaced: %+v", c)
		}
	}
}

func TestParseSceneType(t *testing.T) {
	if ParseSceneType(" Action ") != SceneAction {
		t.Fatalf("expected action")
	}
	if ParseSceneType("battle") != SceneNormal {
		t.Fatalf("expected normal fallback")
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
