package steps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
	"sagaforge/internal/rules"
	"sagaforge/internal/story"
)

type scripted struct {
	replies []string
	errs    []error
	calls   []llm.Request
}

func (s *scripted) Complete(ctx context.Context, req llm.Request) (string, error) {
	i := len(s.calls)
	s.calls = append(s.calls, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.replies) {
		return "", errors.New("script exhausted")
	}
	return s.replies[i], nil
}

func testSteps(c llm.Completer) *Steps {
	cfg := Config{
		MaxOutputRetries: 2,
		MinReviewScore:   0.7,
		Pacing:           config.Default().Pacing,
	}
	return New(c, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPlanParsesIntentAndKeepsOutline(t *testing.T) {
	c := &scripted{replies: []string{
		`<think>the outline says harbor</think>{"scene": "model scene", "conflict": "", "scene_type": "Dialogue", "intensity": 8, "characters": ["Lin"], "pacing_note": "steady"}`,
	}}
	intent, err := testSteps(c).Plan(context.Background(), PlanInput{
		Chapter:     4,
		PlotPoint:   story.PlotPoint{Chapter: 4, Scene: "the harbor at dusk", Conflict: "a debt comes due"},
		Instruction: "more rain",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Scene != "the harbor at dusk" || intent.Conflict != "a debt comes due" {
		t.Fatalf("outline fields must win: %+v", intent)
	}
	if intent.SceneType != story.SceneDialogue || intent.Intensity != 8 || intent.Instruction != "more rain" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if c.calls[0].Role != config.RolePlan {
		t.Fatalf("expected plan role, got %q", c.calls[0].Role)
	}
}

func TestPlanRetriesMalformedOutput(t *testing.T) {
	c := &scripted{replies: []string{
		"I think the chapter should be exciting.",
		`{"scene": "x"}`,
		`{"scene": "gate", "intensity": "4"}`,
	}}
	intent, err := testSteps(c).Plan(context.Background(), PlanInput{Chapter: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Intensity != 4 || len(c.calls) != 3 {
		t.Fatalf("expected success on third call, got %+v after %d calls", intent, len(c.calls))
	}
	if strings.Contains(c.calls[0].Prompt, "could not be parsed") || !strings.Contains(c.calls[1].Prompt, "could not be parsed") {
		t.Fatalf("stricter suffix should only be added on retries")
	}
}

func TestMalformedOutputExhausts(t *testing.T) {
	c := &scripted{replies: []string{"nope", "still nope", "no"}}
	_, err := testSteps(c).Evolve(context.Background(), EvolveInput{Chapter: 2})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
	if len(c.calls) != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", len(c.calls))
	}
}

func TestTransportErrorsAreNotReprompted(t *testing.T) {
	transport := &llm.TransportError{Role: config.RoleWrite, Err: errors.New("down")}
	c := &scripted{errs: []error{transport}}
	_, err := testSteps(c).Write(context.Background(), WriteInput{Chapter: 1})
	if !llm.IsTransport(err) || len(c.calls) != 1 {
		t.Fatalf("expected a single transport failure, got %v after %d calls", err, len(c.calls))
	}
}

func TestApplyPacing(t *testing.T) {
	pacing := config.Default().Pacing
	tests := []struct {
		name   string
		recent []int
		in     int
		want   int
		noted  bool
	}{
		{"three high in a row caps", []int{2, 8, 9, 7}, 9, 5, true},
		{"two high is fine", []int{8, 9}, 9, 9, false},
		{"broken run", []int{8, 9, 4, 8}, 9, 9, false},
		{"already calm", []int{8, 8, 8}, 3, 3, false},
		{"four quiet raises", []int{2, 3, 1, 2}, 2, 6, true},
		{"three quiet is fine", []int{3, 1, 2}, 2, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyPacing(Intent{Intensity: tt.in}, tt.recent, pacing)
			if got.Intensity != tt.want || (len(got.PacingNotes) > 0) != tt.noted {
				t.Fatalf("ApplyPacing = %+v, want intensity %d noted=%v", got, tt.want, tt.noted)
			}
		})
	}
}

func TestWriteAcceptsJSONOrProse(t *testing.T) {
	c := &scripted{replies: []string{
		"```json\n{\"title\": \"Tide\", \"perspective\": \"third\", \"content\": \"The water rose.\"}\n```",
		"<think>draft</think>\nThe water rose again.",
	}}
	s := testSteps(c)

	d, err := s.Write(context.Background(), WriteInput{Chapter: 1, Attempt: 1})
	if err != nil || d.Title != "Tide" || d.Text != "The water rose." || d.Attempt != 1 {
		t.Fatalf("unexpected structured draft %+v, %v", d, err)
	}
	d, err = s.Write(context.Background(), WriteInput{Chapter: 1, Attempt: 2, Feedback: "shorter", Previous: "old"})
	if err != nil || d.Text != "The water rose again." {
		t.Fatalf("unexpected prose draft %+v, %v", d, err)
	}
	if !strings.Contains(c.calls[1].Prompt, "shorter") || !strings.Contains(c.calls[1].Prompt, "Previous draft") {
		t.Fatalf("revision prompt must carry feedback and the previous draft")
	}
}

func TestReviewDecision(t *testing.T) {
	blocking := rules.Report{Blocking: true, Findings: []rules.Finding{{Kind: rules.KindScene, Severity: config.SeverityMajor, Rule: "max sentence length"}}}
	tests := []struct {
		name   string
		reply  string
		report rules.Report
		want   bool
	}{
		{"accepted", `{"accepted": true, "score": 0.82, "feedback": "good"}`, rules.Report{}, true},
		{"low score", `{"accepted": true, "score": 0.6}`, rules.Report{}, false},
		{"ten point scale", `{"accepted": true, "score": 8}`, rules.Report{}, true},
		{"model rejects", `{"accepted": false, "score": 0.9}`, rules.Report{}, false},
		{"blocking findings", `{"accepted": true, "score": 0.95}`, blocking, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scripted{replies: []string{tt.reply}}
			v, err := testSteps(c).Review(context.Background(), ReviewInput{Chapter: 5, Draft: Draft{Text: "x"}, Report: tt.report})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Accepted != tt.want {
				t.Fatalf("Accepted = %v, want %v (%+v)", v.Accepted, tt.want, v)
			}
		})
	}

	c := &scripted{replies: []string{`{"accepted": true, "score": 0.95, "feedback": "fine"}`}}
	v, _ := testSteps(c).Review(context.Background(), ReviewInput{Draft: Draft{Text: "x"}, Report: blocking})
	if !strings.Contains(v.Feedback, "max sentence length") || len(v.Issues) != 1 {
		t.Fatalf("rule findings must reach the feedback: %+v", v)
	}
	if !strings.Contains(c.calls[0].Prompt, "Automated checks") {
		t.Fatalf("review prompt should include rule findings")
	}
}

func TestEvolveParsesDeltas(t *testing.T) {
	reply := `{"summary": "Lin duels Mei.", "key_events": ["duel"], "intensity": 12,
		"characters": [{"name": "Lin", "mood": "elated", "traits": {"courage": 0.2, "bad": "x"},
			"skills": [{"skill": "sword", "kind": "LEVEL_UP"}],
			"relationships": {"Mei": {"intimacy": -0.3, "stance": "rival"}},
			"milestones": ["first duel"]}],
		"threads": [{"action": "plant", "description": "a cracked blade", "due_chapter": 9}]}`
	c := &scripted{replies: []string{reply}}
	ev, err := testSteps(c).Evolve(context.Background(), EvolveInput{Chapter: 6, Draft: Draft{Text: "..."}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Summary != "Lin duels Mei." || ev.Intensity != 10 || len(ev.KeyEvents) != 1 {
		t.Fatalf("unexpected evolution: %+v", ev)
	}
	d := ev.Deltas[0]
	if d.Traits["courage"] != 0.2 || len(d.Traits) != 1 {
		t.Fatalf("unexpected traits: %v", d.Traits)
	}
	if d.Skills[0].Kind != story.SkillLevelUp || d.Relationships["Mei"].Stance != "rival" {
		t.Fatalf("unexpected delta: %+v", d)
	}
	if ev.Threads[0].Action != story.ThreadPlant || ev.Threads[0].DueChapter != 9 {
		t.Fatalf("unexpected thread updates: %+v", ev.Threads)
	}
}

func TestEvolveRejectsUnknownThreadAction(t *testing.T) {
	bad := `{"summary": "s", "threads": [{"id": "t1", "action": "explode"}]}`
	good := `{"summary": "s"}`
	c := &scripted{replies: []string{bad, good}}
	if _, err := testSteps(c).Evolve(context.Background(), EvolveInput{}); err != nil {
		t.Fatalf("expected recovery on retry, got %v", err)
	}
	if len(c.calls) != 2 {
		t.Fatalf("expected a re-prompt, got %d calls", len(c.calls))
	}
}

func TestEvolveRepromptsIncompleteThreadUpdates(t *testing.T) {
	good := `{"summary": "s", "threads": [{"action": "plant", "description": "a sealed letter"}]}`
	cases := []struct {
		name string
		bad  string
	}{
		{"plant without description", `{"summary": "s", "threads": [{"action": "plant"}]}`},
		{"plant with blank description", `{"summary": "s", "threads": [{"action": "plant", "description": "  "}]}`},
		{"resolve without id", `{"summary": "s", "threads": [{"action": "resolve"}]}`},
		{"abandon without id", `{"summary": "s", "threads": [{"action": "abandon", "id": " "}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &scripted{replies: []string{tc.bad, good}}
			ev, err := testSteps(c).Evolve(context.Background(), EvolveInput{})
			if err != nil {
				t.Fatalf("expected recovery on retry, got %v", err)
			}
			if len(c.calls) != 2 {
				t.Fatalf("expected a re-prompt, got %d calls", len(c.calls))
			}
			if !strings.HasSuffix(c.calls[1].Prompt, strictSuffix) {
				t.Fatalf("second prompt is missing the strict suffix")
			}
			if len(ev.Threads) != 1 || ev.Threads[0].Description != "a sealed letter" {
				t.Fatalf("unexpected threads: %+v", ev.Threads)
			}
		})
	}
}

func TestEvolveIncompleteThreadUpdatesExhaustRetries(t *testing.T) {
	bad := `{"summary": "s", "threads": [{"action": "plant"}]}`
	c := &scripted{replies: []string{bad, bad, bad}}
	_, err := testSteps(c).Evolve(context.Background(), EvolveInput{})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
	if len(c.calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(c.calls))
	}
}

func TestRepair(t *testing.T) {
	draft := Draft{Text: "latest", Attempt: 4}

	c := &scripted{}
	got, err := testSteps(c).Repair(context.Background(), RepairInput{Draft: draft, Feedback: "too long"})
	if err != nil || got.Text != "latest" || len(c.calls) != 0 {
		t.Fatalf("repair without rewrite must not call the model: %+v, %v, %d calls", got, err, len(c.calls))
	}

	c = &scripted{replies: []string{"<think>x</think>edited"}}
	s := testSteps(c)
	s.cfg.RepairRewrite = true
	got, err = s.Repair(context.Background(), RepairInput{Draft: draft, Feedback: "too long"})
	if err != nil || got.Text != "edited" || got.Attempt != 4 {
		t.Fatalf("unexpected rewrite: %+v, %v", got, err)
	}

	c = &scripted{errs: []error{errors.New("down")}}
	s = testSteps(c)
	s.cfg.RepairRewrite = true
	got, err = s.Repair(context.Background(), RepairInput{Draft: draft, Feedback: "too long"})
	if err != nil || got.Text != "latest" {
		t.Fatalf("failed rewrite must fall back to the draft: %+v, %v", got, err)
	}
}
