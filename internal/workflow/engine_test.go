package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sagaforge/internal/assembler"
	"sagaforge/internal/branch"
	"sagaforge/internal/config"
	"sagaforge/internal/llm"
	"sagaforge/internal/retrieval"
	"sagaforge/internal/rules"
	"sagaforge/internal/steps"
	"sagaforge/internal/store"
	"sagaforge/internal/store/sqlite"
	"sagaforge/internal/story"
)

const (
	planReply   = `{"scene": "a scene", "intensity": 5, "characters": ["Lin"]}`
	draftReply  = `Lin walked to the Jade Gate. "We go now," she said. Mei nodded.`
	acceptReply = `{"accepted": true, "score": 0.9, "feedback": "solid"}`
	rejectReply = `{"accepted": false, "score": 0.3, "feedback": "the pacing is flat"}`
)

func evolveReply(mood string) string {
	return fmt.Sprintf(`{"summary": "Lin reaches the gate.", "key_events": ["gate"], "intensity": 5,
		"characters": [{"name": "Lin", "mood": %q}]}`, mood)
}

type responder func(n int, req llm.Request) (string, error)

func always(s string) responder {
	return func(int, llm.Request) (string, error) { return s, nil }
}

func sequence(replies ...string) responder {
	return func(n int, _ llm.Request) (string, error) {
		return replies[min(n, len(replies)-1)], nil
	}
}

// fakeLLM answers per role and records every request.
type fakeLLM struct {
	mu       sync.Mutex
	replies  map[string]responder
	requests map[string][]llm.Request
	onCall   func(req llm.Request)
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		replies: map[string]responder{
			config.RolePlan:   always(planReply),
			config.RoleWrite:  always(draftReply),
			config.RoleReview: always(acceptReply),
			config.RoleEvolve: always(evolveReply("resolute")),
		},
		requests: make(map[string][]llm.Request),
	}
}

func (f *fakeLLM) set(role string, r responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[role] = r
}

func (f *fakeLLM) calls(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[role])
}

func (f *fakeLLM) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		n += len(r)
	}
	return n
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	n := len(f.requests[req.Role])
	f.requests[req.Role] = append(f.requests[req.Role], req)
	r, ok := f.replies[req.Role]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if !ok {
		return "", fmt.Errorf("no reply scripted for %s", req.Role)
	}
	return r(n, req)
}

type testEnv struct {
	store    *sqlite.Client
	llm      *fakeLLM
	engine   *Engine
	branches *branch.Manager
	events   *Recorder
}

func newTestEnv(t *testing.T, outline map[int]story.SceneType) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "saga.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close(ctx) })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	if err := st.CreateStory(ctx, story.Story{ID: "s1", Title: "Jade Seal", Synopsis: "Lin guards the seal."}); err != nil {
		t.Fatalf("create story: %v", err)
	}
	for n, sceneType := range outline {
		p := story.PlotPoint{StoryID: "s1", BranchID: story.MainBranch, Chapter: n, Sequence: n,
			Title: fmt.Sprintf("Part %d", n), Scene: "Lin crosses the Jade Gate", Conflict: "the guards are watching", SceneType: sceneType}
		if err := st.UpsertPlotPoint(ctx, p); err != nil {
			t.Fatalf("plot point %d: %v", n, err)
		}
	}
	err = st.SeedCharacter(ctx, story.CharacterState{
		StoryID: "s1", BranchID: story.MainBranch, Name: "Lin", Mood: "calm",
		Traits:           map[string]float64{"courage": 0.5},
		ForbiddenActions: []string{"abandons Mei"},
	})
	if err != nil {
		t.Fatalf("seed character: %v", err)
	}
	err = st.UpsertBibleEntry(ctx, story.BibleEntry{StoryID: "s1", Category: "location", Key: "Jade Gate", Content: "The Jade Gate opens only at dusk.", Importance: 3})
	if err != nil {
		t.Fatalf("bible entry: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	fake := newFakeLLM()
	locks := branch.NewLocks()
	asm := assembler.New(st, st, retrieval.New(st, retrieval.Policy{MinStoryFragments: cfg.Context.MinStoryFragments}), assembler.ConfigFrom(cfg.Context), logger)
	eng := New(Deps{
		Store:     st,
		Steps:     steps.New(fake, steps.ConfigFrom(cfg), logger),
		Assembler: asm,
		Locks:     locks,
		Logger:    logger,
	}, ConfigFrom(cfg, config.DefaultRules()))
	rec := &Recorder{}
	eng.Observe(rec)

	return &testEnv{store: st, llm: fake, engine: eng, branches: branch.New(st, locks, logger), events: rec}
}

func normalOutline(chapters int) map[int]story.SceneType {
	out := make(map[int]story.SceneType, chapters)
	for n := 1; n <= chapters; n++ {
		out[n] = story.SceneNormal
	}
	return out
}

func (e *testEnv) mood(t *testing.T, branchID string, before int) string {
	t.Helper()
	states, err := e.store.CharacterStates(context.Background(), "s1", branchID, before)
	if err != nil || len(states) != 1 {
		t.Fatalf("loading states on %s before %d: %+v (%v)", branchID, before, states, err)
	}
	return states[0].Mood
}

func TestRunCommitsNextChapter(t *testing.T) {
	env := newTestEnv(t, normalOutline(2))
	env.llm.set(config.RoleEvolve, always(`{"summary": "Lin reaches the gate.", "key_events": ["gate"], "intensity": 6,
		"characters": [{"name": "Lin", "mood": "resolute", "traits": {"courage": 0.1}}],
		"threads": [{"action": "plant", "description": "a sealed letter", "due_chapter": 2}]}`))
	ctx := context.Background()

	res, err := env.engine.Run(ctx, RunInput{StoryID: "s1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Chapter.Number != 1 || res.Degraded || res.Retries != 0 || len(res.Audits) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Chapter.Title != "Part 1" || res.Chapter.Intensity != 6 || res.Chapter.Summary != "Lin reaches the gate." {
		t.Fatalf("unexpected chapter: %+v", res.Chapter)
	}

	audits, err := env.store.ListAudits(ctx, "s1", story.MainBranch, 1)
	if err != nil || len(audits) != 1 || !audits[0].Passed {
		t.Fatalf("expected one passing audit, got %+v (%v)", audits, err)
	}
	if got := env.mood(t, story.MainBranch, 2); got != "resolute" {
		t.Fatalf("expected evolved mood, got %q", got)
	}
	if got := env.mood(t, story.MainBranch, 1); got != "calm" {
		t.Fatalf("seed snapshot changed: %q", got)
	}
	threads, err := env.store.OpenThreads(ctx, "s1", story.MainBranch)
	if err != nil || len(threads) != 1 || threads[0].PlantedChapter != 1 {
		t.Fatalf("expected planted thread, got %+v (%v)", threads, err)
	}

	kinds := env.events.Kinds(res.RunID)
	if kinds[0] != StepStarted || kinds[len(kinds)-1] != ChapterCommitted {
		t.Fatalf("unexpected event order: %v", kinds)
	}
	events := env.events.Events()
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("event ids not increasing: %s then %s", events[i-1].ID, events[i].ID)
		}
	}

	res2, err := env.engine.Run(ctx, RunInput{StoryID: "s1"})
	if err != nil || res2.Chapter.Number != 2 || res2.Chapter.PrevNumber != 1 || res2.Chapter.PrevBranch != story.MainBranch {
		t.Fatalf("expected chapter 2 linked to 1, got %+v (%v)", res2, err)
	}
}

func TestRunRepromptsEvolveWithIncompleteThread(t *testing.T) {
	env := newTestEnv(t, normalOutline(1))
	env.llm.set(config.RoleEvolve, sequence(
		`{"summary": "s", "threads": [{"action": "plant"}]}`,
		`{"summary": "s", "threads": [{"action": "plant", "id": "letter", "description": "a sealed letter"}]}`,
	))
	ctx := context.Background()

	res, err := env.engine.Run(ctx, RunInput{StoryID: "s1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Chapter.Number != 1 {
		t.Fatalf("unexpected chapter: %+v", res.Chapter)
	}
	if got := env.llm.calls(config.RoleEvolve); got != 2 {
		t.Fatalf("expected evolve to be re-prompted once, got %d calls", got)
	}
	if got := env.llm.calls(config.RoleReview); got != 1 {
		t.Fatalf("accepted draft must not be reviewed again, got %d review calls", got)
	}
	threads, err := env.store.OpenThreads(ctx, "s1", story.MainBranch)
	if err != nil || len(threads) != 1 || threads[0].ID != "letter" {
		t.Fatalf("expected planted thread, got %+v (%v)", threads, err)
	}
}

func TestRunPlantWithTakenIDKeepsBothThreads(t *testing.T) {
	env := newTestEnv(t, normalOutline(2))
	env.llm.set(config.RoleEvolve, sequence(
		`{"summary": "s1", "threads": [{"action": "plant", "id": "letter", "description": "a sealed letter"}]}`,
		`{"summary": "s2", "threads": [{"action": "plant", "id": "letter", "description": "a stolen horse"}]}`,
	))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.engine.Run(ctx, RunInput{StoryID: "s1"}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	threads, err := env.store.OpenThreads(ctx, "s1", story.MainBranch)
	if err != nil || len(threads) != 2 {
		t.Fatalf("expected 2 open threads, got %+v (%v)", threads, err)
	}
	byDesc := make(map[string]story.Thread, len(threads))
	for _, th := range threads {
		byDesc[th.Description] = th
	}
	letter, ok := byDesc["a sealed letter"]
	if !ok || letter.ID != "letter" || letter.PlantedChapter != 1 {
		t.Fatalf("original thread was lost: %+v", threads)
	}
	horse, ok := byDesc["a stolen horse"]
	if !ok || horse.ID == "letter" || horse.PlantedChapter != 2 {
		t.Fatalf("unexpected second thread: %+v", threads)
	}
}

func TestRevisionThenAccept(t *testing.T) {
	env := newTestEnv(t, normalOutline(1))
	env.llm.set(config.RoleReview, sequence(rejectReply, acceptReply))

	res, err := env.engine.Run(context.Background(), RunInput{StoryID: "s1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Retries != 1 || res.Degraded || len(res.Audits) != 2 || res.Audits[0].Passed || !res.Audits[1].Passed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.llm.calls(config.RoleWrite) != 2 {
		t.Fatalf("expected two drafts, got %d", env.llm.calls(config.RoleWrite))
	}
	second := env.llm.requests[config.RoleWrite][1].Prompt
	if !strings.Contains(second, "the pacing is flat") || !strings.Contains(second, "Previous draft") {
		t.Fatalf("revision prompt lacks feedback or previous draft:\n%s", second)
	}
	if res.Audits[1].Attempt != 2 {
		t.Fatalf("expected attempt 2 on second audit, got %d", res.Audits[1].Attempt)
	}

	kinds := env.events.Kinds(res.RunID)
	revisions := 0
	for _, k := range kinds {
		if k == RevisionTriggered {
			revisions++
		}
	}
	if revisions != 1 {
		t.Fatalf("expected one revision event, got %v", kinds)
	}
}

func TestRetryLimitForcesRepair(t *testing.T) {
	env := newTestEnv(t, normalOutline(1))
	env.llm.set(config.RoleReview, always(rejectReply))
	ctx := context.Background()

	res, err := env.engine.Run(ctx, RunInput{StoryID: "s1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Degraded || res.Retries != 3 || !res.Chapter.Degraded {
		t.Fatalf("expected degraded chapter after 3 retries, got %+v", res)
	}
	if env.llm.calls(config.RoleWrite) != 3 || env.llm.calls(config.RoleReview) != 3 {
		t.Fatalf("expected 3 drafts and 3 reviews, got %d and %d", env.llm.calls(config.RoleWrite), env.llm.calls(config.RoleReview))
	}
	if env.llm.calls(config.RoleRepair) != 0 {
		t.Fatalf("repair must not call the model by default")
	}
	if len(res.Findings) == 0 {
		t.Fatalf("expected the forced acceptance among the findings")
	}
	last := res.Findings[len(res.Findings)-1]
	if last.Kind != rules.KindCircuitBreaker || last.Rule != RuleCircuitBreaker || last.Detail != "forced acceptance after 3 rejected drafts" {
		t.Fatalf("unexpected circuit breaker finding: %+v", last)
	}

	violations, err := env.store.ListViolations(ctx, "s1", story.MainBranch)
	if err != nil || len(violations) != 1 {
		t.Fatalf("expected exactly one violation, got %+v (%v)", violations, err)
	}
	if violations[0].Rule != RuleCircuitBreaker || violations[0].Detail != "forced acceptance after 3 rejected drafts" {
		t.Fatalf("unexpected violation: %+v", violations[0])
	}
	audits, err := env.store.ListAudits(ctx, "s1", story.MainBranch, 1)
	if err != nil || len(audits) != 3 {
		t.Fatalf("expected an audit per review, got %d (%v)", len(audits), err)
	}
	stored, err := env.store.GetChapter(ctx, "s1", story.MainBranch, 1)
	if err != nil || !stored.Degraded {
		t.Fatalf("expected stored chapter flagged degraded: %+v (%v)", stored, err)
	}
}

func TestLongActionSentenceTriggersRevise(t *testing.T) {
	env := newTestEnv(t, map[int]story.SceneType{1: story.SceneAction})
	long := "Lin" + strings.Repeat(" ran", 79) + "."
	short := `Lin ran. She drew her blade. The guard fell back.`
	env.llm.set(config.RoleWrite, sequence(long, short))

	res, err := env.engine.Run(context.Background(), RunInput{StoryID: "s1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Retries != 1 || res.Audits[0].Passed || !res.Audits[1].Passed {
		t.Fatalf("expected one revision, got %+v", res)
	}
	if !strings.Contains(res.Audits[0].Feedback, "max sentence length") {
		t.Fatalf("expected sentence length finding in feedback: %q", res.Audits[0].Feedback)
	}
	if res.Chapter.Content != short {
		t.Fatalf("expected revised draft committed, got %q", res.Chapter.Content)
	}
}

func TestForbiddenActionNeverAcceptedFirstTime(t *testing.T) {
	env := newTestEnv(t, normalOutline(1))
	env.llm.set(config.RoleWrite, sequence(`At dusk Lin abandons Mei at the gate.`, draftReply))

	res, err := env.engine.Run(context.Background(), RunInput{StoryID: "s1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Retries != 1 || res.Audits[0].Passed {
		t.Fatalf("anchor violation passed review: %+v", res.Audits)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, normalOutline(2))
	ctx := context.Background()
	first, err := env.engine.Run(ctx, RunInput{StoryID: "s1", Chapter: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := env.llm.total()

	again, err := env.engine.Run(ctx, RunInput{StoryID: "s1", Chapter: 1})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !again.Existing || again.Chapter.Content != first.Chapter.Content {
		t.Fatalf("expected the committed chapter back, got %+v", again)
	}
	if env.llm.total() != calls {
		t.Fatalf("generation steps invoked on rerun: %d calls, was %d", env.llm.total(), calls)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name    string
		outline map[int]story.SceneType
		setup   func(env *testEnv)
		input   RunInput
		want    Category
		wantErr error
	}{
		{
			name:    "chapter beyond head",
			outline: normalOutline(3),
			input:   RunInput{StoryID: "s1", Chapter: 3},
			want:    CategoryStateConsistency,
			wantErr: store.ErrSequenceGap,
		},
		{
			name:    "missing outline entry",
			outline: map[int]story.SceneType{2: story.SceneNormal},
			input:   RunInput{StoryID: "s1"},
			want:    CategoryStateConsistency,
			wantErr: store.ErrNotFound,
		},
		{
			name:    "unknown branch",
			outline: normalOutline(1),
			input:   RunInput{StoryID: "s1", BranchID: "ghost"},
			want:    CategoryStateConsistency,
			wantErr: store.ErrNotFound,
		},
		{
			name:    "malformed evolve output",
			outline: normalOutline(1),
			setup: func(env *testEnv) {
				env.llm.set(config.RoleEvolve, always("The chapter went well, I think."))
			},
			input:   RunInput{StoryID: "s1"},
			want:    CategoryMalformedOutput,
			wantErr: steps.ErrMalformedOutput,
		},
		{
			name:    "transport exhausted",
			outline: normalOutline(1),
			setup: func(env *testEnv) {
				env.llm.set(config.RoleWrite, func(int, llm.Request) (string, error) {
					return "", fmt.Errorf("%w after 4 attempts: %w", llm.ErrExhausted,
						&llm.TransportError{Role: config.RoleWrite, StatusCode: 503, Temporary: true, Err: errors.New("unavailable")})
				})
			},
			input:   RunInput{StoryID: "s1"},
			want:    CategoryTransport,
			wantErr: llm.ErrExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.outline)
			if tt.setup != nil {
				tt.setup(env)
			}
			_, err := env.engine.Run(context.Background(), tt.input)
			if CategoryOf(err) != tt.want {
				t.Fatalf("expected %s failure, got %v", tt.want, err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v in chain, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, &Failure{Category: tt.want}) {
				t.Fatalf("errors.Is by category failed for %v", err)
			}
			head, _ := env.store.HeadChapter(context.Background(), "s1", story.MainBranch)
			if head != 0 {
				t.Fatalf("failed cycle committed chapter %d", head)
			}
			if kinds := env.events.Kinds(""); len(kinds) > 0 && kinds[len(kinds)-1] != CycleFailed {
				t.Fatalf("expected cycle_failed last, got %v", kinds)
			}
		})
	}
}

func TestCancelBeforeCommitLeavesStoreUntouched(t *testing.T) {
	env := newTestEnv(t, normalOutline(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.llm.onCall = func(req llm.Request) {
		if req.Role == config.RoleEvolve {
			cancel()
		}
	}

	_, err := env.engine.Run(ctx, RunInput{StoryID: "s1"})
	if CategoryOf(err) != CategoryCanceled {
		t.Fatalf("expected canceled failure, got %v", err)
	}
	bg := context.Background()
	if head, _ := env.store.HeadChapter(bg, "s1", story.MainBranch); head != 0 {
		t.Fatalf("canceled cycle committed chapter %d", head)
	}
	if audits, _ := env.store.ListAudits(bg, "s1", story.MainBranch, 1); len(audits) != 0 {
		t.Fatalf("canceled cycle wrote audits")
	}
	if got := env.mood(t, story.MainBranch, 2); got != "calm" {
		t.Fatalf("canceled cycle changed state: %q", got)
	}
}

func TestForkEvolvesIndependently(t *testing.T) {
	env := newTestEnv(t, normalOutline(12))
	ctx := context.Background()
	for n := 1; n <= 10; n++ {
		env.llm.set(config.RoleEvolve, always(evolveReply(fmt.Sprintf("main-%d", n))))
		if _, err := env.engine.Run(ctx, RunInput{StoryID: "s1"}); err != nil {
			t.Fatalf("chapter %d: %v", n, err)
		}
	}

	if _, err := env.branches.Fork(ctx, branch.ForkInput{StoryID: "s1", Parent: story.MainBranch, AtChapter: 10, NewBranch: "B"}); err != nil {
		t.Fatalf("fork: %v", err)
	}

	env.llm.set(config.RoleEvolve, always(evolveReply("b-11")))
	b11, err := env.engine.Run(ctx, RunInput{StoryID: "s1", BranchID: "B"})
	if err != nil {
		t.Fatalf("B chapter 11: %v", err)
	}
	if b11.Chapter.Number != 11 || b11.Chapter.PrevBranch != story.MainBranch || b11.Chapter.PrevNumber != 10 {
		t.Fatalf("unexpected B chapter: %+v", b11.Chapter)
	}

	env.llm.set(config.RoleEvolve, always(evolveReply("main-11")))
	if _, err := env.engine.Run(ctx, RunInput{StoryID: "s1"}); err != nil {
		t.Fatalf("main chapter 11: %v", err)
	}

	if got := env.mood(t, story.MainBranch, 11); got != "main-10" {
		t.Fatalf("main snapshot at chapter 10 changed: %q", got)
	}
	if got := env.mood(t, "B", 11); got != "main-10" {
		t.Fatalf("B should start from the chapter 10 snapshot, got %q", got)
	}
	if got := env.mood(t, story.MainBranch, 12); got != "main-11" {
		t.Fatalf("unexpected main chapter 11 state: %q", got)
	}
	if got := env.mood(t, "B", 12); got != "b-11" {
		t.Fatalf("unexpected B chapter 11 state: %q", got)
	}

	mainCh, err := env.store.GetChapter(ctx, "s1", story.MainBranch, 11)
	if err != nil || mainCh.BranchID != story.MainBranch {
		t.Fatalf("main chapter 11 missing: %v", err)
	}
	if _, err := env.store.GetChapter(ctx, "s1", "B", 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("chapters before the fork must not be copied, got %v", err)
	}
	found, err := store.FindChapter(ctx, env.store, "s1", "B", 10)
	if err != nil || found.BranchID != story.MainBranch {
		t.Fatalf("B chapter 10 should resolve through main: %+v (%v)", found, err)
	}
}

func TestRunBatchKeepsSequence(t *testing.T) {
	env := newTestEnv(t, normalOutline(6))
	ctx := context.Background()
	if _, err := env.engine.Run(ctx, RunInput{StoryID: "s1"}); err != nil {
		t.Fatalf("chapter 1: %v", err)
	}
	if _, err := env.branches.Fork(ctx, branch.ForkInput{StoryID: "s1", AtChapter: 1, NewBranch: "alt"}); err != nil {
		t.Fatalf("fork: %v", err)
	}

	inputs := []RunInput{
		{StoryID: "s1"}, {StoryID: "s1", BranchID: "alt"},
		{StoryID: "s1"}, {StoryID: "s1", BranchID: "alt"},
		{StoryID: "s1"},
	}
	results := env.engine.RunBatch(ctx, inputs)
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("input %d: %v", i, r.Err)
		}
	}

	for branchID, want := range map[string]int{story.MainBranch: 4, "alt": 3} {
		head, err := env.store.HeadChapter(ctx, "s1", branchID)
		if err != nil || head != want {
			t.Fatalf("%s head = %d (%v), want %d", branchID, head, err, want)
		}
		chapters, err := env.store.ListChapters(ctx, "s1", branchID, 1, 0)
		if err != nil {
			t.Fatalf("listing %s: %v", branchID, err)
		}
		for i := 1; i < len(chapters); i++ {
			if chapters[i].Number != chapters[i-1].Number+1 {
				t.Fatalf("%s has a gap: %d then %d", branchID, chapters[i-1].Number, chapters[i].Number)
			}
		}
	}
}
