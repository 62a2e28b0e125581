package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sagaforge/internal/assembler"
	"sagaforge/internal/config"
	"sagaforge/internal/rules"
	"sagaforge/internal/steps"
	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const RuleCircuitBreaker = "circuit_breaker"

// cycle holds the working data of one Run. Nothing in it is visible to other
// cycles until the Evolve commit succeeds.
type cycle struct {
	e      *Engine
	runID  string
	in     RunInput
	number int
	m      Machine
	logger *slog.Logger

	synopsis    string
	plot        story.PlotPoint
	states      []story.CharacterState
	threads     []story.Thread
	memory      story.MemoryContext
	intensities []int
	prev        *story.Chapter
	policy      *rules.Policy
	enforcement *rules.Context

	intent      steps.Intent
	constraints string
	pkg         assembler.Package
	draft       steps.Draft
	previous    string
	feedback    string
	verdict     steps.Verdict
	audits      []story.AuditRecord
	violations  []story.Violation
	degraded    bool
	ctxDegraded bool
	committed   story.Chapter
}

func (c *cycle) run(ctx context.Context) (*Result, error) {
	for !c.m.State.Terminal() {
		state := c.m.State
		if err := ctx.Err(); err != nil {
			return nil, c.abort(ctx, state, err)
		}

		c.event(ctx, StepStarted, state, "")
		ev, err := c.traced(ctx, state)
		if err != nil {
			return nil, c.abort(ctx, state, err)
		}
		c.event(ctx, StepCompleted, state, string(ev))

		next, err := Transition(c.m, ev)
		if err != nil {
			return nil, c.abort(ctx, state, err)
		}
		c.m = next

		switch {
		case state == StateReview && next.State == StateRevise:
			c.logger.Warn("draft rejected, revising", "retry", next.Retry, "limit", next.Limit, "score", c.verdict.Score)
			c.event(ctx, RevisionTriggered, next.State, c.feedback)
		case state == StateReview && next.State == StateRepair:
			c.logger.Warn("retry limit reached, forcing acceptance", "retry", next.Retry, "limit", next.Limit)
			c.event(ctx, RepairTriggered, next.State, c.feedback)
		}
	}

	c.event(ctx, ChapterCommitted, StateEvolve, "")
	c.logger.Info("chapter committed", "retries", c.m.Retry, "degraded", c.degraded, "score", c.verdict.Score,
		"findings", len(c.enforcement.Findings), "blocking", len(c.enforcement.Blocking()))
	return &Result{
		RunID:           c.runID,
		Chapter:         c.committed,
		Retries:         c.m.Retry,
		Degraded:        c.degraded,
		Audits:          c.audits,
		Violations:      c.violations,
		Findings:        c.enforcement.Findings,
		ContextDegraded: c.ctxDegraded,
	}, nil
}

func (c *cycle) traced(ctx context.Context, state State) (Event, error) {
	ctx, span := c.e.tracer.Start(ctx, "workflow."+string(state), trace.WithAttributes(
		attribute.Int("chapter", c.number),
		attribute.Int("retry", c.m.Retry),
	))
	defer span.End()

	ev, err := c.step(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ev, err
}

func (c *cycle) step(ctx context.Context, state State) (Event, error) {
	switch state {
	case StateLoadContext:
		return EventLoaded, c.load(ctx)
	case StatePlan:
		return EventPlanned, c.plan(ctx)
	case StateRefine:
		return EventRefined, c.refine(ctx)
	case StateWrite:
		return EventDrafted, c.write(ctx)
	case StateReview:
		return c.review(ctx)
	case StateRevise:
		return EventRevised, c.revise(ctx)
	case StateRepair:
		return EventRepaired, c.repair(ctx)
	case StateEvolve:
		return EventCommitted, c.evolve(ctx)
	}
	return EventFailed, fmt.Errorf("%w: no step for state %s", ErrIllegalTransition, state)
}

func (c *cycle) abort(ctx context.Context, state State, err error) error {
	f := fail(state, err)
	c.m, _ = Transition(c.m, EventFailed)
	c.logger.Error("cycle failed", "step", state, "category", f.Category, "error", f.Err)
	c.event(ctx, CycleFailed, state, f.Error())
	return f
}

func (c *cycle) event(ctx context.Context, kind EventKind, state State, detail string) {
	c.e.emit(ctx, LifecycleEvent{
		RunID:    c.runID,
		Kind:     kind,
		StoryID:  c.in.StoryID,
		BranchID: c.in.BranchID,
		Chapter:  c.number,
		Step:     state,
		Retry:    c.m.Retry,
		Detail:   detail,
		At:       time.Now(),
	})
}

func (c *cycle) load(ctx context.Context) error {
	s := c.e.store
	storyID, branchID := c.in.StoryID, c.in.BranchID

	st, err := s.GetStory(ctx, storyID)
	if err != nil {
		return fmt.Errorf("loading story %s: %w", storyID, err)
	}
	c.synopsis = st.Synopsis

	p, err := s.GetPlotPoint(ctx, storyID, branchID, c.number)
	if err != nil {
		return fmt.Errorf("no outline entry for chapter %d on %s: %w", c.number, branchID, err)
	}
	if p.Status == story.PlotCompleted {
		return fmt.Errorf("outline entry for chapter %d on %s: %w", c.number, branchID, store.ErrPlotPointFinal)
	}
	c.plot = *p

	if c.states, err = s.CharacterStates(ctx, storyID, branchID, c.number); err != nil {
		return fmt.Errorf("loading character states: %w", err)
	}
	bible, err := s.ListBibleEntries(ctx, storyID, branchID)
	if err != nil {
		return fmt.Errorf("loading story bible: %w", err)
	}
	if c.memory, err = c.e.assembler.Memory(ctx, storyID, branchID, c.number); err != nil {
		return err
	}
	c.threads = c.memory.OpenThreads

	chain, err := store.Chain(ctx, s, storyID, branchID, c.number, max(c.e.cfg.PacingWindow, 1))
	if err != nil {
		return fmt.Errorf("loading preceding chapters: %w", err)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		c.intensities = append(c.intensities, chain[i].Intensity)
	}
	if len(chain) > 0 && chain[0].Number == c.number-1 {
		c.prev = &chain[0]
	}

	c.policy = rules.NewPolicy(c.e.cfg.Rules, c.states, bible)
	return nil
}

func (c *cycle) plan(ctx context.Context) error {
	intent, err := c.e.steps.Plan(ctx, steps.PlanInput{
		Chapter:     c.number,
		Synopsis:    c.synopsis,
		PlotPoint:   c.plot,
		Memory:      c.memory,
		Instruction: c.in.Instruction,
		Intensities: c.intensities,
	})
	if err != nil {
		return err
	}
	c.intent = intent
	return nil
}

func (c *cycle) refine(ctx context.Context) error {
	c.enforcement = c.policy.NewContext(c.intent.SceneType)
	c.constraints = c.policy.Constraints(c.intent.SceneType)
	return c.assemble(ctx)
}

func (c *cycle) assemble(ctx context.Context) error {
	pkg, err := c.e.assembler.Assemble(ctx, assembler.Request{
		StoryID:     c.in.StoryID,
		BranchID:    c.in.BranchID,
		Chapter:     c.number,
		PlotPoint:   c.plot,
		Scene:       c.intent.Scene,
		Conflict:    c.intent.Conflict,
		SceneType:   c.intent.SceneType,
		Instruction: c.intent.Instruction,
		Constraints: c.constraints,
		Feedback:    c.feedback,
		Memory:      c.memory,
		Characters:  c.states,
	})
	if err != nil {
		return fmt.Errorf("assembling context: %w", err)
	}
	if pkg.Degraded {
		c.ctxDegraded = true
		c.logger.Warn("context assembled without full retrieval")
	}
	c.pkg = pkg
	return nil
}

func (c *cycle) write(ctx context.Context) error {
	draft, err := c.e.steps.Write(ctx, steps.WriteInput{
		Chapter:  c.number,
		Intent:   c.intent,
		Context:  c.pkg.Render(),
		Previous: c.previous,
		Attempt:  len(c.audits) + 1,
	})
	if err != nil {
		return err
	}
	c.draft = draft
	return nil
}

func (c *cycle) review(ctx context.Context) (Event, error) {
	report := c.policy.Evaluate(c.draft.Text, c.intent.SceneType)
	c.enforcement.Record(report.Findings...)

	v, err := c.e.steps.Review(ctx, steps.ReviewInput{
		Chapter:   c.number,
		Draft:     c.draft,
		PlotPoint: c.plot,
		Intent:    c.intent,
		Anchors:   c.enforcement.Anchors,
		Report:    report,
	})
	if err != nil {
		return EventFailed, err
	}
	c.verdict = v
	c.audits = append(c.audits, story.AuditRecord{
		ID:        uuid.NewString(),
		StoryID:   c.in.StoryID,
		BranchID:  c.in.BranchID,
		Chapter:   c.number,
		Attempt:   c.draft.Attempt,
		Reviewer:  config.RoleReview,
		Passed:    v.Accepted,
		Score:     v.Score,
		Feedback:  v.Feedback,
		CreatedAt: time.Now().UTC(),
	})
	if v.Accepted {
		return EventAccepted, nil
	}
	c.feedback = v.Feedback
	return EventRejected, nil
}

func (c *cycle) revise(ctx context.Context) error {
	c.previous = c.draft.Text
	return c.assemble(ctx)
}

func (c *cycle) repair(ctx context.Context) error {
	draft, err := c.e.steps.Repair(ctx, steps.RepairInput{
		Chapter:    c.number,
		Draft:      c.draft,
		Feedback:   c.feedback,
		Rejections: c.m.Retry,
	})
	if err != nil {
		return err
	}
	c.draft = draft
	c.degraded = true
	detail := fmt.Sprintf("forced acceptance after %d rejected drafts", c.m.Retry)
	c.enforcement.Record(rules.Finding{
		Kind:     rules.KindCircuitBreaker,
		Severity: config.SeverityMajor,
		Rule:     RuleCircuitBreaker,
		Detail:   detail,
	})
	c.violations = append(c.violations, story.Violation{
		ID:        uuid.NewString(),
		StoryID:   c.in.StoryID,
		BranchID:  c.in.BranchID,
		Chapter:   c.number,
		Rule:      RuleCircuitBreaker,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (c *cycle) evolve(ctx context.Context) error {
	ev, err := c.e.steps.Evolve(ctx, steps.EvolveInput{
		Chapter: c.number,
		Draft:   c.draft,
		States:  c.states,
		Threads: c.threads,
	})
	if err != nil {
		return err
	}

	evolved, unknown := story.ApplyDeltas(c.states, ev.Deltas, c.number)
	if len(unknown) > 0 {
		c.logger.Warn("evolution names unknown characters", "names", unknown)
	}
	changed, err := story.ApplyThreadUpdates(c.threads, ev.Threads, c.in.StoryID, c.in.BranchID, c.number, c.e.ids.thread)
	if err != nil {
		return fmt.Errorf("%w: %w", steps.ErrMalformedOutput, err)
	}

	ch := story.Chapter{
		StoryID:     c.in.StoryID,
		BranchID:    c.in.BranchID,
		Number:      c.number,
		Title:       c.draft.Title,
		Content:     c.draft.Text,
		Summary:     ev.Summary,
		KeyEvents:   ev.KeyEvents,
		Score:       c.verdict.Score,
		Degraded:    c.degraded,
		Intensity:   ev.Intensity,
		SceneType:   c.intent.SceneType,
		Perspective: c.draft.Perspective,
	}
	if ch.Title == "" {
		ch.Title = c.plot.Title
	}
	if ch.Intensity == 0 {
		ch.Intensity = c.intent.Intensity
	}
	if c.prev != nil {
		ch.PrevBranch, ch.PrevNumber = c.prev.BranchID, c.prev.Number
	}

	// last point at which cancellation leaves the store untouched
	if err := ctx.Err(); err != nil {
		return err
	}
	err = c.e.store.CommitChapter(ctx, store.Commit{
		Chapter:    ch,
		Characters: evolved,
		Threads:    changed,
		Audits:     c.audits,
		Violations: c.violations,
	})
	if err != nil {
		return fmt.Errorf("committing chapter %d: %w", c.number, err)
	}
	if stored, err := c.e.store.GetChapter(ctx, c.in.StoryID, c.in.BranchID, c.number); err == nil {
		ch = *stored
	}
	c.committed = ch
	return nil
}
