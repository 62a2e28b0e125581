// Package workflow runs the chapter generation cycle as an explicit state
// machine over a (story, branch) pair.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"sagaforge/internal/assembler"
	"sagaforge/internal/branch"
	"sagaforge/internal/config"
	"sagaforge/internal/rules"
	"sagaforge/internal/steps"
	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const tracerName = "sagaforge/workflow"

// Store is the persistence the engine reads and commits through.
type Store interface {
	store.ChapterReader
	GetStory(ctx context.Context, id string) (*story.Story, error)
	GetPlotPoint(ctx context.Context, storyID, branchID string, chapter int) (*story.PlotPoint, error)
	ListBibleEntries(ctx context.Context, storyID, branchID string) ([]story.BibleEntry, error)
	CharacterStates(ctx context.Context, storyID, branchID string, before int) ([]story.CharacterState, error)
	OpenThreads(ctx context.Context, storyID, branchID string) ([]story.Thread, error)
	CommitChapter(ctx context.Context, c store.Commit) error
}

type Config struct {
	RetryLimit      int
	MaxParallelRuns int
	// PacingWindow is how many preceding chapter intensities Plan sees.
	PacingWindow int
	Rules        *config.Rules
}

func ConfigFrom(cfg *config.ProjectConfig, ruleSet *config.Rules) Config {
	return Config{
		RetryLimit:      cfg.Workflow.MaxRetryLimit,
		MaxParallelRuns: cfg.Concurrency.MaxParallelRuns,
		PacingWindow:    max(cfg.Pacing.ConsecutiveHighLimit, cfg.Pacing.ConsecutiveLowLimit),
		Rules:           ruleSet,
	}
}

type Deps struct {
	Store     Store
	Steps     *steps.Steps
	Assembler *assembler.Assembler
	// Locks must be shared with the branch manager.
	Locks  *branch.Locks
	Logger *slog.Logger
}

type Engine struct {
	store     Store
	steps     *steps.Steps
	assembler *assembler.Assembler
	locks     *branch.Locks
	cfg       Config
	observers []Observer
	ids       *idSource
	tracer    trace.Tracer
	logger    *slog.Logger
}

func New(d Deps, cfg Config) *Engine {
	if d.Locks == nil {
		d.Locks = branch.NewLocks()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 3
	}
	if cfg.MaxParallelRuns < 1 {
		cfg.MaxParallelRuns = 1
	}
	if cfg.Rules == nil {
		cfg.Rules = config.DefaultRules()
	}
	return &Engine{
		store:     d.Store,
		steps:     d.Steps,
		assembler: d.Assembler,
		locks:     d.Locks,
		cfg:       cfg,
		ids:       newIDSource(),
		tracer:    otel.Tracer(tracerName),
		logger:    d.Logger,
	}
}

// Observe registers an observer. It must be called before the engine runs.
func (e *Engine) Observe(o Observer) {
	e.observers = append(e.observers, o)
}

type RunInput struct {
	StoryID  string
	BranchID string
	// Chapter, when set, names the chapter to produce. A chapter that is
	// already committed is returned as is.
	Chapter     int
	Instruction string
}

type Result struct {
	RunID      string
	Chapter    story.Chapter
	Existing   bool
	Retries    int
	Degraded   bool
	Audits     []story.AuditRecord
	Violations []story.Violation
	// Findings holds every rule finding raised across the cycle's drafts,
	// plus a circuit breaker finding when acceptance was forced.
	Findings []rules.Finding
	// ContextDegraded is set when retrieval failed and the draft was written
	// from a reduced context package.
	ContextDegraded bool
}

// Run produces the next chapter on a branch, or returns the requested one if
// it already exists. Every error it returns is a *Failure.
func (e *Engine) Run(ctx context.Context, in RunInput) (*Result, error) {
	if in.BranchID == "" {
		in.BranchID = story.MainBranch
	}
	if in.StoryID == "" {
		return nil, &Failure{Category: CategoryStateConsistency, Step: StateLoadContext, Err: errors.New("story id is required")}
	}
	runID := uuid.NewString()

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("story.id", in.StoryID),
		attribute.String("branch.id", in.BranchID),
		attribute.String("run.id", runID),
	))
	defer span.End()

	res, err := e.run(ctx, runID, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CategoryOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("chapter", res.Chapter.Number),
		attribute.Int("retries", res.Retries),
		attribute.Bool("degraded", res.Degraded),
		attribute.Bool("existing", res.Existing),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, runID string, in RunInput) (*Result, error) {
	unlock, err := e.locks.Lock(ctx, in.StoryID, in.BranchID)
	if err != nil {
		return nil, fail(StateLoadContext, err)
	}
	defer unlock()

	head, err := e.store.HeadChapter(ctx, in.StoryID, in.BranchID)
	if err != nil {
		return nil, fail(StateLoadContext, fmt.Errorf("loading head of %s: %w", in.BranchID, err))
	}

	number := head + 1
	if in.Chapter > 0 {
		if in.Chapter <= head {
			ch, err := store.FindChapter(ctx, e.store, in.StoryID, in.BranchID, in.Chapter)
			if err != nil {
				return nil, fail(StateLoadContext, fmt.Errorf("loading chapter %d: %w", in.Chapter, err))
			}
			e.logger.Info("chapter already committed", "story", in.StoryID, "branch", in.BranchID, "chapter", in.Chapter)
			return &Result{RunID: runID, Chapter: *ch, Existing: true, Degraded: ch.Degraded}, nil
		}
		if in.Chapter > number {
			return nil, fail(StateLoadContext, fmt.Errorf("chapter %d requested but %s is at %d: %w",
				in.Chapter, in.BranchID, head, store.ErrSequenceGap))
		}
	}

	c := &cycle{
		e:      e,
		runID:  runID,
		in:     in,
		number: number,
		m:      NewMachine(e.cfg.RetryLimit),
		logger: e.logger.With("story", in.StoryID, "branch", in.BranchID, "chapter", number, "run", runID),
	}
	return c.run(ctx)
}

type BatchResult struct {
	Input  RunInput
	Result *Result
	Err    error
}

// RunBatch runs several cycles concurrently, at most MaxParallelRuns at a
// time. Inputs on the same branch serialise on the branch lock. A failed run
// does not stop the others.
func (e *Engine) RunBatch(ctx context.Context, inputs []RunInput) []BatchResult {
	out := make([]BatchResult, len(inputs))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelRuns)
	for i, in := range inputs {
		g.Go(func() error {
			res, err := e.Run(ctx, in)
			out[i] = BatchResult{Input: in, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) emit(ctx context.Context, ev LifecycleEvent) {
	ev.ID = e.ids.next()
	for _, o := range e.observers {
		o.Notify(ctx, ev)
	}
}
