package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sagaforge/internal/story"
	"sagaforge/internal/workflow"
)

func runCmd() *cobra.Command {
	var storyID string
	var branches []string
	var chapter int
	var count int
	var instruction string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate chapters through the plan, write, review and evolve cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storyID == "" {
				return fmt.Errorf("--story is required")
			}
			if chapter > 0 && (count > 1 || len(branches) > 1) {
				return fmt.Errorf("--chapter names a single chapter on a single branch")
			}
			return runRun(storyID, branches, chapter, count, instruction)
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Story id")
	cmd.Flags().StringSliceVar(&branches, "branch", []string{story.MainBranch}, "Branches to advance; several run in parallel")
	cmd.Flags().IntVar(&chapter, "chapter", 0, "Chapter to produce (default: next after the head)")
	cmd.Flags().IntVar(&count, "count", 1, "Chapters to produce on each branch")
	cmd.Flags().StringVar(&instruction, "instruction", "", "Extra direction for the planner")
	return cmd
}

func runRun(storyID string, branches []string, chapter, count int, instruction string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.engine.Observe(workflow.ObserverFunc(func(ctx context.Context, ev workflow.LifecycleEvent) {
		a.logger.Info("workflow event",
			"kind", ev.Kind, "branch", ev.BranchID, "chapter", ev.Chapter,
			"step", ev.Step, "retry", ev.Retry, "detail", ev.Detail)
	}))

	var inputs []workflow.RunInput
	for _, b := range branches {
		for range max(count, 1) {
			inputs = append(inputs, workflow.RunInput{StoryID: storyID, BranchID: b, Chapter: chapter, Instruction: instruction})
		}
	}

	failed := 0
	for _, r := range a.engine.RunBatch(ctx, inputs) {
		if r.Err != nil {
			failed++
			fmt.Fprintf(os.Stdout, "%s: failed (%s): %v\n", r.Input.BranchID, workflow.CategoryOf(r.Err), r.Err)
			continue
		}
		printRunResult(r.Result)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(inputs))
	}
	return nil
}

func printRunResult(res *workflow.Result) {
	ch := res.Chapter
	status := "committed"
	switch {
	case res.Existing:
		status = "existing"
	case res.Degraded:
		status = "committed (degraded)"
	}
	fmt.Fprintf(os.Stdout, "%s chapter %d %q: %s, score %.2f, %d revisions\n", ch.BranchID, ch.Number, ch.Title, status, ch.Score, res.Retries)
	if res.ContextDegraded {
		fmt.Fprintln(os.Stdout, "  context was assembled without retrieval")
	}
	for _, v := range res.Violations {
		fmt.Fprintf(os.Stdout, "  violation %s: %s\n", v.Rule, v.Detail)
	}
	for _, f := range res.Findings {
		fmt.Fprintf(os.Stdout, "  finding %s\n", f)
	}
	if ch.Summary != "" {
		fmt.Fprintf(os.Stdout, "  %s\n", ch.Summary)
	}
}
