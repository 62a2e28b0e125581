package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

type queryFlags struct {
	storyID  string
	branchID string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.storyID, "story", "", "Story id")
	cmd.Flags().StringVar(&f.branchID, "branch", story.MainBranch, "Branch id")
	_ = cmd.MarkFlagRequired("story")
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect stored stories from the CLI",
	}
	cmd.AddCommand(queryChaptersCmd())
	cmd.AddCommand(queryChapterCmd())
	cmd.AddCommand(queryCharactersCmd())
	cmd.AddCommand(queryAuditsCmd())
	cmd.AddCommand(queryBranchesCmd())
	cmd.AddCommand(querySearchCmd())
	return cmd
}

// withStore opens the store for the duration of fn.
func withStore(fn func(ctx context.Context, db store.Store) error) error {
	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)
	return fn(ctx, db)
}

func queryChaptersCmd() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "chapters",
		Short: "List chapters visible on a branch, including inherited ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				head, err := db.HeadChapter(ctx, f.storyID, f.branchID)
				if err != nil {
					return err
				}
				segs, err := store.Lineage(ctx, db, f.storyID, f.branchID, 1, head)
				if err != nil {
					return err
				}
				if len(segs) == 0 {
					fmt.Fprintln(os.Stdout, "No chapters yet.")
					return nil
				}
				for _, seg := range slices.Backward(segs) {
					chapters, err := db.ListChapters(ctx, f.storyID, seg.BranchID, seg.From, seg.To)
					if err != nil {
						return err
					}
					for _, ch := range chapters {
						flag := ""
						if ch.Degraded {
							flag = " [degraded]"
						}
						fmt.Fprintf(os.Stdout, "%3d %-24s [%s] intensity=%d score=%.2f%s\n", ch.Number, ch.Title, ch.BranchID, ch.Intensity, ch.Score, flag)
					}
				}
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func queryChapterCmd() *cobra.Command {
	var f queryFlags
	var number int
	cmd := &cobra.Command{
		Use:   "chapter",
		Short: "Print one chapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				ch, err := store.FindChapter(ctx, db, f.storyID, f.branchID, number)
				if err != nil {
					return fmt.Errorf("chapter %d: %w", number, err)
				}
				fmt.Fprintf(os.Stdout, "Chapter %d: %s\n", ch.Number, ch.Title)
				fmt.Fprintf(os.Stdout, "Branch: %s  Scene: %s  Intensity: %d  Score: %.2f\n", ch.BranchID, ch.SceneType, ch.Intensity, ch.Score)
				if len(ch.KeyEvents) > 0 {
					fmt.Fprintf(os.Stdout, "Key events: %s\n", strings.Join(ch.KeyEvents, "; "))
				}
				fmt.Fprintf(os.Stdout, "\n%s\n", ch.Content)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&number, "number", 1, "Chapter number")
	return cmd
}

func queryCharactersCmd() *cobra.Command {
	var f queryFlags
	var asOf int
	cmd := &cobra.Command{
		Use:   "characters",
		Short: "Show character states on a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				if asOf == 0 {
					head, err := db.HeadChapter(ctx, f.storyID, f.branchID)
					if err != nil {
						return err
					}
					asOf = head
				}
				states, err := db.CharacterStates(ctx, f.storyID, f.branchID, asOf+1)
				if err != nil {
					return err
				}
				if len(states) == 0 {
					fmt.Fprintln(os.Stdout, "No characters found.")
					return nil
				}
				for _, cs := range states {
					fmt.Fprintf(os.Stdout, "%s (as of chapter %d) mood=%s\n", cs.Name, cs.AsOf, cs.Mood)
					for _, trait := range slices.Sorted(maps.Keys(cs.Traits)) {
						fmt.Fprintf(os.Stdout, "  %s: %.2f\n", trait, cs.Traits[trait])
					}
					for _, name := range slices.Sorted(maps.Keys(cs.Skills)) {
						s := cs.Skills[name]
						fmt.Fprintf(os.Stdout, "  skill %s: level %d (%s)\n", name, s.Level, s.Stage)
					}
				}
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&asOf, "as-of", 0, "Chapter to read state at (default: branch head)")
	return cmd
}

func queryAuditsCmd() *cobra.Command {
	var f queryFlags
	var number int
	cmd := &cobra.Command{
		Use:   "audits",
		Short: "Show review records and rule violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				audits, err := db.ListAudits(ctx, f.storyID, f.branchID, number)
				if err != nil {
					return err
				}
				for _, a := range audits {
					verdict := "rejected"
					if a.Passed {
						verdict = "accepted"
					}
					fmt.Fprintf(os.Stdout, "chapter %d attempt %d: %s score=%.2f\n", a.Chapter, a.Attempt, verdict, a.Score)
					if a.Feedback != "" {
						fmt.Fprintf(os.Stdout, "  %s\n", a.Feedback)
					}
				}
				violations, err := db.ListViolations(ctx, f.storyID, f.branchID)
				if err != nil {
					return err
				}
				for _, v := range violations {
					if number != 0 && v.Chapter != number {
						continue
					}
					fmt.Fprintf(os.Stdout, "chapter %d violation %s: %s\n", v.Chapter, v.Rule, v.Detail)
				}
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&number, "chapter", 0, "Restrict to one chapter")
	return cmd
}

func queryBranchesCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List the branches of a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				branches, err := db.ListBranches(ctx, storyID)
				if err != nil {
					return err
				}
				for _, b := range branches {
					head, err := db.HeadChapter(ctx, storyID, b.ID)
					if err != nil {
						return err
					}
					if b.IsRoot() {
						fmt.Fprintf(os.Stdout, "%s head=%d\n", b.ID, head)
						continue
					}
					fmt.Fprintf(os.Stdout, "%s head=%d forked from %s at %d\n", b.ID, head, b.ParentID, b.ForkChapter)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Story id")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func querySearchCmd() *cobra.Command {
	var f queryFlags
	var scope string
	var source string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Full-text search over the bible and reference pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.storyID == "" {
				scope = string(store.ScopeGlobal)
			}
			return withStore(func(ctx context.Context, db store.Store) error {
				results, err := db.Search(ctx, store.SearchQuery{
					Text:     strings.Join(args, " "),
					StoryID:  f.storyID,
					BranchID: f.branchID,
					Scope:    store.Scope(scope),
					Source:   source,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(os.Stdout, "No matches found.")
					return nil
				}
				for _, result := range results {
					fmt.Fprintf(os.Stdout, "%s (%s/%s) score=%.2f\n  %s\n", result.Title, result.Source, result.Kind, result.Score, result.Snippet)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.storyID, "story", "", "Story id")
	cmd.Flags().StringVar(&f.branchID, "branch", story.MainBranch, "Branch id")
	cmd.Flags().StringVar(&scope, "scope", string(store.ScopeAll), "story, global, or all")
	cmd.Flags().StringVar(&source, "source", "", "bible or reference")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	return cmd
}
