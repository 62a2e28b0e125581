package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sagaforge/internal/branch"
	"sagaforge/internal/story"
)

func forkCmd() *cobra.Command {
	var in branch.ForkInput
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Create an alternative branch sharing history up to a chapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.StoryID == "" || in.NewBranch == "" {
				return fmt.Errorf("--story and --name are required")
			}
			return runFork(in)
		},
	}
	cmd.Flags().StringVar(&in.StoryID, "story", "", "Story id")
	cmd.Flags().StringVar(&in.Parent, "from", story.MainBranch, "Parent branch")
	cmd.Flags().IntVar(&in.AtChapter, "at", 0, "Last chapter shared with the parent")
	cmd.Flags().StringVar(&in.NewBranch, "name", "", "New branch id")
	return cmd
}

func runFork(in branch.ForkInput) error {
	ctx := context.Background()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	b, err := branch.New(db, nil, newLogger()).Fork(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Created branch %s from %s at chapter %d.\n", b.ID, b.ParentID, b.ForkChapter)
	return nil
}
