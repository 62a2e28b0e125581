package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sagaforge/internal/ingest"
)

func ingestCmd() *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Load story, bible, character and outline seed files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"seed"}
			}
			return runIngest(args, exclude)
		},
	}
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Paths to skip")
	return cmd
}

func runIngest(paths, exclude []string) error {
	ctx := context.Background()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	result, err := ingest.Run(ctx, db, paths, ingest.Options{Exclude: exclude})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "Ingestion complete.")
	fmt.Fprintf(os.Stdout, "  Stories created: %d\n", result.StoriesCreated)
	fmt.Fprintf(os.Stdout, "  Bible entries:   %d\n", result.BibleEntries)
	fmt.Fprintf(os.Stdout, "  References:      %d\n", result.References)
	fmt.Fprintf(os.Stdout, "  Characters:      %d\n", result.Characters)
	fmt.Fprintf(os.Stdout, "  Plot points:     %d\n", result.PlotPoints)
	fmt.Fprintf(os.Stdout, "  Files skipped:   %d\n", result.FilesSkipped)

	if len(result.Errors) > 0 {
		fmt.Fprintf(os.Stdout, "\nErrors (%d):\n", len(result.Errors))
		for _, item := range result.Errors {
			fmt.Fprintf(os.Stdout, "  - %v\n", item)
		}
		return fmt.Errorf("ingestion completed with errors")
	}

	return nil
}
