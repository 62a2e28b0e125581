package main

import (
	"os"

	"github.com/spf13/cobra"

	"sagaforge/internal/config"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "sagaforge",
		Short:        "Stateful long-form story generation over a branching chapter history",
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultProjectFile, "Project config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log workflow progress to stderr")
	root.AddCommand(initCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(runCmd())
	root.AddCommand(forkCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
