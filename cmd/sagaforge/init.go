package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sagaforge/internal/config"
)

func initCmd() *cobra.Command {
	var projectName string
	var dsn string
	var model string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new sagaforge project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(projectName) == "" {
				return fmt.Errorf("--name is required")
			}
			return runInit(projectName, dsn, model)
		},
	}
	cmd.Flags().StringVar(&projectName, "name", "", "Project name")
	cmd.Flags().StringVar(&dsn, "dsn", "sqlite://./saga.db", "Database DSN (sqlite:// or postgres://)")
	cmd.Flags().StringVar(&model, "model", "gpt-4o-mini", "Default model for every role")
	return cmd
}

const seedTemplate = `story:
  id: %s
  title: %s
  genre: ""
  synopsis: ""

bible: []

characters: []

outline:
  - chapter: 1
    title: Opening
    scene: ""
    scene_type: normal
`

func runInit(projectName, dsn, model string) error {
	dir := filepath.Dir(configPath)
	rulesPath := filepath.Join(dir, "rules.yaml")
	seedPath := filepath.Join(dir, "seed", "story.yaml")
	for _, path := range []string{configPath, rulesPath, seedPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	configContents := fmt.Sprintf("project: %s\nversion: 1\n\ndatabase:\n  dsn: %s\n\nllm:\n  base_url: \"\"\n  roles:\n    write:\n      model: %s\n\nworkflow:\n  max_retry_limit: 3\n  min_review_score: 0.7\n\nrules_file: rules.yaml\n", projectName, dsn, model)
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	rules, err := yaml.Marshal(config.DefaultRules())
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	if err := os.WriteFile(rulesPath, rules, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", rulesPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(seedPath), 0o755); err != nil {
		return fmt.Errorf("creating seed directory: %w", err)
	}
	seed := fmt.Sprintf(seedTemplate, slug(projectName), projectName)
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", seedPath, err)
	}

	fmt.Fprintf(os.Stdout, "Created %s, %s and %s\n", configPath, rulesPath, seedPath)
	return nil
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
