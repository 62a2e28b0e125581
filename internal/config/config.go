package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const DefaultProjectFile = "sagaforge.yaml"

const (
	RolePlan   = "plan"
	RoleWrite  = "write"
	RoleReview = "review"
	RoleEvolve = "evolve"
	RoleRepair = "repair"
)

var Roles = []string{RolePlan, RoleWrite, RoleReview, RoleEvolve, RoleRepair}

type ProjectConfig struct {
	Project     string            `yaml:"project"`
	Version     int               `yaml:"version"`
	Database    DatabaseConfig    `yaml:"database"`
	LLM         LLMConfig         `yaml:"llm"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Context     ContextConfig     `yaml:"context"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	RulesFile   string            `yaml:"rules_file"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type LLMConfig struct {
	BaseURL        string                `yaml:"base_url"`
	APIKey         string                `yaml:"api_key"`
	CallTimeout    time.Duration         `yaml:"call_timeout"`
	MaxAttempts    int                   `yaml:"max_attempts"`
	InitialBackoff time.Duration         `yaml:"initial_backoff"`
	MaxBackoff     time.Duration         `yaml:"max_backoff"`
	Roles          map[string]RoleConfig `yaml:"roles"`
}

// RoleConfig is the model setup for one step role. A nil Temperature takes
// the role default, so an explicit 0 is kept.
type RoleConfig struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type WorkflowConfig struct {
	MaxRetryLimit    int     `yaml:"max_retry_limit"`
	MinReviewScore   float64 `yaml:"min_review_score"`
	MaxOutputRetries int     `yaml:"max_output_retries"`
	RepairRewrite    bool    `yaml:"repair_rewrite"`
}

type ContextConfig struct {
	RecentChapters    int `yaml:"recent_chapters"`
	MaxLookback       int `yaml:"max_lookback"`
	BudgetChars       int `yaml:"budget_chars"`
	MinStoryFragments int `yaml:"min_story_fragments"`
	BibleTopK         int `yaml:"bible_top_k"`
	StyleTopK         int `yaml:"style_top_k"`
	ReferenceTopK     int `yaml:"reference_top_k"`
	MaxCharacters     int `yaml:"max_characters"`
	ThreadLookahead   int `yaml:"thread_lookahead"`
}

type PacingConfig struct {
	HighIntensity        int `yaml:"high_intensity"`
	LowIntensity         int `yaml:"low_intensity"`
	ConsecutiveHighLimit int `yaml:"consecutive_high_limit"`
	ConsecutiveLowLimit  int `yaml:"consecutive_low_limit"`
}

type ConcurrencyConfig struct {
	MaxParallelRuns int `yaml:"max_parallel_runs"`
}

type envOverrides struct {
	DSN           string        `env:"DATABASE_DSN"`
	APIKey        string        `env:"LLM_API_KEY"`
	BaseURL       string        `env:"LLM_BASE_URL"`
	CallTimeout   time.Duration `env:"LLM_CALL_TIMEOUT"`
	MaxRetryLimit int           `env:"MAX_RETRY_LIMIT"`
	BudgetChars   int           `env:"CONTEXT_BUDGET_CHARS"`
}

func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	cfg.fillRoleDefaults()

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if err := validateProjectConfig(cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	return cfg, nil
}

// Default returns a config populated with the built-in defaults. Project and
// database must still be supplied.
func Default() *ProjectConfig {
	return &ProjectConfig{
		Version: 1,
		LLM: LLMConfig{
			CallTimeout:    2 * time.Minute,
			MaxAttempts:    4,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Workflow: WorkflowConfig{
			MaxRetryLimit:    3,
			MinReviewScore:   0.7,
			MaxOutputRetries: 2,
		},
		Context: ContextConfig{
			RecentChapters:    3,
			MaxLookback:       10,
			BudgetChars:       12000,
			MinStoryFragments: 2,
			BibleTopK:         3,
			StyleTopK:         1,
			ReferenceTopK:     2,
			MaxCharacters:     5,
			ThreadLookahead:   3,
		},
		Pacing: PacingConfig{
			HighIntensity:        7,
			LowIntensity:         3,
			ConsecutiveHighLimit: 3,
			ConsecutiveLowLimit:  4,
		},
		Concurrency: ConcurrencyConfig{MaxParallelRuns: 4},
		RulesFile:   "rules.yaml",
	}
}

func (c *ProjectConfig) fillRoleDefaults() {
	defaults := map[string]struct {
		temperature float64
		maxTokens   int
	}{
		RolePlan:   {0.5, 2048},
		RoleWrite:  {0.8, 8192},
		RoleReview: {0.1, 2048},
		RoleEvolve: {0.3, 4096},
		RoleRepair: {0.4, 8192},
	}
	if c.LLM.Roles == nil {
		c.LLM.Roles = make(map[string]RoleConfig)
	}
	fallback := c.LLM.Roles[RoleWrite].Model
	for role, def := range defaults {
		rc := c.LLM.Roles[role]
		if rc.Model == "" {
			rc.Model = fallback
		}
		if rc.Temperature == nil {
			t := def.temperature
			rc.Temperature = &t
		}
		if rc.MaxTokens == 0 {
			rc.MaxTokens = def.maxTokens
		}
		c.LLM.Roles[role] = rc
	}
}

func applyEnv(cfg *ProjectConfig) error {
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: "SAGAFORGE_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if overrides.DSN != "" {
		cfg.Database.DSN = overrides.DSN
	}
	if overrides.APIKey != "" {
		cfg.LLM.APIKey = overrides.APIKey
	}
	if overrides.BaseURL != "" {
		cfg.LLM.BaseURL = overrides.BaseURL
	}
	if overrides.CallTimeout > 0 {
		cfg.LLM.CallTimeout = overrides.CallTimeout
	}
	if overrides.MaxRetryLimit > 0 {
		cfg.Workflow.MaxRetryLimit = overrides.MaxRetryLimit
	}
	if overrides.BudgetChars > 0 {
		cfg.Context.BudgetChars = overrides.BudgetChars
	}
	return nil
}

func validateProjectConfig(cfg *ProjectConfig) error {
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("project name is required")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return fmt.Errorf("database dsn is required")
	}
	if !strings.HasPrefix(dsn, "sqlite://") && !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("unsupported database dsn scheme: %s", dsn)
	}
	if cfg.Workflow.MaxRetryLimit < 1 {
		return fmt.Errorf("workflow max_retry_limit must be at least 1")
	}
	if cfg.Workflow.MinReviewScore < 0 || cfg.Workflow.MinReviewScore > 1 {
		return fmt.Errorf("workflow min_review_score must be within [0,1]")
	}
	if cfg.Workflow.MaxOutputRetries < 0 {
		return fmt.Errorf("workflow max_output_retries must not be negative")
	}
	if cfg.Context.RecentChapters < 1 {
		return fmt.Errorf("context recent_chapters must be at least 1")
	}
	if cfg.Context.MaxLookback < cfg.Context.RecentChapters {
		return fmt.Errorf("context max_lookback (%d) must be >= recent_chapters (%d)", cfg.Context.MaxLookback, cfg.Context.RecentChapters)
	}
	if cfg.Context.BudgetChars <= 0 {
		return fmt.Errorf("context budget_chars must be positive")
	}
	if cfg.Pacing.LowIntensity >= cfg.Pacing.HighIntensity {
		return fmt.Errorf("pacing low_intensity must be below high_intensity")
	}
	if cfg.Concurrency.MaxParallelRuns < 1 {
		return fmt.Errorf("concurrency max_parallel_runs must be at least 1")
	}
	for _, role := range Roles {
		if strings.TrimSpace(cfg.LLM.Roles[role].Model) == "" {
			return fmt.Errorf("llm role %s model is required", role)
		}
	}
	return nil
}

func (c *ProjectConfig) Role(name string) RoleConfig {
	return c.LLM.Roles[name]
}
