// Package steps wraps each external generation call of a cycle in a narrow
// contract: a structured input, one completion, and a validated result.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
)

var ErrMalformedOutput = errors.New("malformed step output")

const strictSuffix = `

IMPORTANT: your previous answer could not be parsed. Reply with exactly one JSON object matching the requested fields. No prose, no code fences, no reasoning.`

type Config struct {
	MaxOutputRetries int
	MinReviewScore   float64
	RepairRewrite    bool
	Pacing           config.PacingConfig
}

func ConfigFrom(cfg *config.ProjectConfig) Config {
	return Config{
		MaxOutputRetries: cfg.Workflow.MaxOutputRetries,
		MinReviewScore:   cfg.Workflow.MinReviewScore,
		RepairRewrite:    cfg.Workflow.RepairRewrite,
		Pacing:           cfg.Pacing,
	}
}

type Steps struct {
	llm    llm.Completer
	cfg    Config
	logger *slog.Logger
}

func New(completer llm.Completer, cfg Config, logger *slog.Logger) *Steps {
	if logger == nil {
		logger = slog.Default()
	}
	return &Steps{llm: completer, cfg: cfg, logger: logger}
}

// invoke performs one logical step call. Transport failures are returned as
// is, since the completer already retried them. Output that parse rejects is
// re-requested with a stricter instruction up to MaxOutputRetries times.
func invoke[T any](ctx context.Context, s *Steps, req llm.Request, parse func(string) (T, error)) (T, error) {
	var zero T
	prompt := req.Prompt
	var lastErr error
	attempts := 0
	for attempts <= s.cfg.MaxOutputRetries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if attempts > 0 {
			req.Prompt = prompt + strictSuffix
			s.logger.Warn("re-prompting after malformed output", "role", req.Role, "attempt", attempts+1, "error", lastErr)
		}
		attempts++

		raw, err := s.llm.Complete(ctx, req)
		if err != nil {
			return zero, fmt.Errorf("%s step: %w", req.Role, err)
		}
		out, err := parse(llm.StripReasoning(raw))
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s step gave unusable output after %d attempts: %w: %w", req.Role, attempts, ErrMalformedOutput, lastErr)
}
