package steps

import (
	"context"
	"fmt"
	"strings"

	"sagaforge/internal/config"
	"sagaforge/internal/llm"
)

type RepairInput struct {
	Chapter    int
	Draft      Draft
	Feedback   string
	Rejections int
}

const repairSystem = `You are a story editor making the smallest edits that resolve the listed problems. Keep everything else unchanged.`

// Repair accepts the latest draft after the revision budget is spent. With
// RepairRewrite enabled it first asks for one minimal-edit pass; any failure
// of that pass falls back to the draft as it stands.
func (s *Steps) Repair(ctx context.Context, in RepairInput) (Draft, error) {
	if !s.cfg.RepairRewrite || strings.TrimSpace(in.Feedback) == "" {
		return in.Draft, nil
	}

	prompt := fmt.Sprintf("Chapter %d was rejected %d times. Problems:\n%s\n\nChapter:\n%s\n\nReply with the corrected chapter text only.",
		in.Chapter, in.Rejections, in.Feedback, in.Draft.Text)
	raw, err := s.llm.Complete(ctx, llm.Request{Role: config.RoleRepair, System: repairSystem, Prompt: prompt})
	if err != nil {
		if ctx.Err() != nil {
			return Draft{}, ctx.Err()
		}
		s.logger.Warn("repair rewrite failed, keeping latest draft", "chapter", in.Chapter, "error", err)
		return in.Draft, nil
	}
	text := llm.StripReasoning(raw)
	if text == "" || strings.HasPrefix(text, "{") {
		s.logger.Warn("repair rewrite unusable, keeping latest draft", "chapter", in.Chapter)
		return in.Draft, nil
	}
	out := in.Draft
	out.Text = text
	return out, nil
}
