package assembler

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

const (
	maxEarlierEvents  = 5
	earlierSummaryLen = 160
)

// Memory rebuilds the rolling window for the chapter about to be written.
// The most recent chapters are kept verbatim; older ones inside the lookback
// are compacted into key events and clipped summaries. Nothing beyond the
// lookback is read.
func (a *Assembler) Memory(ctx context.Context, storyID, branchID string, chapter int) (story.MemoryContext, error) {
	var mem story.MemoryContext

	chain, err := store.Chain(ctx, a.chapters, storyID, branchID, chapter, a.cfg.MaxLookback)
	if err != nil {
		return mem, fmt.Errorf("loading chapter chain: %w", err)
	}

	recent := chain[:min(len(chain), a.cfg.RecentChapters)]
	for i := len(recent) - 1; i >= 0; i-- {
		ch := recent[i]
		mem.Recent = append(mem.Recent, story.ChapterSummary{
			Number:    ch.Number,
			Summary:   ch.Summary,
			KeyEvents: slices.Clone(ch.KeyEvents),
			Intensity: ch.Intensity,
		})
	}

	if older := chain[len(recent):]; len(older) > 0 {
		var lines []string
		for i := len(older) - 1; i >= 0; i-- {
			ch := older[i]
			if s := strings.TrimSpace(ch.Summary); s != "" {
				lines = append(lines, fmt.Sprintf("Ch%d: %s", ch.Number, clip(s, earlierSummaryLen)))
			}
		}
		mem.Earlier = strings.Join(lines, "\n")
		for _, ch := range older {
			for _, ev := range ch.KeyEvents {
				if len(mem.EarlierEvents) == maxEarlierEvents {
					break
				}
				mem.EarlierEvents = append(mem.EarlierEvents, fmt.Sprintf("Ch%d: %s", ch.Number, ev))
			}
		}
	}

	threads, err := a.threads.OpenThreads(ctx, storyID, branchID)
	if err != nil {
		return mem, fmt.Errorf("loading open threads: %w", err)
	}
	mem.OpenThreads = orderThreads(threads, chapter, a.cfg.ThreadLookahead)
	return mem, nil
}

// orderThreads puts threads due within the lookahead (or overdue) first,
// then the rest by due chapter, undated threads last.
func orderThreads(threads []story.Thread, chapter, lookahead int) []story.Thread {
	out := slices.Clone(threads)
	urgent := func(t story.Thread) bool {
		return t.DueChapter > 0 && t.DueChapter <= chapter+lookahead
	}
	slices.SortStableFunc(out, func(x, y story.Thread) int {
		ux, uy := urgent(x), urgent(y)
		switch {
		case ux && !uy:
			return -1
		case uy && !ux:
			return 1
		}
		dx, dy := x.DueChapter, y.DueChapter
		if dx == 0 {
			dx = store.Unbounded
		}
		if dy == 0 {
			dy = store.Unbounded
		}
		if dx != dy {
			return dx - dy
		}
		return x.PlantedChapter - y.PlantedChapter
	})
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
