// Package assembler builds the size-bounded context package handed to the
// write step: the plot point and rule constraints, the rolling chapter
// memory, and retrieved story-world material.
package assembler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"sagaforge/internal/config"
	"sagaforge/internal/retrieval"
	"sagaforge/internal/rules"
	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

type Config struct {
	RecentChapters  int
	MaxLookback     int
	BudgetChars     int
	BibleTopK       int
	StyleTopK       int
	ReferenceTopK   int
	MaxCharacters   int
	ThreadLookahead int
}

func ConfigFrom(c config.ContextConfig) Config {
	return Config{
		RecentChapters:  c.RecentChapters,
		MaxLookback:     c.MaxLookback,
		BudgetChars:     c.BudgetChars,
		BibleTopK:       c.BibleTopK,
		StyleTopK:       c.StyleTopK,
		ReferenceTopK:   c.ReferenceTopK,
		MaxCharacters:   c.MaxCharacters,
		ThreadLookahead: c.ThreadLookahead,
	}
}

type ThreadSource interface {
	OpenThreads(ctx context.Context, storyID, branchID string) ([]story.Thread, error)
}

type Assembler struct {
	chapters store.ChapterReader
	threads  ThreadSource
	search   retrieval.Searcher
	cfg      Config
	logger   *slog.Logger
}

func New(chapters store.ChapterReader, threads ThreadSource, search retrieval.Searcher, cfg Config, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecentChapters <= 0 {
		cfg.RecentChapters = 3
	}
	cfg.MaxLookback = max(cfg.MaxLookback, cfg.RecentChapters)
	return &Assembler{chapters: chapters, threads: threads, search: search, cfg: cfg, logger: logger}
}

type Request struct {
	StoryID     string
	BranchID    string
	Chapter     int
	PlotPoint   story.PlotPoint
	Scene       string
	Conflict    string
	SceneType   story.SceneType
	Instruction string
	Constraints string
	Feedback    string
	Memory      story.MemoryContext
	Characters  []story.CharacterState
}

// Assemble packs the request into a Package within the configured budget.
// Retrieval failures degrade the package instead of failing it.
func (a *Assembler) Assemble(ctx context.Context, req Request) (Package, error) {
	var candidates []Fragment
	candidates = append(candidates, a.mandatory(req)...)
	candidates = append(candidates, a.characterFragments(req)...)
	candidates = append(candidates, memoryFragments(req.Memory)...)
	candidates = append(candidates, a.threadFragments(req)...)

	found, degraded, err := a.retrieve(ctx, req)
	if err != nil {
		return Package{}, err
	}
	candidates = append(candidates, found...)

	kept, used, dropped := pack(candidates, a.cfg.BudgetChars)
	slices.SortStableFunc(kept, func(x, y Fragment) int {
		return cmp.Or(cmp.Compare(x.Section, y.Section), cmp.Compare(x.Order, y.Order))
	})
	return Package{
		Fragments: kept,
		Budget:    a.cfg.BudgetChars,
		Used:      used,
		Dropped:   dropped,
		Degraded:  degraded,
	}, nil
}

func (a *Assembler) mandatory(req Request) []Fragment {
	p := req.PlotPoint
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
	}
	fmt.Fprintf(&b, "Scene: %s\n", cmp.Or(req.Scene, p.Scene))
	if c := cmp.Or(req.Conflict, p.Conflict); c != "" {
		fmt.Fprintf(&b, "Conflict: %s\n", c)
	}
	fmt.Fprintf(&b, "Scene type: %s", cmp.Or(req.SceneType, p.SceneType, story.SceneNormal))
	if len(p.Foreshadowing) > 0 {
		fmt.Fprintf(&b, "\nForeshadowing to plant: %s", strings.Join(p.Foreshadowing, "; "))
	}

	out := []Fragment{{
		Section:   SectionPlot,
		Label:     fmt.Sprintf("Plot point for chapter %d", req.Chapter),
		Text:      b.String(),
		Mandatory: true,
	}}
	if s := strings.TrimSpace(req.Instruction); s != "" {
		out = append(out, Fragment{Section: SectionInstruction, Label: "Instruction", Text: s, Mandatory: true})
	}
	if s := strings.TrimSpace(req.Feedback); s != "" {
		out = append(out, Fragment{Section: SectionFeedback, Label: "Revision feedback", Text: s, Mandatory: true})
	}
	if s := strings.TrimSpace(req.Constraints); s != "" {
		out = append(out, Fragment{Section: SectionConstraints, Label: "Constraints", Text: s, Mandatory: true})
	}
	return out
}

// characterFragments describes up to MaxCharacters characters, those named
// in the scene first.
func (a *Assembler) characterFragments(req Request) []Fragment {
	limit := a.cfg.MaxCharacters
	if limit <= 0 || len(req.Characters) == 0 {
		return nil
	}
	scene := rules.Normalize(strings.Join([]string{req.Scene, req.Conflict, req.PlotPoint.Scene, req.PlotPoint.Conflict}, " "))
	chars := slices.Clone(req.Characters)
	slices.SortStableFunc(chars, func(x, y story.CharacterState) int {
		nx := strings.Contains(scene, rules.Normalize(x.Name))
		ny := strings.Contains(scene, rules.Normalize(y.Name))
		switch {
		case nx && !ny:
			return -1
		case ny && !nx:
			return 1
		}
		return strings.Compare(x.Name, y.Name)
	})

	var out []Fragment
	for i, c := range chars[:min(limit, len(chars))] {
		out = append(out, Fragment{
			Section: SectionCharacters,
			Label:   "Character: " + c.Name,
			Text:    describeCharacter(c),
			Order:   i,
		})
	}
	return out
}

func describeCharacter(c story.CharacterState) string {
	var lines []string
	if c.Mood != "" {
		lines = append(lines, "Mood: "+c.Mood)
	}
	if len(c.Traits) > 0 {
		var traits []string
		for _, k := range slices.Sorted(maps.Keys(c.Traits)) {
			traits = append(traits, fmt.Sprintf("%s %.2f", k, c.Traits[k]))
		}
		lines = append(lines, "Traits: "+strings.Join(traits, ", "))
	}
	if len(c.Skills) > 0 {
		var skills []string
		for _, k := range slices.Sorted(maps.Keys(c.Skills)) {
			s := c.Skills[k]
			skills = append(skills, fmt.Sprintf("%s L%d (%s)", k, s.Level, s.Stage))
		}
		lines = append(lines, "Skills: "+strings.Join(skills, ", "))
	}
	if len(c.Relationships) > 0 {
		var rels []string
		for _, k := range slices.Sorted(maps.Keys(c.Relationships)) {
			r := c.Relationships[k]
			rels = append(rels, fmt.Sprintf("%s %+.2f %s", k, r.Intimacy, r.Stance))
		}
		lines = append(lines, "Relationships: "+strings.Join(rels, ", "))
	}
	if len(c.Values) > 0 {
		var vals []string
		for _, k := range slices.Sorted(maps.Keys(c.Values)) {
			vals = append(vals, fmt.Sprintf("%s %.2f", k, c.Values[k].Strength))
		}
		lines = append(lines, "Values: "+strings.Join(vals, ", "))
	}
	if n := len(c.Milestones); n > 0 {
		lines = append(lines, "Latest milestone: "+c.Milestones[n-1].Description)
	}
	if len(lines) == 0 {
		return "(no recorded state)"
	}
	return strings.Join(lines, "\n")
}

// memoryFragments lists recent summaries newest first so the packer keeps
// the freshest material when the budget is tight.
func memoryFragments(mem story.MemoryContext) []Fragment {
	var out []Fragment
	for i := len(mem.Recent) - 1; i >= 0; i-- {
		s := mem.Recent[i]
		text := s.Summary
		if len(s.KeyEvents) > 0 {
			text += "\nKey events: " + strings.Join(s.KeyEvents, "; ")
		}
		out = append(out, Fragment{
			Section: SectionRecent,
			Label:   fmt.Sprintf("Chapter %d", s.Number),
			Text:    text,
			Recency: int64(s.Number),
			Order:   s.Number,
		})
	}
	if mem.Earlier != "" || len(mem.EarlierEvents) > 0 {
		text := mem.Earlier
		if len(mem.EarlierEvents) > 0 {
			text = strings.TrimSpace(text + "\nKey events: " + strings.Join(mem.EarlierEvents, "; "))
		}
		out = append(out, Fragment{Section: SectionEarlier, Label: "Earlier events", Text: text})
	}
	return out
}

func (a *Assembler) threadFragments(req Request) []Fragment {
	var out []Fragment
	for i, t := range req.Memory.OpenThreads {
		label := fmt.Sprintf("Open thread %s (planted ch%d", t.ID, t.PlantedChapter)
		if t.DueChapter > 0 {
			label += fmt.Sprintf(", due ch%d", t.DueChapter)
			if t.DueChapter <= req.Chapter+a.cfg.ThreadLookahead {
				label += ", pay off soon"
			}
		}
		out = append(out, Fragment{Section: SectionThreads, Label: label + ")", Text: t.Description, Order: i})
	}
	return out
}

type retrievalSlot struct {
	section Section
	label   string
	query   retrieval.Query
}

func (a *Assembler) retrieve(ctx context.Context, req Request) ([]Fragment, bool, error) {
	if a.search == nil {
		return nil, false, nil
	}
	text := strings.Join([]string{req.PlotPoint.Title, cmp.Or(req.Scene, req.PlotPoint.Scene), cmp.Or(req.Conflict, req.PlotPoint.Conflict)}, " ")
	if strings.TrimSpace(text) == "" {
		return nil, false, nil
	}

	base := retrieval.Query{Text: text, StoryID: req.StoryID, BranchID: req.BranchID, Scope: store.ScopeStory}
	slots := []retrievalSlot{
		{SectionBible, "Bible", withSource(base, store.SourceBible, nil, a.cfg.BibleTopK)},
		{SectionStyle, "Style reference", withSource(base, store.SourceReference, []string{story.RefStyle}, a.cfg.StyleTopK)},
		{SectionReference, "Reference", withSource(base, store.SourceReference, []string{story.RefTrope, story.RefArchetype, story.RefWorld}, a.cfg.ReferenceTopK)},
	}

	results := make([][]retrieval.Fragment, len(slots))
	failed := make([]error, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range slots {
		if slot.query.TopK <= 0 {
			continue
		}
		g.Go(func() error {
			found, err := a.search.Search(gctx, slot.query)
			results[i], failed[i] = found, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	degraded := false
	var all []Fragment
	for i, slot := range slots {
		if failed[i] != nil {
			degraded = true
			a.logger.Warn("retrieval degraded", "section", slot.label, "story", req.StoryID, "error", failed[i])
		}
		for _, f := range results[i] {
			label := slot.label + ": " + f.Title
			if f.Source == store.SourceBible {
				label = slot.label + ": " + f.Kind + "/" + f.Title
			}
			all = append(all, Fragment{
				Section:    slot.section,
				Label:      label,
				Text:       f.Content,
				Score:      f.Score,
				Recency:    f.Seq,
				Importance: f.Importance,
			})
		}
	}

	slices.SortStableFunc(all, func(x, y Fragment) int {
		return cmp.Or(
			cmp.Compare(y.Score, x.Score),
			cmp.Compare(y.Recency, x.Recency),
			cmp.Compare(y.Importance, x.Importance),
		)
	})
	for i := range all {
		all[i].Order = i
	}
	return all, degraded, nil
}

func withSource(q retrieval.Query, source string, kinds []string, topK int) retrieval.Query {
	q.Source = source
	q.Kinds = kinds
	q.TopK = topK
	return q
}
