// Package rules turns durable policy data into generation-time constraints
// and audit-time findings. Findings are advisory: the review step folds them
// into its verdict.
package rules

import (
	"fmt"
	"slices"
	"strings"

	"sagaforge/internal/config"
	"sagaforge/internal/story"
)

type Kind string

const (
	KindAnchor Kind = "anchor"
	KindScene  Kind = "scene"
	KindValue  Kind = "value"
	KindWorld  Kind = "world"

	// KindCircuitBreaker marks a draft accepted because the revision limit
	// was reached.
	KindCircuitBreaker Kind = "circuit_breaker"
)

type Finding struct {
	Kind      Kind
	Severity  config.Severity
	Character string
	Rule      string
	Detail    string
}

func (f Finding) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s]", f.Kind, f.Severity)
	if f.Character != "" {
		fmt.Fprintf(&b, " %s:", f.Character)
	}
	fmt.Fprintf(&b, " %s", f.Rule)
	if f.Detail != "" {
		fmt.Fprintf(&b, " (%s)", f.Detail)
	}
	return b.String()
}

// Bible categories whose entries are enforced as world facts. The entry key
// is the forbidden term.
const (
	CategoryRule  = "rule"
	CategoryTaboo = "taboo"
)

type anchor struct {
	name      string
	normName  string
	forbidden []string
	values    map[string][]string
}

// Policy is the rule set for one cycle. It is built once from configuration,
// character snapshots and the story bible, and never changes afterwards.
type Policy struct {
	scenes     map[story.SceneType]config.SceneConstraint
	characters []anchor
	facts      []config.WorldFact
}

func NewPolicy(rules *config.Rules, characters []story.CharacterState, bible []story.BibleEntry) *Policy {
	if rules == nil {
		rules = config.DefaultRules()
	}
	p := &Policy{scenes: make(map[story.SceneType]config.SceneConstraint)}

	for _, sc := range rules.Scenes {
		sc.ForbiddenPatterns = slices.Clone(sc.ForbiddenPatterns)
		p.scenes[story.ParseSceneType(sc.Type)] = sc
	}

	for _, c := range characters {
		a := anchor{
			name:     c.Name,
			normName: Normalize(c.Name),
			values:   make(map[string][]string),
		}
		seen := make(map[string]struct{})
		for _, f := range slices.Concat(c.ForbiddenActions, rules.DefaultForbidden) {
			key := Normalize(f)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			a.forbidden = append(a.forbidden, f)
		}
		for name, v := range c.Values {
			if len(v.ViolationConditions) > 0 {
				a.values[name] = slices.Clone(v.ViolationConditions)
			}
		}
		p.characters = append(p.characters, a)
	}
	slices.SortFunc(p.characters, func(a, b anchor) int { return strings.Compare(a.name, b.name) })

	for _, f := range rules.WorldFacts {
		f.ForbiddenTerms = slices.Clone(f.ForbiddenTerms)
		p.facts = append(p.facts, f)
	}
	for _, e := range bible {
		var sev config.Severity
		switch strings.ToLower(e.Category) {
		case CategoryRule:
			sev = config.SeverityCritical
		case CategoryTaboo:
			sev = config.SeverityMajor
		default:
			continue
		}
		p.facts = append(p.facts, config.WorldFact{
			Key:            e.Category + "/" + e.Key,
			Statement:      e.Content,
			ForbiddenTerms: []string{e.Key},
			Severity:       sev,
		})
	}
	return p
}

// Anchors returns each character's forbidden actions, keyed by name.
func (p *Policy) Anchors() map[string][]string {
	out := make(map[string][]string, len(p.characters))
	for _, a := range p.characters {
		out[a.name] = slices.Clone(a.forbidden)
	}
	return out
}

func (p *Policy) Scene(t story.SceneType) (config.SceneConstraint, bool) {
	sc, ok := p.scenes[t]
	return sc, ok
}

// Constraints renders the policy as a text block for the write prompt.
func (p *Policy) Constraints(sceneType story.SceneType) string {
	var b strings.Builder
	if len(p.characters) > 0 {
		b.WriteString("Character anchors (never write these behaviours):\n")
		for _, a := range p.characters {
			if len(a.forbidden) == 0 {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", a.name, strings.Join(a.forbidden, "; "))
		}
	}
	if sc, ok := p.scenes[sceneType]; ok {
		fmt.Fprintf(&b, "Scene type %s:\n", sceneType)
		if sc.MaxSentenceWords > 0 {
			fmt.Fprintf(&b, "- keep every sentence under %d words\n", sc.MaxSentenceWords)
		}
		if sc.MinDialogueRatio > 0 {
			fmt.Fprintf(&b, "- at least %.0f%% of the text is dialogue\n", sc.MinDialogueRatio*100)
		}
		if sc.MaxDialogueRatio > 0 {
			fmt.Fprintf(&b, "- at most %.0f%% of the text is dialogue\n", sc.MaxDialogueRatio*100)
		}
		if sc.PreferredStyle != "" {
			fmt.Fprintf(&b, "- style: %s\n", sc.PreferredStyle)
		}
		for _, pat := range sc.ForbiddenPatterns {
			fmt.Fprintf(&b, "- avoid: %s\n", pat)
		}
	}
	if len(p.facts) > 0 {
		b.WriteString("World facts:\n")
		for _, f := range p.facts {
			statement := f.Statement
			if statement == "" {
				statement = "never mention " + strings.Join(f.ForbiddenTerms, ", ")
			}
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, statement)
		}
	}
	return strings.TrimSpace(b.String())
}
