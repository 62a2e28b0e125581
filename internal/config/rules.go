package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor:
		return true
	}
	return false
}

type Rules struct {
	Version          int               `yaml:"version"`
	DefaultForbidden []string          `yaml:"default_forbidden"`
	Scenes           []SceneConstraint `yaml:"scenes"`
	WorldFacts       []WorldFact       `yaml:"world_facts"`

	sceneIndex map[string]*SceneConstraint
}

type SceneConstraint struct {
	Type              string   `yaml:"type"`
	MaxSentenceWords  int      `yaml:"max_sentence_words"`
	MinDialogueRatio  float64  `yaml:"min_dialogue_ratio"`
	MaxDialogueRatio  float64  `yaml:"max_dialogue_ratio"`
	PreferredStyle    string   `yaml:"preferred_style"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// WorldFact is a hard fact about the setting. A draft containing any of the
// forbidden terms contradicts it.
type WorldFact struct {
	Key            string   `yaml:"key"`
	Statement      string   `yaml:"statement"`
	ForbiddenTerms []string `yaml:"forbidden_terms"`
	Severity       Severity `yaml:"severity"`
}

func DefaultRules() *Rules {
	r := &Rules{
		Version: 1,
		DefaultForbidden: []string{
			"sudden personality reversal",
			"acts against core motivation",
			"inexplicably foolish behavior",
		},
		Scenes: []SceneConstraint{
			{Type: "action", MaxSentenceWords: 20, PreferredStyle: "short clauses driven by verbs"},
			{Type: "emotional", PreferredStyle: "interior perspective and psychological detail"},
			{Type: "dialogue", MinDialogueRatio: 0.6, PreferredStyle: "lines that match each speaker's voice"},
		},
	}
	r.index()
	return r
}

// LoadRules reads a rules file. A missing file yields the built-in defaults.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	if err := validateRules(&rules); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	rules.index()
	return &rules, nil
}

func (r *Rules) index() {
	r.sceneIndex = make(map[string]*SceneConstraint, len(r.Scenes))
	for i := range r.Scenes {
		scene := &r.Scenes[i]
		r.sceneIndex[strings.ToLower(scene.Type)] = scene
	}
}

func validateRules(r *Rules) error {
	if r.Version != 1 {
		return fmt.Errorf("unsupported version: %d", r.Version)
	}

	seen := make(map[string]struct{})
	for i, scene := range r.Scenes {
		if strings.TrimSpace(scene.Type) == "" {
			return fmt.Errorf("scene %d type is required", i)
		}
		key := strings.ToLower(scene.Type)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate scene type: %s", scene.Type)
		}
		seen[key] = struct{}{}
		if scene.MaxSentenceWords < 0 {
			return fmt.Errorf("scene %s max_sentence_words must not be negative", scene.Type)
		}
		if scene.MinDialogueRatio < 0 || scene.MinDialogueRatio > 1 {
			return fmt.Errorf("scene %s min_dialogue_ratio must be within [0,1]", scene.Type)
		}
		if scene.MaxDialogueRatio < 0 || scene.MaxDialogueRatio > 1 {
			return fmt.Errorf("scene %s max_dialogue_ratio must be within [0,1]", scene.Type)
		}
		if scene.MaxDialogueRatio > 0 && scene.MaxDialogueRatio < scene.MinDialogueRatio {
			return fmt.Errorf("scene %s max_dialogue_ratio is below min_dialogue_ratio", scene.Type)
		}
	}

	facts := make(map[string]struct{})
	for i, fact := range r.WorldFacts {
		if strings.TrimSpace(fact.Key) == "" {
			return fmt.Errorf("world fact %d key is required", i)
		}
		key := strings.ToLower(fact.Key)
		if _, exists := facts[key]; exists {
			return fmt.Errorf("duplicate world fact: %s", fact.Key)
		}
		facts[key] = struct{}{}
		if len(fact.ForbiddenTerms) == 0 {
			return fmt.Errorf("world fact %s has no forbidden terms", fact.Key)
		}
		if !fact.Severity.Valid() {
			return fmt.Errorf("world fact %s has unknown severity %q", fact.Key, fact.Severity)
		}
	}

	return nil
}

func (r *Rules) Scene(sceneType string) (*SceneConstraint, bool) {
	if r == nil {
		return nil, false
	}
	scene, ok := r.sceneIndex[strings.ToLower(sceneType)]
	return scene, ok
}
