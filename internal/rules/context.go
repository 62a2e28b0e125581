package rules

import (
	"slices"

	"sagaforge/internal/config"
	"sagaforge/internal/story"
)

// Context is the per-cycle enforcement record: the anchors and scene
// constraint in force, and every finding raised across drafts.
type Context struct {
	Anchors   map[string][]string
	SceneType story.SceneType
	Scene     *config.SceneConstraint
	Findings  []Finding
}

func (p *Policy) NewContext(sceneType story.SceneType) *Context {
	c := &Context{Anchors: p.Anchors(), SceneType: sceneType}
	if sc, ok := p.Scene(sceneType); ok {
		c.Scene = &sc
	}
	return c
}

func (c *Context) Record(findings ...Finding) {
	c.Findings = append(c.Findings, findings...)
}

// Blocking returns the recorded findings that force a revision.
func (c *Context) Blocking() []Finding {
	var out []Finding
	for _, f := range c.Findings {
		if f.Severity == config.SeverityCritical || f.Kind == KindAnchor {
			out = append(out, f)
		}
	}
	return slices.Clip(out)
}
