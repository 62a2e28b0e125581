// Package ingest loads structured story-world seed files into a store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sagaforge/internal/store"
	"sagaforge/internal/story"
)

type Store interface {
	EnsureSchema(ctx context.Context) error
	CreateStory(ctx context.Context, s story.Story) error
	UpsertBibleEntry(ctx context.Context, e story.BibleEntry) error
	UpsertReference(ctx context.Context, r story.Reference) error
	SeedCharacter(ctx context.Context, c story.CharacterState) error
	UpsertPlotPoint(ctx context.Context, p story.PlotPoint) error
}

type Result struct {
	StoriesCreated int
	BibleEntries   int
	References     int
	Characters     int
	PlotPoints     int
	FilesSkipped   int
	Errors         []error
}

type Options struct {
	Exclude []string
}

// Run loads every .yaml/.yml seed file under paths. Item-level problems are
// collected in Result.Errors and do not stop the run.
func Run(ctx context.Context, db Store, paths []string, options Options) (*Result, error) {
	if err := db.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	files, err := walkSeedFiles(paths, options.Exclude)
	if err != nil {
		return nil, fmt.Errorf("walking seed files: %w", err)
	}

	result := &Result{}
	seen := make(map[string]struct{})
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("reading %s: %w", path, err))
			continue
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		if _, ok := seen[hash]; ok {
			result.FilesSkipped++
			continue
		}
		seen[hash] = struct{}{}

		var seed Seed
		if err := yaml.Unmarshal(data, &seed); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		if strings.TrimSpace(seed.Story.ID) == "" {
			result.FilesSkipped++
			continue
		}
		if err := load(ctx, db, path, &seed, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// load applies one seed. Only context cancellation is returned; everything
// else is recorded on the result.
func load(ctx context.Context, db Store, path string, seed *Seed, result *Result) error {
	storyID := seed.Story.ID
	record := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Errorf("%s: "+format, append([]any{path}, args...)...))
	}

	if seed.Story.Title != "" {
		err := db.CreateStory(ctx, story.Story{
			ID:       storyID,
			Title:    seed.Story.Title,
			Genre:    seed.Story.Genre,
			Synopsis: seed.Story.Synopsis,
		})
		switch {
		case err == nil:
			result.StoriesCreated++
		case errors.Is(err, store.ErrStoryExists):
		default:
			record("creating story %s: %w", storyID, err)
			return ctx.Err()
		}
	}

	for _, b := range seed.Bible {
		e, err := b.entry(storyID)
		if err == nil {
			err = db.UpsertBibleEntry(ctx, e)
		}
		if err != nil {
			record("bible %s/%s: %w", b.Category, b.Key, err)
			continue
		}
		result.BibleEntries++
	}

	for _, r := range seed.References {
		ref, err := r.reference(storyID)
		if err == nil {
			err = db.UpsertReference(ctx, ref)
		}
		if err != nil {
			record("reference %s: %w", r.Title, err)
			continue
		}
		result.References++
	}

	for _, c := range seed.Characters {
		cs, err := c.state(storyID)
		if err == nil {
			err = db.SeedCharacter(ctx, cs)
		}
		if err != nil {
			record("character %s: %w", c.Name, err)
			continue
		}
		result.Characters++
	}

	for _, p := range seed.Outline {
		point, err := p.point(storyID)
		if err == nil {
			err = db.UpsertPlotPoint(ctx, point)
		}
		if err != nil {
			record("outline chapter %d: %w", p.Chapter, err)
			continue
		}
		result.PlotPoints++
	}
	return ctx.Err()
}

func walkSeedFiles(roots []string, excludes []string) ([]string, error) {
	excluded := make([]string, 0, len(excludes))
	for _, path := range excludes {
		if path == "" {
			continue
		}
		excluded = append(excluded, filepath.Clean(path))
	}

	var files []string
	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && isExcluded(path, excluded) {
				return filepath.SkipDir
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(d.Name()))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			if isExcluded(path, excluded) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func isExcluded(path string, excludes []string) bool {
	clean := filepath.Clean(path)
	for _, exclude := range excludes {
		if exclude == clean || strings.HasPrefix(clean, exclude+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}
