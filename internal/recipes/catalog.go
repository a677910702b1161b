// Package recipes loads the recipe catalog from YAML and syncs it into the store.
package recipes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/models"
)

// Upserter persists catalog entries.
type Upserter interface {
	UpsertRecipe(ctx context.Context, r models.Recipe) error
}

type catalogFile struct {
	Recipes []models.Recipe `yaml:"recipes"`
}

// Load reads and validates a catalog file.
func Load(path string) ([]models.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document. Missing status means active and missing
// version means 1.
func Parse(data []byte) ([]models.Recipe, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Recipes))
	var errs []error
	for i := range f.Recipes {
		r := &f.Recipes[i]
		if r.Status == "" {
			r.Status = models.StatusActive
		}
		if r.Version == 0 {
			r.Version = 1
		}
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("recipe %d: id is required", i))
			continue
		case r.Slug == "":
			errs = append(errs, fmt.Errorf("recipe %s: slug is required", r.ID))
			continue
		case r.Name == "":
			errs = append(errs, fmt.Errorf("recipe %s: name is required", r.ID))
		case r.AgentType == "":
			errs = append(errs, fmt.Errorf("recipe %s: agent_type is required", r.ID))
		}
		if r.Status != models.StatusActive && r.Status != models.StatusInactive {
			errs = append(errs, fmt.Errorf("recipe %s: unknown status %q", r.ID, r.Status))
		}
		key := fmt.Sprintf("%s@%d", r.Slug, r.Version)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("recipe %s: duplicate slug %s version %d", r.ID, r.Slug, r.Version))
		}
		seen[key] = struct{}{}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.Recipes, nil
}

// Sync loads path and upserts every recipe. It returns how many were written.
func Sync(ctx context.Context, path string, up Upserter) (int, error) {
	list, err := Load(path)
	if err != nil {
		return 0, err
	}
	for i, r := range list {
		if err := up.UpsertRecipe(ctx, r); err != nil {
			return i, fmt.Errorf("upsert %s: %w", r.Slug, err)
		}
	}
	return len(list), nil
}

// Watch syncs path once, then again on every write until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, path string, up Upserter, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	n, err := Sync(ctx, path, up)
	if err != nil {
		return err
	}
	log.Info("recipe catalog synced", logger.F("path", path), logger.F("recipes", n))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			n, err := Sync(ctx, path, up)
			if err != nil {
				log.Error("recipe catalog sync failed", err, logger.F("path", path))
				continue
			}
			log.Info("recipe catalog synced", logger.F("path", path), logger.F("recipes", n), logger.F("op", event.Op.String()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("fsnotify error", err)
		}
	}
}
