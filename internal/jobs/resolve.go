package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/jobxml"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
)

// ResolvePackages registers every name in the submission's transaction and
// returns the distinct names in first-seen order. New registry rows commit
// or roll back with the job.
func ResolvePackages(ctx context.Context, reg store.Registry, names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		p, err := reg.EnsurePackage(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("register package %s: %w", name, err)
		}
		out = append(out, p.Name)
	}
	return out, nil
}

// ResolveTasks turns the tasks of a recipe into recipe tasks. Tasks with a
// fetch location are taken as they are; named tasks must exist in the
// registry and still be valid. Every unresolved name is collected; unless
// ignoreMissing is set they fail the recipe together.
func ResolveTasks(ctx context.Context, reg store.Registry, tasks []jobxml.Task, ignoreMissing bool) ([]models.RecipeTask, error) {
	var (
		out     []models.RecipeTask
		invalid errs.TaskErrors
	)
	for _, xt := range tasks {
		rt := models.RecipeTask{Name: xt.Name, Role: xt.Role, Status: models.StatusNew}
		if xt.Fetch != nil {
			rt.FetchURL = xt.Fetch.URL
			rt.FetchSubdir = xt.Fetch.Subdir
			if rt.Name == "" {
				rt.Name = xt.Fetch.URL
			}
		} else {
			task, err := reg.TaskByName(ctx, xt.Name)
			switch {
			case errors.Is(err, errs.ErrNotFound):
				invalid.Add(xt.Name)
				continue
			case err != nil:
				return nil, err
			case !task.Valid:
				invalid.Add(xt.Name)
				continue
			}
			id := task.ID
			rt.TaskID = &id
		}
		for _, p := range xt.Params.List() {
			rt.Params = append(rt.Params, models.TaskParam{Name: p.Name, Value: p.Value})
		}
		out = append(out, rt)
	}
	if invalid.HasErrors() && !ignoreMissing {
		return nil, &invalid
	}
	return out, nil
}
