// Package store persists jobs, the reference registries they resolve
// against, and the systems they run on. Every read and write goes through a
// Tx so that authorization checks, mutations and activity rows share one
// unit of work.
package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// Store opens units of work. Implementations: Postgres and Memory.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Seed(ctx context.Context, seed config.Seed) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is a unit of work. Callers must Commit or Rollback; Rollback after
// Commit is a no-op.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Registry
	Jobs
	Systems
	Activities
}

// Registry looks reference data up by unique key. Missing rows come back
// as errs.ErrNotFound.
type Registry interface {
	UserByName(ctx context.Context, name string) (models.User, error)
	GroupByName(ctx context.Context, name string) (models.Group, error)
	RetentionTagByName(ctx context.Context, tag string) (models.RetentionTag, error)
	DefaultRetentionTag(ctx context.Context) (models.RetentionTag, error)
	RetentionTags(ctx context.Context) ([]models.RetentionTag, error)
	ProductByName(ctx context.Context, name string) (models.Product, error)
	TaskByName(ctx context.Context, name string) (models.Task, error)
	// EnsurePackage returns the registry entry for name, creating it when
	// missing. The new row belongs to the caller's transaction.
	EnsurePackage(ctx context.Context, name string) (models.Package, error)
	// DistroTrees returns every tree in SortDistroTrees order.
	DistroTrees(ctx context.Context) ([]models.DistroTree, error)
}

type Jobs interface {
	// CreateJob inserts the whole tree and assigns ids to every node.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (models.Job, error)
	JobForRecipeSet(ctx context.Context, recipeSetID int64) (models.Job, error)
	// UpdateJobHeader writes whiteboard, retention tag, product and the
	// deletion markers.
	UpdateJobHeader(ctx context.Context, job models.Job) error
	// UpdateJobStatus moves a job from one status to another, cascading to
	// every unfinished recipe set, recipe and task. It fails with
	// errs.ErrStale when the stored status is no longer from.
	UpdateJobStatus(ctx context.Context, id int64, from, to string, at time.Time) error
	SetRecipeSetPriority(ctx context.Context, recipeSetID int64, p models.Priority) error
	SetRecipeSetResponse(ctx context.Context, recipeSetID int64, response, comment string) error
	FilterJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	// JobsToPurge lists jobs marked for deletion whose artifacts are still
	// present, oldest mark first. Jobs in skip are left out.
	JobsToPurge(ctx context.Context, limit int, skip []int64) ([]models.Job, error)
	MarkJobPurged(ctx context.Context, id int64, at time.Time) error
}

type Systems interface {
	SystemByFQDN(ctx context.Context, fqdn string) (models.System, error)
	Systems(ctx context.Context) ([]models.System, error)
	// UpdateSystem writes the editable columns: fqdn, status, status
	// reason, location, active policy and loan.
	UpdateSystem(ctx context.Context, sys models.System) error
	PoolByName(ctx context.Context, name string) (models.SystemPool, error)
	PoolByPolicy(ctx context.Context, policyID int64) (models.SystemPool, error)
	AccessPolicy(ctx context.Context, id int64) (models.AccessPolicy, error)
	// ActiveReservation returns the open reservation of a system, if any.
	ActiveReservation(ctx context.Context, systemID int64) (models.Reservation, bool, error)
	// CreateReservation fails with errs.ErrConflict when the system already
	// has an open reservation.
	CreateReservation(ctx context.Context, r *models.Reservation) error
	FinishReservation(ctx context.Context, id int64, at time.Time) error
}

type Activities interface {
	RecordActivity(ctx context.Context, a *models.Activity) error
	Activities(ctx context.Context, kind string, objectID int64) ([]models.Activity, error)
}

// JobFilter selects jobs for listing and bulk deletion. Zero fields do not
// constrain.
type JobFilter struct {
	MinID          int64
	MaxID          int64
	Tags           []string
	CompleteDays   int
	Family         string
	Product        string
	Owners         []string
	Whiteboard     string
	IncludeDeleted bool
	Limit          int
}

// Match applies the filter to a loaded job.
func (f JobFilter) Match(j models.Job, now time.Time) bool {
	if !f.IncludeDeleted && j.CountsAsDeleted() {
		return false
	}
	if f.MinID > 0 && j.ID < f.MinID {
		return false
	}
	if f.MaxID > 0 && j.ID > f.MaxID {
		return false
	}
	if len(f.Tags) > 0 && !slices.Contains(f.Tags, j.RetentionTag) {
		return false
	}
	if f.CompleteDays > 0 {
		if j.FinishedAt == nil || j.FinishedAt.After(now.AddDate(0, 0, -f.CompleteDays)) {
			return false
		}
	}
	if f.Product != "" && j.Product != f.Product {
		return false
	}
	if len(f.Owners) > 0 && !slices.Contains(f.Owners, j.Owner) {
		return false
	}
	if f.Whiteboard != "" && !strings.Contains(j.Whiteboard, f.Whiteboard) {
		return false
	}
	if f.Family != "" && !slices.ContainsFunc(j.AllRecipes(), func(r models.Recipe) bool {
		return r.DistroTree.OSMajor == f.Family
	}) {
		return false
	}
	return true
}

// cascadeStatus applies a terminal status to every unfinished node of j.
func cascadeStatus(j *models.Job, to string, at time.Time) {
	j.Status = to
	if models.IsFinished(to) {
		j.FinishedAt = &at
	}
	for i := range j.RecipeSets {
		rs := &j.RecipeSets[i]
		if !models.IsFinished(rs.Status) {
			rs.Status = to
		}
		for k := range rs.Recipes {
			r := &rs.Recipes[k]
			if !models.IsFinished(r.Status) {
				r.Status = to
			}
			for t := range r.Tasks {
				if !models.IsFinished(r.Tasks[t].Status) {
					r.Tasks[t].Status = to
				}
			}
		}
	}
}

// Open connects the backend named by cfg.StoreBackend ("postgres" or
// "memory"), migrates it, and loads cfg.SeedFile when set.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	var st Store
	switch cfg.StoreBackend {
	case "memory":
		st = NewMemory()
	case "postgres", "":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		st = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := st.Seed(ctx, seed); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}
	return st, nil
}
