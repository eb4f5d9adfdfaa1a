// Package jobs builds submitted job documents into persisted job trees and
// carries out the lifecycle operations on existing jobs.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/jobxml"
	"github.com/shawnpdoherty/beaker/internal/logstore"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/requires"
	"github.com/shawnpdoherty/beaker/internal/store"
	"github.com/shawnpdoherty/beaker/internal/telemetry"
)

// Dispatcher hands committed recipe sets to the external scheduler.
type Dispatcher interface {
	Enqueue(ctx context.Context, recipeSetID int64, p models.Priority) error
	Requeue(ctx context.Context, recipeSetID int64, p models.Priority) error
	Remove(ctx context.Context, recipeSetID int64) error
}

// Service runs job operations. Each call is one unit of work against the
// store; the dispatcher and the log store are only touched after commit.
type Service struct {
	store store.Store
	eval  *requires.Evaluator
	queue Dispatcher
	logs  logstore.Store
	log   logr.Logger
	now   func() time.Time
}

// NewService wires a job service. q and logs may be nil.
func NewService(st store.Store, eval *requires.Evaluator, q Dispatcher, logs logstore.Store, log logr.Logger) *Service {
	return &Service{
		store: st,
		eval:  eval,
		queue: q,
		logs:  logs,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Submit parses body and persists the whole job tree, or nothing.
func (s *Service) Submit(ctx context.Context, actor models.Actor, body []byte, ignoreMissing bool) (job models.Job, err error) {
	ctx, span := telemetry.StartSpan(ctx, "jobs.Submit",
		attribute.String("user", actor.User.UserName), attribute.Bool("ignore_missing_tasks", ignoreMissing))
	defer func() {
		if err != nil {
			telemetry.SubmitFailures.Inc()
		}
		telemetry.EndSpan(span, err)
	}()

	doc, err := jobxml.Parse(body)
	if err != nil {
		return models.Job{}, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Job{}, err
	}
	defer tx.Rollback(ctx)

	b := &builder{
		tx:            tx,
		eval:          s.eval,
		ignoreMissing: ignoreMissing,
		now:           s.now(),
	}
	built, err := b.buildJob(ctx, doc, actor.User)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.CreateJob(ctx, built); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit job: %w", err)
	}

	telemetry.JobsSubmitted.Inc()
	telemetry.RecipesSubmitted.Add(float64(len(built.AllRecipes())))
	s.log.Info("job submitted", "job", built.TID(), "user", actor.User.UserName, "owner", built.Owner, "ttasks", built.TTasks)
	s.afterSubmit(ctx, *built, body)
	return *built, nil
}

// afterSubmit queues the recipe sets and archives the submitted document.
// Failures are logged; the job itself is already durable.
func (s *Service) afterSubmit(ctx context.Context, job models.Job, body []byte) {
	if s.queue != nil {
		for _, rs := range job.RecipeSets {
			if err := s.queue.Enqueue(ctx, rs.ID, rs.Priority); err != nil {
				s.log.Error(err, "enqueue recipe set", "job", job.TID(), "recipeset", rs.TID())
			}
		}
	}
	if s.logs != nil {
		if _, err := s.logs.Put(ctx, logstore.JobXMLKey(job.ID), body, "application/xml"); err != nil {
			s.log.Error(err, "archive job xml", "job", job.TID())
		}
	}
}

// Get loads a job by id.
func (s *Service) Get(ctx context.Context, id int64) (models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Job{}, err
	}
	defer tx.Rollback(ctx)
	return tx.GetJob(ctx, id)
}

// GetRecipeSet loads a single recipe set.
func (s *Service) GetRecipeSet(ctx context.Context, id int64) (models.RecipeSet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.RecipeSet{}, err
	}
	defer tx.Rollback(ctx)
	_, sets, err := recipeSetsFor(ctx, tx, models.FormatTaskID(models.KindRecipeSet, id))
	if err != nil {
		return models.RecipeSet{}, err
	}
	return sets[0], nil
}

// ToXML renders a job (J:) or a single recipe set (RS:) as a document that
// Submit accepts.
func (s *Service) ToXML(ctx context.Context, tid string) ([]byte, error) {
	kind, id, err := models.ParseTaskID(tid)
	if err != nil {
		return nil, errs.Validation("%s", err)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doc *jobxml.Job
	switch kind {
	case models.KindJob:
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		doc, err = jobxml.FromJob(job)
		if err != nil {
			return nil, err
		}
	case models.KindRecipeSet:
		job, err := tx.JobForRecipeSet(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rs := range job.RecipeSets {
			if rs.ID == id {
				doc, err = jobxml.FromRecipeSet(job, rs)
				if err != nil {
					return nil, err
				}
			}
		}
	default:
		return nil, errs.Validation("Cannot clone %s, only jobs and recipe sets can be cloned", tid)
	}
	return jobxml.Marshal(doc)
}

// Clone resubmits the document of an existing job or recipe set as actor.
func (s *Service) Clone(ctx context.Context, actor models.Actor, tid string, ignoreMissing bool) (models.Job, error) {
	body, err := s.ToXML(ctx, tid)
	if err != nil {
		return models.Job{}, err
	}
	return s.Submit(ctx, actor, body, ignoreMissing)
}
