package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
	"github.com/shawnpdoherty/beaker/internal/telemetry"
)

// StopAction is a terminal transition a caller may request for a job.
type StopAction int

const (
	StopCancel StopAction = iota
	StopAbort
)

func (a StopAction) String() string {
	switch a {
	case StopCancel:
		return "cancel"
	case StopAbort:
		return "abort"
	}
	return fmt.Sprintf("StopAction(%d)", int(a))
}

func ParseStopAction(s string) (StopAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancel":
		return StopCancel, nil
	case "abort":
		return StopAbort, nil
	}
	return 0, errs.Validation("Invalid stop_type: %s, must be one of cancel, abort", s)
}

type stopHandler func(ctx context.Context, tx store.Tx, job models.Job, at time.Time) (string, error)

var stopHandlers = map[StopAction]stopHandler{
	StopCancel: cancelJob,
	StopAbort:  abortJob,
}

func cancelJob(ctx context.Context, tx store.Tx, job models.Job, at time.Time) (string, error) {
	return models.StatusCancelled, tx.UpdateJobStatus(ctx, job.ID, job.Status, models.StatusCancelled, at)
}

func abortJob(ctx context.Context, tx store.Tx, job models.Job, at time.Time) (string, error) {
	return models.StatusAborted, tx.UpdateJobStatus(ctx, job.ID, job.Status, models.StatusAborted, at)
}

// record writes a job or recipe set activity row inside tx.
func (s *Service) record(ctx context.Context, tx store.Tx, actor models.Actor, kind string, id int64, field, action, from, to string) error {
	return tx.RecordActivity(ctx, &models.Activity{
		ObjectKind: kind,
		ObjectID:   id,
		User:       actor.User.UserName,
		Service:    actor.Service,
		Field:      field,
		Action:     action,
		OldValue:   from,
		NewValue:   to,
		CreatedAt:  s.now(),
	})
}

// Stop moves an unfinished job, and everything under it, to Cancelled or
// Aborted. A concurrent status change makes it fail with a stale error the
// caller should retry.
func (s *Service) Stop(ctx context.Context, actor models.Actor, jobID int64, action StopAction, msg string) (models.Job, error) {
	handler, ok := stopHandlers[action]
	if !ok {
		return models.Job{}, errs.Validation("Invalid stop_type: %s", action)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !access.CanAdministerJob(actor.User, job) {
		return models.Job{}, errs.Permission("You don't have permission to %s job id %d", action, jobID)
	}
	if models.IsFinished(job.Status) {
		return models.Job{}, errs.Validation("Job %s is already %s", job.TID(), job.Status)
	}

	status, err := handler(ctx, tx, job, s.now())
	if errors.Is(err, errs.ErrStale) {
		return models.Job{}, errs.Stale("Could not %s job id %d. Please try later", action, jobID)
	}
	if err != nil {
		return models.Job{}, err
	}
	if err := s.record(ctx, tx, actor, models.ObjectJob, job.ID, "Status", status, "", msg); err != nil {
		return models.Job{}, err
	}
	stopped, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit %s: %w", action, err)
	}

	telemetry.JobsCancelled.Inc()
	s.log.Info("job stopped", "job", job.TID(), "user", actor.User.UserName, "status", status)
	if s.queue != nil {
		for _, rs := range stopped.RecipeSets {
			if err := s.queue.Remove(ctx, rs.ID); err != nil {
				s.log.Error(err, "remove recipe set from queue", "recipeset", rs.TID())
			}
		}
	}
	return stopped, nil
}

// Delete marks finished jobs for deletion. Every t_id must name a job the
// caller may delete, otherwise nothing is marked. Jobs already marked are
// skipped.
func (s *Service) Delete(ctx context.Context, actor models.Actor, tids []string) ([]string, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var deleted []string
	now := s.now()
	for _, tid := range tids {
		kind, id, err := models.ParseTaskID(tid)
		if err != nil || kind != models.KindJob {
			return nil, errs.Validation("Incorrect task type passed %s", tid)
		}
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !access.CanDeleteJob(actor.User, job) {
			return nil, errs.Permission("You don't have permission to delete job %s", tid)
		}
		if job.CountsAsDeleted() {
			continue
		}
		job.ToDelete = &now
		if err := tx.UpdateJobHeader(ctx, job); err != nil {
			return nil, err
		}
		deleted = append(deleted, job.TID())
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	s.log.Info("jobs marked for deletion", "user", actor.User.UserName, "jobs", deleted)
	return deleted, nil
}

// DeleteMatching marks the caller's own finished jobs matching f for
// deletion. Owners in f are replaced by the caller, admins included. With
// dryrun set the matches are reported and nothing is kept.
func (s *Service) DeleteMatching(ctx context.Context, actor models.Actor, f store.JobFilter, dryrun bool) ([]string, error) {
	if actor.User.UserName == "" {
		return nil, errs.Permission("You should be authenticated to delete jobs")
	}
	f.Owners = []string{actor.User.UserName}
	f.IncludeDeleted = false

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	jobs, err := tx.FilterJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	var deleted []string
	now := s.now()
	for _, job := range jobs {
		if !access.CanDeleteJob(actor.User, job) {
			continue
		}
		job.ToDelete = &now
		if err := tx.UpdateJobHeader(ctx, job); err != nil {
			return nil, err
		}
		deleted = append(deleted, job.TID())
	}
	if dryrun {
		return deleted, tx.Rollback(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return deleted, nil
}

// Filter lists jobs newest first. mine adds the caller to the owners.
func (s *Service) Filter(ctx context.Context, actor models.Actor, f store.JobFilter, mine bool) ([]models.Job, error) {
	if mine {
		if actor.User.UserName == "" {
			return nil, errs.Permission("You should be authenticated to use the --mine filter.")
		}
		if !slices.Contains(f.Owners, actor.User.UserName) {
			f.Owners = append(f.Owners, actor.User.UserName)
		}
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return tx.FilterJobs(ctx, f)
}

// JobPatch carries the editable job fields. Nil fields are left alone; an
// empty product clears it.
type JobPatch struct {
	Whiteboard   *string `json:"whiteboard,omitempty"`
	RetentionTag *string `json:"retention_tag,omitempty"`
	Product      *string `json:"product,omitempty"`
}

func (p JobPatch) empty() bool {
	return p.Whiteboard == nil && p.RetentionTag == nil && p.Product == nil
}

// UpdateJob applies patch. A retention tag or product change re-runs the
// pairing rule against the resulting combination.
func (s *Service) UpdateJob(ctx context.Context, actor models.Actor, jobID int64, patch JobPatch) (models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !access.CanAdministerJob(actor.User, job) {
		return models.Job{}, errs.Permission("You don't have permission to update job id %d", jobID)
	}

	changed := false
	if patch.RetentionTag != nil || patch.Product != nil {
		tag, product := job.RetentionTag, job.Product
		if patch.RetentionTag != nil {
			tag = *patch.RetentionTag
		}
		if patch.Product != nil {
			product = *patch.Product
		}
		rt, resolved, err := ResolveTagProduct(ctx, tx, tag, product)
		if err != nil {
			return models.Job{}, err
		}
		if rt.Tag != job.RetentionTag {
			if err := s.record(ctx, tx, actor, models.ObjectJob, job.ID, "Retention Tag", "Changed", job.RetentionTag, rt.Tag); err != nil {
				return models.Job{}, err
			}
			job.RetentionTag = rt.Tag
			changed = true
		}
		if resolved != job.Product {
			if err := s.record(ctx, tx, actor, models.ObjectJob, job.ID, "Product", "Changed", job.Product, resolved); err != nil {
				return models.Job{}, err
			}
			job.Product = resolved
			changed = true
		}
	}
	if patch.Whiteboard != nil && *patch.Whiteboard != job.Whiteboard {
		if err := s.record(ctx, tx, actor, models.ObjectJob, job.ID, "Whiteboard", "Changed", job.Whiteboard, *patch.Whiteboard); err != nil {
			return models.Job{}, err
		}
		job.Whiteboard = *patch.Whiteboard
		changed = true
	}
	if !changed {
		return job, nil
	}
	if err := tx.UpdateJobHeader(ctx, job); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

// SetRetentionProduct changes the retention tag, the product, or both. A
// nil argument keeps the current value; an empty product clears it.
func (s *Service) SetRetentionProduct(ctx context.Context, actor models.Actor, tid string, tag, product *string) (models.Job, error) {
	if tag == nil && product == nil {
		return models.Job{}, errs.Validation("Nothing to do")
	}
	kind, id, err := models.ParseTaskID(tid)
	if err != nil || kind != models.KindJob {
		return models.Job{}, errs.Validation("Incorrect task type passed %s", tid)
	}
	return s.UpdateJob(ctx, actor, id, JobPatch{RetentionTag: tag, Product: product})
}

// recipeSetsFor resolves a J: or RS: t_id to the job and the recipe sets it
// names.
func recipeSetsFor(ctx context.Context, tx store.Tx, tid string) (models.Job, []models.RecipeSet, error) {
	kind, id, err := models.ParseTaskID(tid)
	if err != nil {
		return models.Job{}, nil, errs.Validation("%s", err)
	}
	switch kind {
	case models.KindJob:
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, nil, err
		}
		return job, job.RecipeSets, nil
	case models.KindRecipeSet:
		job, err := tx.JobForRecipeSet(ctx, id)
		if err != nil {
			return models.Job{}, nil, err
		}
		for _, rs := range job.RecipeSets {
			if rs.ID == id {
				return job, []models.RecipeSet{rs}, nil
			}
		}
		return models.Job{}, nil, errs.NotFound("recipe set %s not found", tid)
	}
	return models.Job{}, nil, errs.Validation("Incorrect task type passed %s", tid)
}

// SetResponse acks or naks a recipe set, or every recipe set of a job.
func (s *Service) SetResponse(ctx context.Context, actor models.Actor, tid, response string) error {
	response = strings.ToLower(strings.TrimSpace(response))
	if response != models.ResponseAck && response != models.ResponseNak {
		return errs.Validation("Invalid response %s, must be one of ack, nak", response)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, sets, err := recipeSetsFor(ctx, tx, tid)
	if err != nil {
		return err
	}
	if !access.CanAdministerJob(actor.User, job) {
		return errs.Permission("No permission to modify %s", tid)
	}
	for _, rs := range sets {
		if rs.Response == response {
			continue
		}
		if err := tx.SetRecipeSetResponse(ctx, rs.ID, response, rs.ResponseComment); err != nil {
			return err
		}
		if err := s.record(ctx, tx, actor, models.ObjectRecipeSet, rs.ID, "Ack/Nak", "Changed", rs.Response, response); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SetResponseComment attaches a review comment to a recipe set.
func (s *Service) SetResponseComment(ctx context.Context, actor models.Actor, recipeSetID int64, comment string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tid := models.FormatTaskID(models.KindRecipeSet, recipeSetID)
	job, sets, err := recipeSetsFor(ctx, tx, tid)
	if err != nil {
		return err
	}
	if !access.CanAdministerJob(actor.User, job) {
		return errs.Permission("No permission to modify %s", tid)
	}
	if err := tx.SetRecipeSetResponse(ctx, recipeSetID, sets[0].Response, comment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetPriority moves a recipe set to priority p within what the caller may
// choose, and requeues it if it is still waiting.
func (s *Service) SetPriority(ctx context.Context, actor models.Actor, recipeSetID int64, p models.Priority) (models.RecipeSet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.RecipeSet{}, err
	}
	defer tx.Rollback(ctx)

	tid := models.FormatTaskID(models.KindRecipeSet, recipeSetID)
	job, sets, err := recipeSetsFor(ctx, tx, tid)
	if err != nil {
		return models.RecipeSet{}, err
	}
	rs := sets[0]
	allowed := access.AllowedPriorityChanges(actor.User, job, rs.Priority)
	if len(allowed) == 0 {
		return models.RecipeSet{}, errs.Permission("You don't have permission to change the priority of %s", tid)
	}
	if !slices.Contains(allowed, p) {
		return models.RecipeSet{}, errs.Permission("You can not raise the priority of %s to %s", tid, p)
	}
	if models.IsFinished(rs.Status) {
		return models.RecipeSet{}, errs.Validation("Cannot change the priority of %s, it is already %s", tid, rs.Status)
	}
	if p == rs.Priority {
		return rs, nil
	}
	if err := tx.SetRecipeSetPriority(ctx, rs.ID, p); err != nil {
		return models.RecipeSet{}, err
	}
	if err := s.record(ctx, tx, actor, models.ObjectRecipeSet, rs.ID, "Priority", "Changed", rs.Priority.String(), p.String()); err != nil {
		return models.RecipeSet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.RecipeSet{}, fmt.Errorf("commit priority: %w", err)
	}
	rs.Priority = p
	if s.queue != nil {
		if err := s.queue.Requeue(ctx, rs.ID, p); err != nil {
			s.log.Error(err, "requeue recipe set", "recipeset", rs.TID())
		}
	}
	return rs, nil
}

// RecipeSetActivity lists the activity recorded against a recipe set.
func (s *Service) RecipeSetActivity(ctx context.Context, recipeSetID int64) ([]models.Activity, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return tx.Activities(ctx, models.ObjectRecipeSet, recipeSetID)
}

// JobActivity lists the activity recorded against a job.
func (s *Service) JobActivity(ctx context.Context, jobID int64) ([]models.Activity, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return tx.Activities(ctx, models.ObjectJob, jobID)
}
