package access

import (
	"github.com/shawnpdoherty/beaker/internal/models"
)

// CanAdministerJob covers cancel, delete, retention and product changes and
// result review: admins, the owner, the submitter, and members of the job's
// group.
func CanAdministerJob(user models.User, job models.Job) bool {
	switch {
	case user.Admin:
		return true
	case user.UserName == job.Owner, user.UserName == job.Submitter:
		return true
	case job.Group != "" && user.InGroup(job.Group):
		return true
	}
	return false
}

// CanDeleteJob additionally requires the job to have finished.
func CanDeleteJob(user models.User, job models.Job) bool {
	return models.IsFinished(job.Status) && CanAdministerJob(user, job)
}

// AllowedInitialPriorities lists the levels a submitter may request for a
// new recipe set. Admins may use any level; everybody else up to the default.
func AllowedInitialPriorities(user models.User) []models.Priority {
	var out []models.Priority
	for _, p := range models.Priorities() {
		if user.Admin || p <= models.DefaultPriority {
			out = append(out, p)
		}
	}
	return out
}

// AllowedPriorityChanges lists the levels user may move an existing recipe
// set to. Admins may pick any level; job administrators may only lower it.
func AllowedPriorityChanges(user models.User, job models.Job, current models.Priority) []models.Priority {
	if user.Admin {
		return models.Priorities()
	}
	if !CanAdministerJob(user, job) {
		return nil
	}
	var out []models.Priority
	for _, p := range models.Priorities() {
		if p <= current {
			out = append(out, p)
		}
	}
	return out
}
