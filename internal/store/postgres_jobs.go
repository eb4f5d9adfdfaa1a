package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

var finishedStatuses = []string{models.StatusCompleted, models.StatusCancelled, models.StatusAborted}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// CreateJob inserts the job tree, assigning ids on the way down.
func (t *pgTx) CreateJob(ctx context.Context, job *models.Job) error {
	cc := job.CC
	if cc == nil {
		cc = []string{}
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO job (owner, submitter, group_name, whiteboard, retention_tag, product, cc, status, ttasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, job.Owner, job.Submitter, emptyToNil(job.Group), job.Whiteboard, job.RetentionTag,
		emptyToNil(job.Product), cc, job.Status, job.TTasks).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for i := range job.RecipeSets {
		rs := &job.RecipeSets[i]
		rs.JobID = job.ID
		err := t.tx.QueryRow(ctx, `
			INSERT INTO recipe_set (job_id, position, priority, status, ttasks)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`, job.ID, i, int16(rs.Priority), rs.Status, rs.TTasks).Scan(&rs.ID, &rs.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recipe set: %w", err)
		}
		for k := range rs.Recipes {
			if err := t.insertRecipe(ctx, rs.ID, k, &rs.Recipes[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *pgTx) insertRecipe(ctx context.Context, recipeSetID int64, position int, r *models.Recipe) error {
	r.RecipeSetID = recipeSetID
	var (
		hostPos              *int
		guestName, guestArgs *string
	)
	if r.Guest != nil {
		hostPos = &r.Guest.HostIndex
		guestName = &r.Guest.Name
		guestArgs = &r.Guest.Args
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO recipe (recipe_set_id, position, host_position, guestname, guestargs, status, whiteboard,
		                    host_requires, distro_requires, distro_tree_id, kickstart, ks_meta, kernel_options,
		                    kernel_options_post, autopick_random, panic, role, ttasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`, recipeSetID, position, hostPos, guestName, guestArgs, r.Status, r.Whiteboard,
		r.HostRequires, r.DistroRequires, r.DistroTree.ID, r.Kickstart, r.KSMeta, r.KernelOptions,
		r.KernelOptionsPost, r.AutopickRandom, r.Panic, r.Role, r.TTasks).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert recipe: %w", err)
	}
	if r.Reservation != nil {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO recipe_reservation_request (recipe_id, duration) VALUES ($1, $2)
		`, r.ID, r.Reservation.Duration); err != nil {
			return fmt.Errorf("insert reservation request: %w", err)
		}
	}
	if len(r.Packages) > 0 {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO recipe_package (recipe_id, package_id)
			SELECT $1, id FROM task_package WHERE package = ANY($2)
			ON CONFLICT DO NOTHING
		`, r.ID, r.Packages); err != nil {
			return fmt.Errorf("insert recipe packages: %w", err)
		}
	}
	for _, repo := range r.Repos {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO recipe_repo (recipe_id, name, url) VALUES ($1, $2, $3)
		`, r.ID, repo.Name, repo.URL); err != nil {
			return fmt.Errorf("insert recipe repo: %w", err)
		}
	}
	for _, ks := range r.KSAppends {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO recipe_ksappend (recipe_id, ks_append) VALUES ($1, $2)
		`, r.ID, ks); err != nil {
			return fmt.Errorf("insert recipe ks_append: %w", err)
		}
	}
	for n := range r.Tasks {
		task := &r.Tasks[n]
		err := t.tx.QueryRow(ctx, `
			INSERT INTO recipe_task (recipe_id, position, name, task_id, fetch_url, fetch_subdir, role, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, r.ID, n, task.Name, task.TaskID, emptyToNil(task.FetchURL), task.FetchSubdir, task.Role, task.Status).Scan(&task.ID)
		if err != nil {
			return fmt.Errorf("insert recipe task: %w", err)
		}
		for _, p := range task.Params {
			if _, err := t.tx.Exec(ctx, `
				INSERT INTO recipe_task_param (recipe_task_id, name, value) VALUES ($1, $2, $3)
			`, task.ID, p.Name, p.Value); err != nil {
				return fmt.Errorf("insert recipe task param: %w", err)
			}
		}
	}
	return nil
}

const jobColumns = `
	j.id, j.owner, j.submitter, j.group_name, j.whiteboard, j.retention_tag, j.product, j.cc,
	j.status, j.ttasks, j.created_at, j.finished_at, j.to_delete, j.deleted`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		j              models.Job
		group, product pgtype.Text
	)
	err := row.Scan(&j.ID, &j.Owner, &j.Submitter, &group, &j.Whiteboard, &j.RetentionTag, &product, &j.CC,
		&j.Status, &j.TTasks, &j.CreatedAt, &j.FinishedAt, &j.ToDelete, &j.Deleted)
	j.Group = textValue(group)
	j.Product = textValue(product)
	return j, err
}

// GetJob loads the job tree and locks the job row for the rest of the
// transaction.
func (t *pgTx) GetJob(ctx context.Context, id int64) (models.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM job j WHERE j.id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, notFound(err, "job %s not found", models.FormatTaskID(models.KindJob, id))
	}
	if err := t.loadRecipeSets(ctx, &j); err != nil {
		return models.Job{}, err
	}
	return j, nil
}

func (t *pgTx) JobForRecipeSet(ctx context.Context, recipeSetID int64) (models.Job, error) {
	var jobID int64
	err := t.tx.QueryRow(ctx, `SELECT job_id FROM recipe_set WHERE id = $1`, recipeSetID).Scan(&jobID)
	if err != nil {
		return models.Job{}, notFound(err, "recipe set %s not found", models.FormatTaskID(models.KindRecipeSet, recipeSetID))
	}
	return t.GetJob(ctx, jobID)
}

func (t *pgTx) loadRecipeSets(ctx context.Context, j *models.Job) error {
	rows, err := t.tx.Query(ctx, `
		SELECT id, job_id, priority, status, ttasks, response, response_comment, created_at
		FROM recipe_set WHERE job_id = $1 ORDER BY position
	`, j.ID)
	if err != nil {
		return fmt.Errorf("query recipe sets: %w", err)
	}
	sets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RecipeSet, error) {
		var (
			rs                models.RecipeSet
			priority          int16
			response, comment pgtype.Text
		)
		err := row.Scan(&rs.ID, &rs.JobID, &priority, &rs.Status, &rs.TTasks, &response, &comment, &rs.CreatedAt)
		rs.Priority = models.Priority(priority)
		rs.Response = textValue(response)
		rs.ResponseComment = textValue(comment)
		return rs, err
	})
	if err != nil {
		return fmt.Errorf("scan recipe sets: %w", err)
	}
	for i := range sets {
		if sets[i].Recipes, err = t.loadRecipes(ctx, sets[i].ID); err != nil {
			return err
		}
	}
	j.RecipeSets = sets
	return nil
}

func (t *pgTx) loadRecipes(ctx context.Context, recipeSetID int64) ([]models.Recipe, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT r.id, r.recipe_set_id, r.host_position, r.guestname, r.guestargs, r.status, r.whiteboard,
		       r.host_requires, r.distro_requires, r.kickstart, r.ks_meta, r.kernel_options,
		       r.kernel_options_post, r.autopick_random, r.panic, r.role, r.ttasks,
		       d.id, d.distro_name, d.osmajor, d.osminor, d.arch, d.variant, d.tags, d.created_at,
		       rr.duration
		FROM recipe r
		JOIN distro_tree d ON d.id = r.distro_tree_id
		LEFT JOIN recipe_reservation_request rr ON rr.recipe_id = r.id
		WHERE r.recipe_set_id = $1 ORDER BY r.position
	`, recipeSetID)
	if err != nil {
		return nil, fmt.Errorf("query recipes: %w", err)
	}
	recipes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Recipe, error) {
		var (
			r                    models.Recipe
			hostPos              pgtype.Int4
			guestName, guestArgs pgtype.Text
			whiteboard           pgtype.Text
			duration             pgtype.Int4
		)
		err := row.Scan(&r.ID, &r.RecipeSetID, &hostPos, &guestName, &guestArgs, &r.Status, &whiteboard,
			&r.HostRequires, &r.DistroRequires, &r.Kickstart, &r.KSMeta, &r.KernelOptions,
			&r.KernelOptionsPost, &r.AutopickRandom, &r.Panic, &r.Role, &r.TTasks,
			&r.DistroTree.ID, &r.DistroTree.DistroName, &r.DistroTree.OSMajor, &r.DistroTree.OSMinor,
			&r.DistroTree.Arch, &r.DistroTree.Variant, &r.DistroTree.Tags, &r.DistroTree.CreatedAt,
			&duration)
		if hostPos.Valid {
			r.Guest = &models.GuestInfo{HostIndex: int(hostPos.Int32), Name: textValue(guestName), Args: textValue(guestArgs)}
		}
		r.Whiteboard = textPtr(whiteboard)
		if duration.Valid {
			r.Reservation = &models.ReservationRequest{Duration: int(duration.Int32)}
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan recipes: %w", err)
	}
	for i := range recipes {
		if err := t.loadRecipeChildren(ctx, &recipes[i]); err != nil {
			return nil, err
		}
	}
	return recipes, nil
}

func (t *pgTx) loadRecipeChildren(ctx context.Context, r *models.Recipe) error {
	rows, err := t.tx.Query(ctx, `
		SELECT p.package FROM recipe_package rp JOIN task_package p ON p.id = rp.package_id
		WHERE rp.recipe_id = $1 ORDER BY p.package
	`, r.ID)
	if err != nil {
		return fmt.Errorf("query recipe packages: %w", err)
	}
	if r.Packages, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return fmt.Errorf("scan recipe packages: %w", err)
	}

	rows, err = t.tx.Query(ctx, `SELECT name, url FROM recipe_repo WHERE recipe_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return fmt.Errorf("query recipe repos: %w", err)
	}
	if r.Repos, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Repo, error) {
		var repo models.Repo
		err := row.Scan(&repo.Name, &repo.URL)
		return repo, err
	}); err != nil {
		return fmt.Errorf("scan recipe repos: %w", err)
	}

	rows, err = t.tx.Query(ctx, `SELECT ks_append FROM recipe_ksappend WHERE recipe_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return fmt.Errorf("query recipe ks_appends: %w", err)
	}
	if r.KSAppends, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return fmt.Errorf("scan recipe ks_appends: %w", err)
	}

	rows, err = t.tx.Query(ctx, `
		SELECT id, name, task_id, fetch_url, fetch_subdir, role, status
		FROM recipe_task WHERE recipe_id = $1 ORDER BY position
	`, r.ID)
	if err != nil {
		return fmt.Errorf("query recipe tasks: %w", err)
	}
	if r.Tasks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RecipeTask, error) {
		var (
			task     models.RecipeTask
			fetchURL pgtype.Text
		)
		err := row.Scan(&task.ID, &task.Name, &task.TaskID, &fetchURL, &task.FetchSubdir, &task.Role, &task.Status)
		task.FetchURL = textValue(fetchURL)
		return task, err
	}); err != nil {
		return fmt.Errorf("scan recipe tasks: %w", err)
	}

	for i := range r.Tasks {
		rows, err := t.tx.Query(ctx, `
			SELECT name, value FROM recipe_task_param WHERE recipe_task_id = $1 ORDER BY id
		`, r.Tasks[i].ID)
		if err != nil {
			return fmt.Errorf("query task params: %w", err)
		}
		if r.Tasks[i].Params, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TaskParam, error) {
			var p models.TaskParam
			err := row.Scan(&p.Name, &p.Value)
			return p, err
		}); err != nil {
			return fmt.Errorf("scan task params: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateJobHeader(ctx context.Context, job models.Job) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE job SET whiteboard = $2, retention_tag = $3, product = $4, to_delete = $5, deleted = $6
		WHERE id = $1
	`, job.ID, job.Whiteboard, job.RetentionTag, emptyToNil(job.Product), job.ToDelete, job.Deleted)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("job %s not found", job.TID())
	}
	return nil
}

func (t *pgTx) UpdateJobStatus(ctx context.Context, id int64, from, to string, at time.Time) error {
	var finishedAt *time.Time
	if models.IsFinished(to) {
		finishedAt = &at
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE job SET status = $3, finished_at = COALESCE($4, finished_at)
		WHERE id = $1 AND status = $2
	`, id, from, to, finishedAt)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := t.tx.QueryRow(ctx, `SELECT status FROM job WHERE id = $1`, id).Scan(&current)
		if err != nil {
			return notFound(err, "job %s not found", models.FormatTaskID(models.KindJob, id))
		}
		return errs.Stale("job %s status is %s, expected %s", models.FormatTaskID(models.KindJob, id), current, from)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE recipe_set SET status = $2 WHERE job_id = $1 AND status <> ALL($3)
	`, id, to, finishedStatuses); err != nil {
		return fmt.Errorf("cascade recipe set status: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE recipe SET status = $2
		WHERE recipe_set_id IN (SELECT id FROM recipe_set WHERE job_id = $1) AND status <> ALL($3)
	`, id, to, finishedStatuses); err != nil {
		return fmt.Errorf("cascade recipe status: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE recipe_task SET status = $2
		WHERE recipe_id IN (
			SELECT r.id FROM recipe r JOIN recipe_set rs ON rs.id = r.recipe_set_id WHERE rs.job_id = $1
		) AND status <> ALL($3)
	`, id, to, finishedStatuses); err != nil {
		return fmt.Errorf("cascade recipe task status: %w", err)
	}
	return nil
}

func (t *pgTx) SetRecipeSetPriority(ctx context.Context, recipeSetID int64, p models.Priority) error {
	tag, err := t.tx.Exec(ctx, `UPDATE recipe_set SET priority = $2 WHERE id = $1`, recipeSetID, int16(p))
	if err != nil {
		return fmt.Errorf("update recipe set priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("recipe set %s not found", models.FormatTaskID(models.KindRecipeSet, recipeSetID))
	}
	return nil
}

func (t *pgTx) SetRecipeSetResponse(ctx context.Context, recipeSetID int64, response, comment string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE recipe_set SET response = $2, response_comment = $3 WHERE id = $1
	`, recipeSetID, emptyToNil(response), emptyToNil(comment))
	if err != nil {
		return fmt.Errorf("update recipe set response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("recipe set %s not found", models.FormatTaskID(models.KindRecipeSet, recipeSetID))
	}
	return nil
}

// FilterJobs narrows candidates in SQL, then loads each matching tree.
func (t *pgTx) FilterJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeDeleted {
		where = append(where, "j.to_delete IS NULL", "j.deleted IS NULL")
	}
	if f.MinID > 0 {
		where = append(where, "j.id >= "+arg(f.MinID))
	}
	if f.MaxID > 0 {
		where = append(where, "j.id <= "+arg(f.MaxID))
	}
	if len(f.Tags) > 0 {
		where = append(where, "j.retention_tag = ANY("+arg(f.Tags)+")")
	}
	if f.CompleteDays > 0 {
		where = append(where, "j.finished_at <= "+arg(time.Now().UTC().AddDate(0, 0, -f.CompleteDays)))
	}
	if f.Product != "" {
		where = append(where, "j.product = "+arg(f.Product))
	}
	if len(f.Owners) > 0 {
		where = append(where, "j.owner = ANY("+arg(f.Owners)+")")
	}
	if f.Whiteboard != "" {
		where = append(where, "strpos(j.whiteboard, "+arg(f.Whiteboard)+") > 0")
	}
	if f.Family != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM recipe_set rs
			JOIN recipe r ON r.recipe_set_id = rs.id
			JOIN distro_tree d ON d.id = r.distro_tree_id
			WHERE rs.job_id = j.id AND d.osmajor = `+arg(f.Family)+`)`)
	}
	query := `SELECT j.id FROM job j`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY j.id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return t.loadJobs(ctx, query, args...)
}

func (t *pgTx) loadJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan job ids: %w", err)
	}
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		j, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM job j WHERE j.id = $1`, id))
		if err != nil {
			return nil, fmt.Errorf("load job %d: %w", id, err)
		}
		if err := t.loadRecipeSets(ctx, &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (t *pgTx) JobsToPurge(ctx context.Context, limit int, skip []int64) ([]models.Job, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	if skip == nil {
		skip = []int64{}
	}
	return t.loadJobs(ctx, `
		SELECT j.id FROM job j
		WHERE j.to_delete IS NOT NULL AND j.deleted IS NULL
		  AND NOT (j.id = ANY($2))
		ORDER BY j.to_delete, j.id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, lim, skip)
}

func (t *pgTx) MarkJobPurged(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE job SET deleted = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark job purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("job %s not found", models.FormatTaskID(models.KindJob, id))
	}
	return nil
}
