package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// EnsurePackage lazily creates a package row. A concurrent transaction
// inserting the same name makes this one wait on the unique index and then
// read the committed row.
func (t *pgTx) EnsurePackage(ctx context.Context, name string) (models.Package, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO task_package (package) VALUES ($1)
		ON CONFLICT (package) DO NOTHING
	`, name); err != nil {
		return models.Package{}, fmt.Errorf("insert package %s: %w", name, err)
	}
	p := models.Package{Name: name}
	if err := t.tx.QueryRow(ctx, `SELECT id FROM task_package WHERE package = $1`, name).Scan(&p.ID); err != nil {
		return models.Package{}, fmt.Errorf("select package %s: %w", name, err)
	}
	return p, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback is a safe no-op once the transaction has been committed.
func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound(format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (t *pgTx) UserByName(ctx context.Context, name string) (models.User, error) {
	var u models.User
	err := t.tx.QueryRow(ctx, `
		SELECT u.id, u.user_name, u.email_address, u.admin, u.rootpw_expired,
		       COALESCE((SELECT array_agg(g.group_name ORDER BY g.group_name)
		                 FROM user_group ug JOIN tg_group g ON g.id = ug.group_id
		                 WHERE ug.user_id = u.id), '{}'),
		       COALESCE((SELECT array_agg(o.user_name ORDER BY o.user_name)
		                 FROM submission_delegate sd JOIN tg_user o ON o.id = sd.user_id
		                 WHERE sd.delegate_id = u.id), '{}')
		FROM tg_user u WHERE u.user_name = $1
	`, name).Scan(&u.ID, &u.UserName, &u.Email, &u.Admin, &u.RootPasswordExpired, &u.Groups, &u.DelegateFor)
	if err != nil {
		return models.User{}, notFound(err, "user %s not found", name)
	}
	return u, nil
}

func (t *pgTx) GroupByName(ctx context.Context, name string) (models.Group, error) {
	var g models.Group
	err := t.tx.QueryRow(ctx, `SELECT id, group_name FROM tg_group WHERE group_name = $1`, name).Scan(&g.ID, &g.Name)
	if err != nil {
		return models.Group{}, notFound(err, "group %s not found", name)
	}
	return g, nil
}

func (t *pgTx) RetentionTagByName(ctx context.Context, tag string) (models.RetentionTag, error) {
	var rt models.RetentionTag
	err := t.tx.QueryRow(ctx, `
		SELECT id, tag, is_default, needs_product FROM retention_tag WHERE tag = $1
	`, tag).Scan(&rt.ID, &rt.Tag, &rt.Default, &rt.NeedsProduct)
	if err != nil {
		return models.RetentionTag{}, notFound(err, "retention tag %s not found", tag)
	}
	return rt, nil
}

func (t *pgTx) DefaultRetentionTag(ctx context.Context) (models.RetentionTag, error) {
	var rt models.RetentionTag
	err := t.tx.QueryRow(ctx, `
		SELECT id, tag, is_default, needs_product FROM retention_tag WHERE is_default
	`).Scan(&rt.ID, &rt.Tag, &rt.Default, &rt.NeedsProduct)
	if err != nil {
		return models.RetentionTag{}, notFound(err, "no default retention tag")
	}
	return rt, nil
}

func (t *pgTx) RetentionTags(ctx context.Context) ([]models.RetentionTag, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, tag, is_default, needs_product FROM retention_tag ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query retention tags: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RetentionTag, error) {
		var rt models.RetentionTag
		err := row.Scan(&rt.ID, &rt.Tag, &rt.Default, &rt.NeedsProduct)
		return rt, err
	})
}

func (t *pgTx) ProductByName(ctx context.Context, name string) (models.Product, error) {
	var p models.Product
	err := t.tx.QueryRow(ctx, `SELECT id, name FROM product WHERE name = $1`, name).Scan(&p.ID, &p.Name)
	if err != nil {
		return models.Product{}, notFound(err, "product %s not found", name)
	}
	return p, nil
}

func (t *pgTx) TaskByName(ctx context.Context, name string) (models.Task, error) {
	var task models.Task
	err := t.tx.QueryRow(ctx, `SELECT id, name, valid FROM task WHERE name = $1`, name).Scan(&task.ID, &task.Name, &task.Valid)
	if err != nil {
		return models.Task{}, notFound(err, "task %s not found", name)
	}
	return task, nil
}

func (t *pgTx) DistroTrees(ctx context.Context) ([]models.DistroTree, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, distro_name, osmajor, osminor, arch, variant, tags, created_at
		FROM distro_tree ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query distro trees: %w", err)
	}
	trees, err := pgx.CollectRows(rows, scanDistroTree)
	if err != nil {
		return nil, fmt.Errorf("scan distro trees: %w", err)
	}
	models.SortDistroTrees(trees)
	return trees, nil
}

func scanDistroTree(row pgx.CollectableRow) (models.DistroTree, error) {
	var d models.DistroTree
	err := row.Scan(&d.ID, &d.DistroName, &d.OSMajor, &d.OSMinor, &d.Arch, &d.Variant, &d.Tags, &d.CreatedAt)
	return d, err
}

const systemColumns = `
	s.id, s.fqdn, s.owner, s.type, s.status, s.status_reason, s.location, s.arch, s.memory,
	s.vendor, s.model, s.lab_controller, s.hypervisor, s.cpu, s.key_values,
	s.custom_access_policy_id, s.active_access_policy_id, s.loaned, s.loan_comment`

func scanSystem(row pgx.Row) (models.System, error) {
	var (
		s       models.System
		cpuJSON []byte
		kvJSON  []byte
	)
	if err := row.Scan(&s.ID, &s.FQDN, &s.Owner, &s.Type, &s.Status, &s.StatusReason, &s.Location, &s.Arch,
		&s.Memory, &s.Vendor, &s.Model, &s.LabController, &s.Hypervisor, &cpuJSON, &kvJSON,
		&s.CustomPolicyID, &s.ActivePolicyID, &s.LoanedTo, &s.LoanComment); err != nil {
		return s, err
	}
	if err := json.Unmarshal(cpuJSON, &s.CPU); err != nil {
		return s, fmt.Errorf("unmarshal cpu: %w", err)
	}
	if err := json.Unmarshal(kvJSON, &s.KeyValues); err != nil {
		return s, fmt.Errorf("unmarshal key values: %w", err)
	}
	return s, nil
}

func (t *pgTx) systemPools(ctx context.Context, systemID int64) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT p.name FROM system_pool_map m JOIN system_pool p ON p.id = m.pool_id
		WHERE m.system_id = $1 ORDER BY p.name
	`, systemID)
	if err != nil {
		return nil, fmt.Errorf("query system pools: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SystemByFQDN locks the system row for the rest of the transaction.
func (t *pgTx) SystemByFQDN(ctx context.Context, fqdn string) (models.System, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+systemColumns+` FROM system s WHERE lower(s.fqdn) = lower($1) FOR UPDATE`, fqdn)
	s, err := scanSystem(row)
	if err != nil {
		return models.System{}, notFound(err, "system %s not found", fqdn)
	}
	if s.Pools, err = t.systemPools(ctx, s.ID); err != nil {
		return models.System{}, err
	}
	return s, nil
}

func (t *pgTx) Systems(ctx context.Context) ([]models.System, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+systemColumns+` FROM system s ORDER BY s.fqdn`)
	if err != nil {
		return nil, fmt.Errorf("query systems: %w", err)
	}
	systems, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.System, error) {
		return scanSystem(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan systems: %w", err)
	}
	for i := range systems {
		if systems[i].Pools, err = t.systemPools(ctx, systems[i].ID); err != nil {
			return nil, err
		}
	}
	return systems, nil
}

func (t *pgTx) UpdateSystem(ctx context.Context, sys models.System) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE system
		SET fqdn = $2, status = $3, status_reason = $4, location = $5,
		    active_access_policy_id = $6, loaned = $7, loan_comment = $8
		WHERE id = $1
	`, sys.ID, sys.FQDN, sys.Status, sys.StatusReason, sys.Location, sys.ActivePolicyID, sys.LoanedTo, sys.LoanComment)
	if isUniqueViolation(err) {
		return errs.Conflict("System %s already exists", sys.FQDN)
	}
	if err != nil {
		return fmt.Errorf("update system: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("system %s not found", sys.FQDN)
	}
	return nil
}

func (t *pgTx) PoolByName(ctx context.Context, name string) (models.SystemPool, error) {
	var p models.SystemPool
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, owner, access_policy_id FROM system_pool WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.Owner, &p.PolicyID)
	if err != nil {
		return models.SystemPool{}, notFound(err, "pool %s not found", name)
	}
	return p, nil
}

func (t *pgTx) PoolByPolicy(ctx context.Context, policyID int64) (models.SystemPool, error) {
	var p models.SystemPool
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, owner, access_policy_id FROM system_pool WHERE access_policy_id = $1
	`, policyID).Scan(&p.ID, &p.Name, &p.Owner, &p.PolicyID)
	if err != nil {
		return models.SystemPool{}, notFound(err, "no pool owns policy %d", policyID)
	}
	return p, nil
}

func (t *pgTx) AccessPolicy(ctx context.Context, id int64) (models.AccessPolicy, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM system_access_policy WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.AccessPolicy{}, fmt.Errorf("check access policy: %w", err)
	}
	if !exists {
		return models.AccessPolicy{}, errs.NotFound("access policy %d not found", id)
	}
	rows, err := t.tx.Query(ctx, `
		SELECT permission, everybody, user_name, group_name
		FROM system_access_policy_rule WHERE policy_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return models.AccessPolicy{}, fmt.Errorf("query access policy rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AccessRule, error) {
		var (
			r           models.AccessRule
			user, group pgtype.Text
		)
		err := row.Scan(&r.Permission, &r.Everybody, &user, &group)
		r.User = user.String
		r.Group = group.String
		return r, err
	})
	if err != nil {
		return models.AccessPolicy{}, fmt.Errorf("scan access policy rules: %w", err)
	}
	return models.AccessPolicy{ID: id, Rules: rules}, nil
}

func (t *pgTx) ActiveReservation(ctx context.Context, systemID int64) (models.Reservation, bool, error) {
	var r models.Reservation
	err := t.tx.QueryRow(ctx, `
		SELECT id, system_id, user_name, type, start_time, finish_time
		FROM reservation WHERE system_id = $1 AND finish_time IS NULL
	`, systemID).Scan(&r.ID, &r.SystemID, &r.User, &r.Type, &r.Start, &r.Finish)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, false, nil
	}
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("query reservation: %w", err)
	}
	return r, true, nil
}

func (t *pgTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reservation (system_id, user_name, type, start_time)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, r.SystemID, r.User, r.Type, r.Start).Scan(&r.ID)
	if isUniqueViolation(err) {
		return errs.Conflict("system already has an open reservation")
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) FinishReservation(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservation SET finish_time = $2 WHERE id = $1 AND finish_time IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("finish reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Stale("reservation %d already finished", id)
	}
	return nil
}

func (t *pgTx) RecordActivity(ctx context.Context, a *models.Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO activity (object_kind, object_id, user_name, service, field_name, action, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id
	`, a.ObjectKind, a.ObjectID, a.User, a.Service, a.Field, a.Action, a.OldValue, a.NewValue, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (t *pgTx) Activities(ctx context.Context, kind string, objectID int64) ([]models.Activity, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, object_kind, object_id, user_name, service, field_name, action, old_value, new_value, created_at
		FROM activity WHERE object_kind = $1 AND object_id = $2 ORDER BY id
	`, kind, objectID)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Activity, error) {
		var a models.Activity
		err := row.Scan(&a.ID, &a.ObjectKind, &a.ObjectID, &a.User, &a.Service, &a.Field, &a.Action, &a.OldValue, &a.NewValue, &a.CreatedAt)
		return a, err
	})
}
