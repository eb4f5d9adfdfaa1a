package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// Seed loads reference data in one transaction. Rows that already exist
// are left as they are, except task validity which follows the seed.
func (s *Postgres) Seed(ctx context.Context, seed config.Seed) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, g := range seed.Groups {
		if _, err := tx.Exec(ctx, `INSERT INTO tg_group (group_name) VALUES ($1) ON CONFLICT DO NOTHING`, g); err != nil {
			return fmt.Errorf("seed group %s: %w", g, err)
		}
	}
	for _, u := range seed.Users {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tg_user (user_name, email_address, admin, rootpw_expired)
			VALUES ($1, $2, $3, $4) ON CONFLICT (user_name) DO NOTHING
		`, u.Name, u.Email, u.Admin, u.RootPasswordExpired); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Name, err)
		}
		for _, g := range u.Groups {
			if _, err := tx.Exec(ctx, `INSERT INTO tg_group (group_name) VALUES ($1) ON CONFLICT DO NOTHING`, g); err != nil {
				return fmt.Errorf("seed group %s: %w", g, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_group (user_id, group_id)
				SELECT u.id, g.id FROM tg_user u, tg_group g WHERE u.user_name = $1 AND g.group_name = $2
				ON CONFLICT DO NOTHING
			`, u.Name, g); err != nil {
				return fmt.Errorf("seed membership %s/%s: %w", u.Name, g, err)
			}
		}
	}
	// Delegations reference users by name, so they go in once every user exists.
	for _, u := range seed.Users {
		for _, owner := range u.DelegateFor {
			if _, err := tx.Exec(ctx, `
				INSERT INTO submission_delegate (user_id, delegate_id)
				SELECT o.id, d.id FROM tg_user o, tg_user d WHERE o.user_name = $1 AND d.user_name = $2
				ON CONFLICT DO NOTHING
			`, owner, u.Name); err != nil {
				return fmt.Errorf("seed delegate %s for %s: %w", u.Name, owner, err)
			}
		}
	}
	for _, t := range seed.RetentionTags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO retention_tag (tag, is_default, needs_product) VALUES ($1, $2, $3)
			ON CONFLICT (tag) DO NOTHING
		`, t.Tag, t.Default, t.NeedsProduct); err != nil {
			return fmt.Errorf("seed retention tag %s: %w", t.Tag, err)
		}
	}
	for _, p := range seed.Products {
		if _, err := tx.Exec(ctx, `INSERT INTO product (name) VALUES ($1) ON CONFLICT DO NOTHING`, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p, err)
		}
	}
	for _, t := range seed.Tasks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task (name, valid) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET valid = EXCLUDED.valid
		`, t.Name, t.IsValid()); err != nil {
			return fmt.Errorf("seed task %s: %w", t.Name, err)
		}
	}
	for _, d := range seed.DistroTrees {
		created := d.Created
		if created.IsZero() {
			created = time.Now().UTC()
		}
		tags := d.Tags
		if tags == nil {
			tags = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO distro_tree (distro_name, osmajor, osminor, arch, variant, tags, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (distro_name, arch, variant) DO NOTHING
		`, d.Distro, d.Family, d.OSMinor, d.Arch, d.Variant, tags, created); err != nil {
			return fmt.Errorf("seed distro tree %s %s: %w", d.Distro, d.Arch, err)
		}
	}
	for _, p := range seed.Pools {
		if err := seedPool(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, sys := range seed.Systems {
		if err := seedSystem(ctx, tx, sys); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

func exists(ctx context.Context, tx pgx.Tx, query string, arg any) (bool, error) {
	var id int64
	err := tx.QueryRow(ctx, query, arg).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func insertPolicy(ctx context.Context, tx pgx.Tx, rules []models.AccessRule) (int64, error) {
	var id int64
	if err := tx.QueryRow(ctx, `INSERT INTO system_access_policy DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert access policy: %w", err)
	}
	for _, r := range rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO system_access_policy_rule (policy_id, permission, everybody, user_name, group_name)
			VALUES ($1, $2, $3, $4, $5)
		`, id, string(r.Permission), r.Everybody, emptyToNil(r.User), emptyToNil(r.Group)); err != nil {
			return 0, fmt.Errorf("insert access policy rule: %w", err)
		}
	}
	return id, nil
}

func seedPool(ctx context.Context, tx pgx.Tx, p config.SeedPool) error {
	found, err := exists(ctx, tx, `SELECT id FROM system_pool WHERE name = $1`, p.Name)
	if err != nil {
		return fmt.Errorf("check pool %s: %w", p.Name, err)
	}
	if found {
		return nil
	}
	policyID, err := insertPolicy(ctx, tx, p.Rules)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO system_pool (name, owner, access_policy_id) VALUES ($1, $2, $3)
	`, p.Name, p.Owner, policyID); err != nil {
		return fmt.Errorf("seed pool %s: %w", p.Name, err)
	}
	return nil
}

func seedSystem(ctx context.Context, tx pgx.Tx, s config.SeedSystem) error {
	found, err := exists(ctx, tx, `SELECT id FROM system WHERE lower(fqdn) = lower($1)`, s.FQDN)
	if err != nil {
		return fmt.Errorf("check system %s: %w", s.FQDN, err)
	}
	if found {
		return nil
	}
	sys := systemFromSeed(s)
	customID, err := insertPolicy(ctx, tx, s.Rules)
	if err != nil {
		return err
	}
	activeID := customID
	if s.ActivePool != "" {
		if err := tx.QueryRow(ctx, `SELECT access_policy_id FROM system_pool WHERE name = $1`, s.ActivePool).Scan(&activeID); err != nil {
			return fmt.Errorf("active pool %s for %s: %w", s.ActivePool, s.FQDN, err)
		}
	}
	cpuJSON, err := json.Marshal(sys.CPU)
	if err != nil {
		return fmt.Errorf("marshal cpu: %w", err)
	}
	kv := sys.KeyValues
	if kv == nil {
		kv = map[string]string{}
	}
	kvJSON, err := json.Marshal(kv)
	if err != nil {
		return fmt.Errorf("marshal key values: %w", err)
	}
	arch := sys.Arch
	if arch == nil {
		arch = []string{}
	}
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO system (fqdn, owner, type, status, arch, memory, vendor, model, lab_controller, hypervisor,
		                    cpu, key_values, custom_access_policy_id, active_access_policy_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, sys.FQDN, sys.Owner, sys.Type, sys.Status, arch, sys.Memory, sys.Vendor, sys.Model, sys.LabController,
		sys.Hypervisor, cpuJSON, kvJSON, customID, activeID).Scan(&id)
	if err != nil {
		return fmt.Errorf("seed system %s: %w", s.FQDN, err)
	}
	for _, pool := range s.Pools {
		if _, err := tx.Exec(ctx, `
			INSERT INTO system_pool_map (system_id, pool_id)
			SELECT $1, id FROM system_pool WHERE name = $2
			ON CONFLICT DO NOTHING
		`, id, pool); err != nil {
			return fmt.Errorf("seed pool membership %s/%s: %w", s.FQDN, pool, err)
		}
	}
	return nil
}
