package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
)

// MaxStatusReason bounds the condition report stored with a system status.
const MaxStatusReason = 4000

// System statuses an edit may set.
var systemStatuses = []string{"Automated", "Manual", "Broken", "Removed"}

// PolicySelector picks the active access policy of a system: its own custom
// policy, or the policy of one of its pools.
type PolicySelector struct {
	Custom   bool   `json:"custom,omitempty"`
	PoolName string `json:"pool_name,omitempty"`
}

// SystemPatch carries the fields of a system edit. Nil fields are left alone.
type SystemPatch struct {
	FQDN         *string         `json:"fqdn,omitempty"`
	Status       *string         `json:"status,omitempty"`
	StatusReason *string         `json:"status_reason,omitempty"`
	Location     *string         `json:"location,omitempty"`
	ActivePolicy *PolicySelector `json:"active_access_policy,omitempty"`
}

func (p SystemPatch) editsSystem() bool {
	return p.FQDN != nil || p.Status != nil || p.StatusReason != nil || p.Location != nil
}

// Service applies system edits and answers system reads.
type Service struct {
	store store.Store
	log   logr.Logger
	now   func() time.Time
}

func NewService(st store.Store, log logr.Logger) *Service {
	return &Service{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// System returns a system with its active policy.
func (s *Service) System(ctx context.Context, fqdn string) (models.System, models.AccessPolicy, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.System{}, models.AccessPolicy{}, err
	}
	defer tx.Rollback(ctx)
	sys, err := tx.SystemByFQDN(ctx, fqdn)
	if err != nil {
		return models.System{}, models.AccessPolicy{}, err
	}
	policy, err := tx.AccessPolicy(ctx, sys.ActivePolicyID)
	if err != nil {
		return models.System{}, models.AccessPolicy{}, err
	}
	return sys, policy, nil
}

// Activity lists the audit entries recorded against a system.
func (s *Service) Activity(ctx context.Context, fqdn string) ([]models.Activity, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	sys, err := tx.SystemByFQDN(ctx, fqdn)
	if err != nil {
		return nil, err
	}
	return tx.Activities(ctx, models.ObjectSystem, sys.ID)
}

// UpdateSystem checks permissions and applies patch in one transaction.
// Changing the active policy needs edit_policy; every other field needs
// edit_system.
func (s *Service) UpdateSystem(ctx context.Context, actor models.Actor, fqdn string, patch SystemPatch) (models.System, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.System{}, err
	}
	defer tx.Rollback(ctx)

	sys, err := tx.SystemByFQDN(ctx, fqdn)
	if err != nil {
		return models.System{}, err
	}
	policy, err := tx.AccessPolicy(ctx, sys.ActivePolicyID)
	if err != nil {
		return models.System{}, err
	}
	if patch.ActivePolicy != nil && !HasPermission(sys, policy, actor.User, models.PermEditPolicy) {
		return models.System{}, errs.Permission("Cannot edit system access policy")
	}
	if patch.editsSystem() && !HasPermission(sys, policy, actor.User, models.PermEditSystem) {
		return models.System{}, errs.Permission("Cannot edit system")
	}

	now := s.now()
	record := func(field, from, to string) error {
		return tx.RecordActivity(ctx, &models.Activity{
			ObjectKind: models.ObjectSystem,
			ObjectID:   sys.ID,
			User:       actor.User.UserName,
			Service:    actor.Service,
			Field:      field,
			Action:     "Changed",
			OldValue:   from,
			NewValue:   to,
			CreatedAt:  now,
		})
	}
	changed := false
	if patch.FQDN != nil && *patch.FQDN != sys.FQDN {
		if *patch.FQDN == "" {
			return models.System{}, errs.Validation("System must have an FQDN")
		}
		if err := record("FQDN", sys.FQDN, *patch.FQDN); err != nil {
			return models.System{}, err
		}
		sys.FQDN = *patch.FQDN
		changed = true
	}
	if patch.Status != nil && *patch.Status != sys.Status {
		if !validStatus(*patch.Status) {
			return models.System{}, errs.Validation("Invalid system status %s", *patch.Status)
		}
		if err := record("Status", sys.Status, *patch.Status); err != nil {
			return models.System{}, err
		}
		sys.Status = *patch.Status
		changed = true
	}
	if patch.StatusReason != nil && *patch.StatusReason != sys.StatusReason {
		if utf8.RuneCountInString(*patch.StatusReason) > MaxStatusReason {
			return models.System{}, errs.Validation("System condition report is longer than %d characters", MaxStatusReason)
		}
		if err := record("Status Reason", sys.StatusReason, *patch.StatusReason); err != nil {
			return models.System{}, err
		}
		sys.StatusReason = *patch.StatusReason
		changed = true
	}
	if patch.Location != nil && *patch.Location != sys.Location {
		if err := record("Location", sys.Location, *patch.Location); err != nil {
			return models.System{}, err
		}
		sys.Location = *patch.Location
		changed = true
	}
	if patch.ActivePolicy != nil {
		moved, err := s.selectPolicy(ctx, tx, &sys, *patch.ActivePolicy, record)
		if err != nil {
			return models.System{}, err
		}
		changed = changed || moved
	}
	if !changed {
		return sys, nil
	}
	if err := tx.UpdateSystem(ctx, sys); err != nil {
		return models.System{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.System{}, fmt.Errorf("commit system update: %w", err)
	}
	s.log.Info("system updated", "system", sys.FQDN, "user", actor.User.UserName)
	return sys, nil
}

// selectPolicy points sys at the policy sel names and records the change.
// Reselecting the current policy is a no-op.
func (s *Service) selectPolicy(ctx context.Context, tx store.Tx, sys *models.System, sel PolicySelector, record func(field, from, to string) error) (bool, error) {
	var (
		target int64
		pool   string
	)
	switch {
	case sel.Custom && sel.PoolName == "":
		target = sys.CustomPolicyID
	case !sel.Custom && sel.PoolName != "":
		p, err := tx.PoolByName(ctx, sel.PoolName)
		if errors.Is(err, errs.ErrNotFound) {
			return false, errs.Validation("System pool %s does not exist", sel.PoolName)
		}
		if err != nil {
			return false, err
		}
		if !sys.InPool(p.Name) {
			return false, errs.Validation("To use a pool policy, the system must be in the pool first")
		}
		target = p.PolicyID
		pool = p.Name
	default:
		return false, errs.Validation("Active access policy must name either the custom policy or a pool")
	}
	if target == sys.ActivePolicyID {
		return false, nil
	}
	old, err := s.describePolicy(ctx, tx, *sys, sys.ActivePolicyID)
	if err != nil {
		return false, err
	}
	if err := record("Active Access Policy", old, policyDescription(pool)); err != nil {
		return false, err
	}
	sys.ActivePolicyID = target
	return true, nil
}

func (s *Service) describePolicy(ctx context.Context, tx store.Tx, sys models.System, policyID int64) (string, error) {
	if policyID == sys.CustomPolicyID {
		return policyDescription(""), nil
	}
	p, err := tx.PoolByPolicy(ctx, policyID)
	if err != nil {
		return "", err
	}
	return policyDescription(p.Name), nil
}

func policyDescription(pool string) string {
	if pool == "" {
		return "Custom access policy"
	}
	return "Pool policy: " + pool
}

func validStatus(status string) bool {
	return slices.Contains(systemStatuses, status)
}
