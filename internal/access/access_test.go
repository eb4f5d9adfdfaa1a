package access

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
)

const seedYAML = `
groups: [lab-admins]
users:
  - {name: owner}
  - {name: editor}
  - {name: policyeditor}
  - {name: stranger}
  - {name: ops, groups: [lab-admins]}
  - {name: root, admin: true}
pools:
  - name: shared
    rules:
      - {permission: reserve, everybody: true}
      - {permission: edit_system, group: lab-admins}
  - name: other
systems:
  - fqdn: box.example.com
    owner: owner
    pools: [shared]
    rules:
      - {permission: edit_system, user: editor}
      - {permission: edit_policy, user: policyeditor}
`

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	st := store.NewMemory()
	require.NoError(t, st.Seed(context.Background(), seed))
	return NewService(st, logr.Discard()), st
}

func actor(t *testing.T, st store.Store, name string) models.Actor {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	u, err := tx.UserByName(ctx, name)
	require.NoError(t, err)
	return models.Actor{User: u, Service: models.ServiceHTTP}
}

func strPtr(s string) *string { return &s }

func TestGrants(t *testing.T) {
	policy := models.AccessPolicy{Rules: []models.AccessRule{
		{Permission: models.PermView, Everybody: true},
		{Permission: models.PermReserve, User: "alice"},
		{Permission: models.PermEditSystem, Group: "ops"},
	}}
	alice := models.User{UserName: "alice"}
	bob := models.User{UserName: "bob", Groups: []string{"ops"}}

	assert.True(t, Grants(policy, alice, models.PermView))
	assert.True(t, Grants(policy, alice, models.PermReserve))
	assert.False(t, Grants(policy, bob, models.PermReserve))
	assert.True(t, Grants(policy, bob, models.PermEditSystem))
	assert.False(t, Grants(policy, alice, models.PermEditSystem))
	assert.False(t, Grants(models.AccessPolicy{}, alice, models.PermView))
}

func TestHasPermissionImplicitOwnerAndAdmin(t *testing.T) {
	sys := models.System{Owner: "owner"}
	empty := models.AccessPolicy{}
	assert.True(t, HasPermission(sys, empty, models.User{UserName: "owner"}, models.PermEditPolicy))
	assert.True(t, HasPermission(sys, empty, models.User{UserName: "root", Admin: true}, models.PermLoanAny))
	assert.False(t, HasPermission(sys, empty, models.User{UserName: "x"}, models.PermView))
}

func TestCanLoan(t *testing.T) {
	sys := models.System{Owner: "owner"}
	policy := models.AccessPolicy{Rules: []models.AccessRule{{Permission: models.PermLoanSelf, Everybody: true}}}
	u := models.User{UserName: "u"}
	assert.True(t, CanLoan(sys, policy, u, "u"))
	assert.False(t, CanLoan(sys, policy, u, "someone"))
}

func TestPriorityRanges(t *testing.T) {
	user := models.User{UserName: "u"}
	assert.Equal(t, []models.Priority{models.PriorityLow, models.PriorityMedium, models.PriorityNormal}, AllowedInitialPriorities(user))
	assert.Len(t, AllowedInitialPriorities(models.User{Admin: true}), 5)

	job := models.Job{Owner: "u"}
	assert.Equal(t, []models.Priority{models.PriorityLow, models.PriorityMedium}, AllowedPriorityChanges(user, job, models.PriorityMedium))
	assert.Empty(t, AllowedPriorityChanges(models.User{UserName: "other"}, job, models.PriorityHigh))
}

func TestCanDeleteJobNeedsFinished(t *testing.T) {
	u := models.User{UserName: "u"}
	assert.False(t, CanDeleteJob(u, models.Job{Owner: "u", Status: models.StatusRunning}))
	assert.True(t, CanDeleteJob(u, models.Job{Owner: "u", Status: models.StatusCompleted}))
	assert.True(t, CanDeleteJob(models.User{UserName: "g", Groups: []string{"qe"}}, models.Job{Owner: "u", Group: "qe", Status: models.StatusAborted}))
}

func TestSwitchToPoolPolicyRecordsOneActivity(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	owner := actor(t, st, "owner")

	sys, err := svc.UpdateSystem(ctx, owner, "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{PoolName: "shared"}})
	require.NoError(t, err)
	assert.NotEqual(t, sys.CustomPolicyID, sys.ActivePolicyID)

	acts, err := svc.Activity(ctx, "box.example.com")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "Active Access Policy", acts[0].Field)
	assert.Equal(t, "Changed", acts[0].Action)
	assert.Equal(t, "Custom access policy", acts[0].OldValue)
	assert.Equal(t, "Pool policy: shared", acts[0].NewValue)
	assert.Equal(t, models.ServiceHTTP, acts[0].Service)

	// reselecting the same pool changes nothing
	_, err = svc.UpdateSystem(ctx, owner, "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{PoolName: "shared"}})
	require.NoError(t, err)
	acts, err = svc.Activity(ctx, "box.example.com")
	require.NoError(t, err)
	assert.Len(t, acts, 1)

	_, err = svc.UpdateSystem(ctx, owner, "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{Custom: true}})
	require.NoError(t, err)
	acts, err = svc.Activity(ctx, "box.example.com")
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "Pool policy: shared", acts[1].OldValue)
	assert.Equal(t, "Custom access policy", acts[1].NewValue)
}

func TestPoolPolicyRequiresMembership(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	_, err := svc.UpdateSystem(ctx, actor(t, st, "owner"), "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{PoolName: "other"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, "To use a pool policy, the system must be in the pool first", err.Error())

	sys, _, err := svc.System(ctx, "box.example.com")
	require.NoError(t, err)
	assert.Equal(t, sys.CustomPolicyID, sys.ActivePolicyID)
	acts, err := svc.Activity(ctx, "box.example.com")
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestEditPermissionsAreDistinct(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	_, err := svc.UpdateSystem(ctx, actor(t, st, "editor"), "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{PoolName: "shared"}})
	assert.True(t, errors.Is(err, errs.ErrPermission))
	assert.Equal(t, "Cannot edit system access policy", err.Error())

	_, err = svc.UpdateSystem(ctx, actor(t, st, "policyeditor"), "box.example.com", SystemPatch{Location: strPtr("lab 4")})
	assert.True(t, errors.Is(err, errs.ErrPermission))
	assert.Equal(t, "Cannot edit system", err.Error())

	sys, err := svc.UpdateSystem(ctx, actor(t, st, "editor"), "box.example.com", SystemPatch{Location: strPtr("lab 4")})
	require.NoError(t, err)
	assert.Equal(t, "lab 4", sys.Location)

	_, err = svc.UpdateSystem(ctx, actor(t, st, "policyeditor"), "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{PoolName: "shared"}})
	require.NoError(t, err)
}

func TestPoolMembershipAloneGrantsNothing(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	ops := actor(t, st, "ops")

	// the shared pool lets lab-admins edit, but its policy is not active yet
	_, err := svc.UpdateSystem(ctx, ops, "box.example.com", SystemPatch{Location: strPtr("rack 2")})
	assert.True(t, errors.Is(err, errs.ErrPermission))

	_, err = svc.UpdateSystem(ctx, actor(t, st, "owner"), "box.example.com", SystemPatch{ActivePolicy: &PolicySelector{PoolName: "shared"}})
	require.NoError(t, err)
	_, err = svc.UpdateSystem(ctx, ops, "box.example.com", SystemPatch{Location: strPtr("rack 2")})
	require.NoError(t, err)
}

func TestStatusReasonLimit(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	root := actor(t, st, "root")

	_, err := svc.UpdateSystem(ctx, root, "box.example.com", SystemPatch{StatusReason: strPtr(strings.Repeat("x", MaxStatusReason+1))})
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, "System condition report is longer than 4000 characters", err.Error())

	sys, err := svc.UpdateSystem(ctx, root, "box.example.com", SystemPatch{
		Status:       strPtr("Broken"),
		StatusReason: strPtr(strings.Repeat("x", MaxStatusReason)),
	})
	require.NoError(t, err)
	assert.Equal(t, "Broken", sys.Status)

	acts, err := svc.Activity(ctx, "box.example.com")
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "Status", acts[0].Field)
	assert.Equal(t, "Status Reason", acts[1].Field)
}

func TestInvalidStatus(t *testing.T) {
	svc, st := newService(t)
	_, err := svc.UpdateSystem(context.Background(), actor(t, st, "root"), "box.example.com", SystemPatch{Status: strPtr("Melted")})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}
