package reservation

import (
	"context"
	"errors"
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
users:
  - {name: owner}
  - {name: tester}
  - {name: borrower}
  - {name: lender}
  - {name: root, admin: true}
systems:
  - fqdn: box.example.com
    owner: owner
    rules:
      - {permission: reserve, user: tester}
      - {permission: loan_self, user: borrower}
      - {permission: loan_any, user: lender}
  - fqdn: broken.example.com
    owner: owner
    status: Broken
`

const box = "box.example.com"

func newTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	st := store.NewMemory()
	require.NoError(t, st.Seed(context.Background(), seed))
	return NewTracker(st, logr.Discard()), st
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

func activity(t *testing.T, st store.Store, fqdn string) []models.Activity {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	sys, err := tx.SystemByFQDN(ctx, fqdn)
	require.NoError(t, err)
	acts, err := tx.Activities(ctx, models.ObjectSystem, sys.ID)
	require.NoError(t, err)
	return acts
}

func TestReserveIsExclusive(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker(t)

	r, err := tr.Reserve(ctx, actor(t, st, "tester"), box)
	require.NoError(t, err)
	assert.Equal(t, "tester", r.User)
	assert.Equal(t, models.ReservationManual, r.Type)
	assert.Nil(t, r.Finish)

	_, err = tr.Reserve(ctx, actor(t, st, "owner"), box)
	assert.True(t, errors.Is(err, errs.ErrConflict))
	assert.Equal(t, "System is already reserved by tester", err.Error())

	_, err = tr.Release(ctx, actor(t, st, "owner"), box)
	assert.True(t, errors.Is(err, errs.ErrPermission))

	released, err := tr.Release(ctx, actor(t, st, "tester"), box)
	require.NoError(t, err)
	assert.NotNil(t, released.Finish)

	_, open, err := tr.Current(ctx, box)
	require.NoError(t, err)
	assert.False(t, open)

	_, err = tr.Release(ctx, actor(t, st, "tester"), box)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	acts := activity(t, st, box)
	require.Len(t, acts, 2)
	assert.Equal(t, "Reserved", acts[0].Action)
	assert.Equal(t, "tester", acts[0].NewValue)
	assert.Equal(t, "Returned", acts[1].Action)
	assert.Equal(t, "tester", acts[1].OldValue)
}

func TestReserveNeedsPermission(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker(t)

	_, err := tr.Reserve(ctx, actor(t, st, "borrower"), box)
	assert.True(t, errors.Is(err, errs.ErrPermission))

	_, err = tr.Reserve(ctx, actor(t, st, "root"), "broken.example.com")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = tr.Reserve(ctx, actor(t, st, "root"), "missing.example.com")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	// admins may release anybody's reservation
	_, err = tr.Reserve(ctx, actor(t, st, "owner"), box)
	require.NoError(t, err)
	_, err = tr.Release(ctx, actor(t, st, "root"), box)
	require.NoError(t, err)
}

func TestLoanLetsLoaneeReserve(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker(t)

	_, err := tr.Loan(ctx, actor(t, st, "borrower"), box, "tester", "")
	assert.True(t, errors.Is(err, errs.ErrPermission))

	sys, err := tr.Loan(ctx, actor(t, st, "borrower"), box, "", "for a week")
	require.NoError(t, err)
	assert.Equal(t, "borrower", sys.LoanedTo)

	// the loan shuts out everyone else, reserve permission or not
	_, err = tr.Reserve(ctx, actor(t, st, "tester"), box)
	assert.True(t, errors.Is(err, errs.ErrPermission))
	assert.Equal(t, "System is loaned to borrower", err.Error())

	_, err = tr.Reserve(ctx, actor(t, st, "borrower"), box)
	require.NoError(t, err)

	acts := activity(t, st, box)
	require.Len(t, acts, 3)
	assert.Equal(t, "Loaned To", acts[0].Field)
	assert.Equal(t, "Loan Comment", acts[1].Field)
	assert.Equal(t, "for a week", acts[1].NewValue)
}

func TestReturnLoan(t *testing.T) {
	ctx := context.Background()
	tr, st := newTracker(t)

	_, err := tr.ReturnLoan(ctx, actor(t, st, "lender"), box)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = tr.Loan(ctx, actor(t, st, "lender"), box, "tester", "")
	require.NoError(t, err)

	_, err = tr.Loan(ctx, actor(t, st, "lender"), box, "nobody", "")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = tr.ReturnLoan(ctx, actor(t, st, "borrower"), box)
	assert.True(t, errors.Is(err, errs.ErrPermission))

	sys, err := tr.ReturnLoan(ctx, actor(t, st, "tester"), box)
	require.NoError(t, err)
	assert.Empty(t, sys.LoanedTo)

	acts := activity(t, st, box)
	require.Len(t, acts, 2)
	assert.Equal(t, "tester", acts[1].OldValue)
	assert.Equal(t, "", acts[1].NewValue)
}
