// Package reservation tracks exclusive holds and loans of systems.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
)

// Tracker reserves, releases, lends and returns systems. Every change is
// checked and recorded in the same transaction.
type Tracker struct {
	store store.Store
	log   logr.Logger
	now   func() time.Time
}

func NewTracker(st store.Store, log logr.Logger) *Tracker {
	return &Tracker{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// unit is the state a tracker operation works on inside one transaction.
type unit struct {
	tx     store.Tx
	sys    models.System
	policy models.AccessPolicy
	actor  models.Actor
	at     time.Time
}

func (t *Tracker) begin(ctx context.Context, actor models.Actor, fqdn string) (*unit, error) {
	tx, err := t.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	sys, err := tx.SystemByFQDN(ctx, fqdn)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	policy, err := tx.AccessPolicy(ctx, sys.ActivePolicyID)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	return &unit{tx: tx, sys: sys, policy: policy, actor: actor, at: t.now()}, nil
}

func (u *unit) record(ctx context.Context, field, action, from, to string) error {
	return u.tx.RecordActivity(ctx, &models.Activity{
		ObjectKind: models.ObjectSystem,
		ObjectID:   u.sys.ID,
		User:       u.actor.User.UserName,
		Service:    u.actor.Service,
		Field:      field,
		Action:     action,
		OldValue:   from,
		NewValue:   to,
		CreatedAt:  u.at,
	})
}

// Current returns the open reservation of a system, if any.
func (t *Tracker) Current(ctx context.Context, fqdn string) (models.Reservation, bool, error) {
	tx, err := t.store.Begin(ctx)
	if err != nil {
		return models.Reservation{}, false, err
	}
	defer tx.Rollback(ctx)
	sys, err := tx.SystemByFQDN(ctx, fqdn)
	if err != nil {
		return models.Reservation{}, false, err
	}
	return tx.ActiveReservation(ctx, sys.ID)
}

// Reserve gives actor an exclusive manual hold of the system.
func (t *Tracker) Reserve(ctx context.Context, actor models.Actor, fqdn string) (models.Reservation, error) {
	u, err := t.begin(ctx, actor, fqdn)
	if err != nil {
		return models.Reservation{}, err
	}
	defer u.tx.Rollback(ctx)

	user := actor.User
	if u.sys.LoanedTo != "" && u.sys.LoanedTo != user.UserName {
		return models.Reservation{}, errs.Permission("System is loaned to %s", u.sys.LoanedTo)
	}
	if !access.CanReserve(u.sys, u.policy, user) {
		return models.Reservation{}, errs.Permission("Cannot reserve system")
	}
	if u.sys.Status == "Broken" || u.sys.Status == "Removed" {
		return models.Reservation{}, errs.Validation("System %s is %s and cannot be reserved", u.sys.FQDN, u.sys.Status)
	}
	if cur, open, err := u.tx.ActiveReservation(ctx, u.sys.ID); err != nil {
		return models.Reservation{}, err
	} else if open {
		return models.Reservation{}, errs.Conflict("System is already reserved by %s", cur.User)
	}

	r := models.Reservation{SystemID: u.sys.ID, User: user.UserName, Type: models.ReservationManual, Start: u.at}
	if err := u.tx.CreateReservation(ctx, &r); err != nil {
		return models.Reservation{}, err
	}
	if err := u.record(ctx, "User", "Reserved", "", user.UserName); err != nil {
		return models.Reservation{}, err
	}
	if err := u.tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	t.log.Info("system reserved", "system", u.sys.FQDN, "user", user.UserName)
	return r, nil
}

// Release ends the open reservation. Only the holder or an admin may.
func (t *Tracker) Release(ctx context.Context, actor models.Actor, fqdn string) (models.Reservation, error) {
	u, err := t.begin(ctx, actor, fqdn)
	if err != nil {
		return models.Reservation{}, err
	}
	defer u.tx.Rollback(ctx)

	cur, open, err := u.tx.ActiveReservation(ctx, u.sys.ID)
	if err != nil {
		return models.Reservation{}, err
	}
	if !open {
		return models.Reservation{}, errs.Validation("System %s is not currently reserved", u.sys.FQDN)
	}
	if cur.User != actor.User.UserName && !actor.User.Admin {
		return models.Reservation{}, errs.Permission("Cannot return system reserved by %s", cur.User)
	}
	if err := u.tx.FinishReservation(ctx, cur.ID, u.at); err != nil {
		if errors.Is(err, errs.ErrStale) {
			return models.Reservation{}, errs.Stale("Reservation of %s already ended, please try later", u.sys.FQDN)
		}
		return models.Reservation{}, err
	}
	if err := u.record(ctx, "User", "Returned", cur.User, ""); err != nil {
		return models.Reservation{}, err
	}
	if err := u.tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("commit release: %w", err)
	}
	cur.Finish = &u.at
	t.log.Info("system released", "system", u.sys.FQDN, "user", actor.User.UserName, "holder", cur.User)
	return cur, nil
}

// Loan lends the system to recipient, which needs loan_any, or loan_self
// when recipient is the caller.
func (t *Tracker) Loan(ctx context.Context, actor models.Actor, fqdn, recipient, comment string) (models.System, error) {
	u, err := t.begin(ctx, actor, fqdn)
	if err != nil {
		return models.System{}, err
	}
	defer u.tx.Rollback(ctx)

	if recipient == "" {
		recipient = actor.User.UserName
	}
	if !access.CanLoan(u.sys, u.policy, actor.User, recipient) {
		return models.System{}, errs.Permission("Cannot lend system to %s", recipient)
	}
	if _, err := u.tx.UserByName(ctx, recipient); errors.Is(err, errs.ErrNotFound) {
		return models.System{}, errs.Validation("%s is not a valid user name", recipient)
	} else if err != nil {
		return models.System{}, err
	}

	if recipient != u.sys.LoanedTo {
		if err := u.record(ctx, "Loaned To", "Changed", u.sys.LoanedTo, recipient); err != nil {
			return models.System{}, err
		}
	}
	if comment != u.sys.LoanComment {
		if err := u.record(ctx, "Loan Comment", "Changed", u.sys.LoanComment, comment); err != nil {
			return models.System{}, err
		}
	}
	u.sys.LoanedTo = recipient
	u.sys.LoanComment = comment
	if err := u.tx.UpdateSystem(ctx, u.sys); err != nil {
		return models.System{}, err
	}
	if err := u.tx.Commit(ctx); err != nil {
		return models.System{}, fmt.Errorf("commit loan: %w", err)
	}
	t.log.Info("system loaned", "system", u.sys.FQDN, "user", actor.User.UserName, "recipient", recipient)
	return u.sys, nil
}

// ReturnLoan clears the loan. The loanee, or anyone who may lend to others,
// may return it.
func (t *Tracker) ReturnLoan(ctx context.Context, actor models.Actor, fqdn string) (models.System, error) {
	u, err := t.begin(ctx, actor, fqdn)
	if err != nil {
		return models.System{}, err
	}
	defer u.tx.Rollback(ctx)

	if u.sys.LoanedTo == "" {
		return models.System{}, errs.Validation("System %s is not on loan", u.sys.FQDN)
	}
	if u.sys.LoanedTo != actor.User.UserName && !access.HasPermission(u.sys, u.policy, actor.User, models.PermLoanAny) {
		return models.System{}, errs.Permission("Cannot return loan of system loaned to %s", u.sys.LoanedTo)
	}
	if err := u.record(ctx, "Loaned To", "Changed", u.sys.LoanedTo, ""); err != nil {
		return models.System{}, err
	}
	if u.sys.LoanComment != "" {
		if err := u.record(ctx, "Loan Comment", "Changed", u.sys.LoanComment, ""); err != nil {
			return models.System{}, err
		}
	}
	u.sys.LoanedTo = ""
	u.sys.LoanComment = ""
	if err := u.tx.UpdateSystem(ctx, u.sys); err != nil {
		return models.System{}, err
	}
	if err := u.tx.Commit(ctx); err != nil {
		return models.System{}, fmt.Errorf("commit loan return: %w", err)
	}
	return u.sys, nil
}
