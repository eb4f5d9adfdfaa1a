// Package access evaluates system access policies and job ownership rules,
// and applies audited edits to systems.
package access

import (
	"slices"

	"github.com/shawnpdoherty/beaker/internal/models"
)

// RuleMatches reports whether rule applies to user: everybody, the user by
// name, or a group the user belongs to.
func RuleMatches(rule models.AccessRule, user models.User) bool {
	switch {
	case rule.Everybody:
		return true
	case rule.User != "":
		return rule.User == user.UserName
	case rule.Group != "":
		return user.InGroup(rule.Group)
	}
	return false
}

// Grants is true iff some rule of policy matches user and carries perm.
func Grants(policy models.AccessPolicy, user models.User, perm models.Permission) bool {
	return slices.ContainsFunc(policy.Rules, func(r models.AccessRule) bool {
		return r.Permission == perm && RuleMatches(r, user)
	})
}

// HasPermission adds the implicit grants of a system on top of its active
// policy: the owner and admins hold every permission.
func HasPermission(sys models.System, policy models.AccessPolicy, user models.User, perm models.Permission) bool {
	if user.Admin || (user.UserName != "" && user.UserName == sys.Owner) {
		return true
	}
	return Grants(policy, user, perm)
}

// CanReserve also lets the current loanee reserve a loaned system.
func CanReserve(sys models.System, policy models.AccessPolicy, user models.User) bool {
	if sys.LoanedTo != "" && sys.LoanedTo == user.UserName {
		return true
	}
	return HasPermission(sys, policy, user, models.PermReserve)
}

// CanLoan checks loan_any, or loan_self when the recipient is the caller.
func CanLoan(sys models.System, policy models.AccessPolicy, user models.User, recipient string) bool {
	if HasPermission(sys, policy, user, models.PermLoanAny) {
		return true
	}
	return recipient == user.UserName && HasPermission(sys, policy, user, models.PermLoanSelf)
}
