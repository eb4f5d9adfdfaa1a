package models

import (
	"slices"
	"time"
)

// Permission is a capability an access policy rule grants on a system.
type Permission string

const (
	PermView          Permission = "view"
	PermViewPower     Permission = "view_power"
	PermEditPolicy    Permission = "edit_policy"
	PermEditSystem    Permission = "edit_system"
	PermLoanAny       Permission = "loan_any"
	PermLoanSelf      Permission = "loan_self"
	PermControlSystem Permission = "control_system"
	PermReserve       Permission = "reserve"
)

func ParsePermission(s string) (Permission, bool) {
	p := Permission(s)
	switch p {
	case PermView, PermViewPower, PermEditPolicy, PermEditSystem,
		PermLoanAny, PermLoanSelf, PermControlSystem, PermReserve:
		return p, true
	}
	return "", false
}

// AccessRule grants one permission to everybody, a user or a group.
type AccessRule struct {
	Permission Permission `json:"permission" yaml:"permission"`
	Everybody  bool       `json:"everybody,omitempty" yaml:"everybody"`
	User       string     `json:"user,omitempty" yaml:"user"`
	Group      string     `json:"group,omitempty" yaml:"group"`
}

type AccessPolicy struct {
	ID    int64        `json:"id"`
	Rules []AccessRule `json:"rules"`
}

func (p AccessPolicy) Clone() AccessPolicy {
	out := p
	out.Rules = append([]AccessRule(nil), p.Rules...)
	return out
}

type CPU struct {
	Cores      int      `json:"cores"`
	Processors int      `json:"processors"`
	Speed      float64  `json:"speed"`
	Vendor     string   `json:"vendor"`
	ModelName  string   `json:"model_name"`
	Flags      []string `json:"flags,omitempty"`
}

// System is a physical or virtual machine that recipes run on.
type System struct {
	ID             int64             `json:"id"`
	FQDN           string            `json:"fqdn"`
	Owner          string            `json:"owner"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	StatusReason   string            `json:"status_reason,omitempty"`
	Location       string            `json:"location,omitempty"`
	Arch           []string          `json:"arch"`
	Memory         int64             `json:"memory"`
	Vendor         string            `json:"vendor,omitempty"`
	Model          string            `json:"model,omitempty"`
	LabController  string            `json:"lab_controller,omitempty"`
	Hypervisor     string            `json:"hypervisor,omitempty"`
	CPU            CPU               `json:"cpu"`
	KeyValues      map[string]string `json:"key_values,omitempty"`
	Pools          []string          `json:"pools"`
	CustomPolicyID int64             `json:"custom_access_policy_id"`
	ActivePolicyID int64             `json:"active_access_policy_id"`
	LoanedTo       string            `json:"loaned,omitempty"`
	LoanComment    string            `json:"loan_comment,omitempty"`
}

func (s System) InPool(name string) bool {
	return slices.Contains(s.Pools, name)
}

func (s System) Clone() System {
	out := s
	out.Arch = append([]string(nil), s.Arch...)
	out.Pools = append([]string(nil), s.Pools...)
	out.CPU.Flags = append([]string(nil), s.CPU.Flags...)
	if s.KeyValues != nil {
		out.KeyValues = make(map[string]string, len(s.KeyValues))
		for k, v := range s.KeyValues {
			out.KeyValues[k] = v
		}
	}
	return out
}

// SystemPool groups systems; each pool carries its own access policy.
type SystemPool struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Owner    string `json:"owner,omitempty"`
	PolicyID int64  `json:"access_policy_id"`
}

// Reservation types.
const (
	ReservationManual = "manual"
	ReservationRecipe = "recipe"
)

// Reservation is an exclusive hold of a system. Finish is nil while active.
type Reservation struct {
	ID       int64      `json:"id"`
	SystemID int64      `json:"system_id"`
	User     string     `json:"user"`
	Type     string     `json:"type"`
	Start    time.Time  `json:"start_time"`
	Finish   *time.Time `json:"finish_time,omitempty"`
}
