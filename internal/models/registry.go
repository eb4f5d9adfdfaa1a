package models

import (
	"fmt"
	"slices"
	"time"
)

// User is a submitter or owner of jobs and systems.
type User struct {
	ID                  int64    `json:"id"`
	UserName            string   `json:"user_name"`
	Email               string   `json:"email"`
	Admin               bool     `json:"admin"`
	Groups              []string `json:"groups"`
	DelegateFor         []string `json:"delegate_for,omitempty"`
	RootPasswordExpired bool     `json:"rootpw_expired"`
}

func (u User) InGroup(name string) bool {
	return slices.Contains(u.Groups, name)
}

// IsDelegateFor reports whether u may submit jobs on behalf of owner.
func (u User) IsDelegateFor(owner string) bool {
	return slices.Contains(u.DelegateFor, owner)
}

func (u User) Clone() User {
	out := u
	out.Groups = append([]string(nil), u.Groups...)
	out.DelegateFor = append([]string(nil), u.DelegateFor...)
	return out
}

type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"group_name"`
}

// RetentionTag governs how long logs of a finished job are kept.
type RetentionTag struct {
	ID           int64  `json:"id"`
	Tag          string `json:"tag"`
	Default      bool   `json:"default"`
	NeedsProduct bool   `json:"needs_product"`
}

type Product struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Task is a registered test task. Invalid tasks are kept for history but can
// no longer be scheduled.
type Task struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
}

type Package struct {
	ID   int64  `json:"id"`
	Name string `json:"package"`
}

// DistroTree is one installable arch/variant build of a distro.
type DistroTree struct {
	ID         int64     `json:"id"`
	DistroName string    `json:"distro_name"`
	OSMajor    string    `json:"family"`
	OSMinor    string    `json:"osminor,omitempty"`
	Arch       string    `json:"arch"`
	Variant    string    `json:"variant"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (d DistroTree) String() string {
	if d.Variant == "" {
		return fmt.Sprintf("%s %s", d.DistroName, d.Arch)
	}
	return fmt.Sprintf("%s %s %s", d.DistroName, d.Variant, d.Arch)
}

func (d DistroTree) Clone() DistroTree {
	out := d
	out.Tags = append([]string(nil), d.Tags...)
	return out
}

// SortDistroTrees orders candidates newest distro first, then by descending
// id. Requirement matching takes the first element of this order.
func SortDistroTrees(trees []DistroTree) {
	slices.SortStableFunc(trees, func(a, b DistroTree) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}
