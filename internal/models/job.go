package models

import (
	"time"
)

// Status values shared by jobs, recipe sets, recipes and recipe tasks.
const (
	StatusNew       = "New"
	StatusQueued    = "Queued"
	StatusScheduled = "Scheduled"
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
	StatusAborted   = "Aborted"
)

// IsFinished reports whether status is terminal.
func IsFinished(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusAborted:
		return true
	}
	return false
}

// Recipe set responses used when reviewing results.
const (
	ResponseAck = "ack"
	ResponseNak = "nak"
)

// Job is the top-level unit of work. It owns its recipe sets.
type Job struct {
	ID           int64       `json:"id"`
	Whiteboard   string      `json:"whiteboard"`
	Owner        string      `json:"owner"`
	Submitter    string      `json:"submitter"`
	Group        string      `json:"group,omitempty"`
	RetentionTag string      `json:"retention_tag"`
	Product      string      `json:"product,omitempty"`
	CC           []string    `json:"cc"`
	Status       string      `json:"status"`
	TTasks       int         `json:"ttasks"`
	RecipeSets   []RecipeSet `json:"recipesets"`
	CreatedAt    time.Time   `json:"created_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	ToDelete     *time.Time  `json:"to_delete,omitempty"`
	Deleted      *time.Time  `json:"deleted,omitempty"`
}

// TID returns the J:<id> form handed to callers.
func (j Job) TID() string {
	return FormatTaskID(KindJob, j.ID)
}

// CountsAsDeleted is true once the job is marked for deletion or purged.
func (j Job) CountsAsDeleted() bool {
	return j.ToDelete != nil || j.Deleted != nil
}

// AllRecipes walks every recipe, guests included, in recipe-set order.
func (j Job) AllRecipes() []Recipe {
	var out []Recipe
	for _, rs := range j.RecipeSets {
		out = append(out, rs.Recipes...)
	}
	return out
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	out := j
	out.CC = append([]string(nil), j.CC...)
	out.FinishedAt = cloneTime(j.FinishedAt)
	out.ToDelete = cloneTime(j.ToDelete)
	out.Deleted = cloneTime(j.Deleted)
	out.RecipeSets = make([]RecipeSet, len(j.RecipeSets))
	for i, rs := range j.RecipeSets {
		out.RecipeSets[i] = rs.Clone()
	}
	return out
}

// RecipeSet groups recipes scheduled together under one priority. Recipes is
// a flat arena: machine recipes are followed by their guests, and each guest
// points at its host by index.
type RecipeSet struct {
	ID              int64     `json:"id"`
	JobID           int64     `json:"job_id"`
	Priority        Priority  `json:"priority"`
	Status          string    `json:"status"`
	TTasks          int       `json:"ttasks"`
	Response        string    `json:"response,omitempty"`
	ResponseComment string    `json:"response_comment,omitempty"`
	Recipes         []Recipe  `json:"recipes"`
	CreatedAt       time.Time `json:"created_at"`
}

func (rs RecipeSet) TID() string {
	return FormatTaskID(KindRecipeSet, rs.ID)
}

// Machines returns the indexes of the non-guest recipes.
func (rs RecipeSet) Machines() []int {
	var out []int
	for i, r := range rs.Recipes {
		if r.Guest == nil {
			out = append(out, i)
		}
	}
	return out
}

// GuestsOf returns the indexes of the guests hosted by the recipe at host.
func (rs RecipeSet) GuestsOf(host int) []int {
	var out []int
	for i, r := range rs.Recipes {
		if r.Guest != nil && r.Guest.HostIndex == host {
			out = append(out, i)
		}
	}
	return out
}

func (rs RecipeSet) Clone() RecipeSet {
	out := rs
	out.Recipes = make([]Recipe, len(rs.Recipes))
	for i, r := range rs.Recipes {
		out.Recipes[i] = r.Clone()
	}
	return out
}

// GuestInfo marks a recipe as a guest and names its host recipe.
type GuestInfo struct {
	HostIndex int    `json:"host_index"`
	Name      string `json:"guestname,omitempty"`
	Args      string `json:"guestargs,omitempty"`
}

// ReservationRequest asks for the system to be held after the last task.
type ReservationRequest struct {
	Duration int `json:"duration"`
}

// DefaultReservationDuration is used when reservesys carries no duration.
const DefaultReservationDuration = 86400

// Repo is an extra yum repository made available to the recipe.
type Repo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Recipe is the execution plan of a single machine or guest.
type Recipe struct {
	ID                int64               `json:"id"`
	RecipeSetID       int64               `json:"recipe_set_id"`
	Guest             *GuestInfo          `json:"guest,omitempty"`
	Status            string              `json:"status"`
	Whiteboard        *string             `json:"whiteboard,omitempty"`
	HostRequires      string              `json:"host_requires"`
	DistroRequires    string              `json:"distro_requires"`
	DistroTree        DistroTree          `json:"distro_tree"`
	Kickstart         string              `json:"kickstart,omitempty"`
	KSMeta            string              `json:"ks_meta,omitempty"`
	KernelOptions     string              `json:"kernel_options,omitempty"`
	KernelOptionsPost string              `json:"kernel_options_post,omitempty"`
	AutopickRandom    bool                `json:"autopick_random"`
	Panic             string              `json:"panic,omitempty"`
	Role              string              `json:"role,omitempty"`
	Reservation       *ReservationRequest `json:"reservation_request,omitempty"`
	Packages          []string            `json:"packages,omitempty"`
	Repos             []Repo              `json:"repos,omitempty"`
	KSAppends         []string            `json:"ks_appends,omitempty"`
	Tasks             []RecipeTask        `json:"tasks"`
	TTasks            int                 `json:"ttasks"`
}

func (r Recipe) TID() string {
	return FormatTaskID(KindRecipe, r.ID)
}

func (r Recipe) Clone() Recipe {
	out := r
	if r.Guest != nil {
		g := *r.Guest
		out.Guest = &g
	}
	if r.Whiteboard != nil {
		w := *r.Whiteboard
		out.Whiteboard = &w
	}
	if r.Reservation != nil {
		rr := *r.Reservation
		out.Reservation = &rr
	}
	out.DistroTree = r.DistroTree.Clone()
	out.Packages = append([]string(nil), r.Packages...)
	out.Repos = append([]Repo(nil), r.Repos...)
	out.KSAppends = append([]string(nil), r.KSAppends...)
	out.Tasks = make([]RecipeTask, len(r.Tasks))
	for i, t := range r.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

// TaskParam is one name/value parameter of a recipe task.
type TaskParam struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RecipeTask binds a registered task, or an ad-hoc fetch URL, to a recipe.
type RecipeTask struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	TaskID      *int64      `json:"task_id,omitempty"`
	FetchURL    string      `json:"fetch_url,omitempty"`
	FetchSubdir string      `json:"fetch_subdir,omitempty"`
	Role        string      `json:"role,omitempty"`
	Params      []TaskParam `json:"params,omitempty"`
	Status      string      `json:"status"`
}

func (t RecipeTask) TID() string {
	return FormatTaskID(KindRecipeTask, t.ID)
}

func (t RecipeTask) Clone() RecipeTask {
	out := t
	if t.TaskID != nil {
		id := *t.TaskID
		out.TaskID = &id
	}
	out.Params = append([]TaskParam(nil), t.Params...)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
