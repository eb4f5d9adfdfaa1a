package jobxml

import (
	"fmt"
	"strconv"

	"github.com/shawnpdoherty/beaker/internal/models"
)

// FromJob converts a stored job into a document that can be submitted
// again. The owner is left out so the document clones as its submitter.
func FromJob(j models.Job) (*Job, error) {
	doc := jobHeader(j)
	for _, rs := range j.RecipeSets {
		xrs, err := fromRecipeSet(rs)
		if err != nil {
			return nil, err
		}
		doc.RecipeSets = append(doc.RecipeSets, xrs)
	}
	return doc, nil
}

// FromRecipeSet wraps a single recipe set of j in a job document.
func FromRecipeSet(j models.Job, rs models.RecipeSet) (*Job, error) {
	doc := jobHeader(j)
	xrs, err := fromRecipeSet(rs)
	if err != nil {
		return nil, err
	}
	doc.RecipeSets = []RecipeSet{xrs}
	return doc, nil
}

func jobHeader(j models.Job) *Job {
	doc := &Job{
		RetentionTag: j.RetentionTag,
		Product:      j.Product,
		Group:        j.Group,
		Whiteboard:   j.Whiteboard,
	}
	if len(j.CC) > 0 {
		doc.Notify = &Notify{CC: append([]string(nil), j.CC...)}
	}
	return doc
}

func fromRecipeSet(rs models.RecipeSet) (RecipeSet, error) {
	priority := rs.Priority.String()
	out := RecipeSet{Priority: &priority}
	for _, i := range rs.Machines() {
		r, err := fromRecipe(rs.Recipes[i])
		if err != nil {
			return out, err
		}
		for _, g := range rs.GuestsOf(i) {
			guest, err := fromRecipe(rs.Recipes[g])
			if err != nil {
				return out, err
			}
			r.Guests = append(r.Guests, guest)
		}
		out.Recipes = append(out.Recipes, r)
	}
	return out, nil
}

func fromRecipe(r models.Recipe) (Recipe, error) {
	out := Recipe{
		Role:              r.Role,
		KSMeta:            r.KSMeta,
		KernelOptions:     r.KernelOptions,
		KernelOptionsPost: r.KernelOptionsPost,
		Kickstart:         r.Kickstart,
	}
	if len(r.KSAppends) > 0 {
		out.KSAppends = &KSAppends{KSAppend: append([]string(nil), r.KSAppends...)}
	}
	if r.Whiteboard != nil {
		out.Whiteboard = *r.Whiteboard
	}
	if r.Guest != nil {
		out.GuestName = r.Guest.Name
		out.GuestArgs = r.Guest.Args
	}
	if r.AutopickRandom {
		out.Autopick = &Autopick{Random: "true"}
	}
	if r.Panic != "" {
		out.Watchdog = &Watchdog{Panic: r.Panic}
	}
	if r.Reservation != nil {
		out.Reservesys = &Reservesys{Duration: strconv.Itoa(r.Reservation.Duration)}
	}
	if len(r.Packages) > 0 {
		out.Packages = &Packages{}
		for _, p := range r.Packages {
			out.Packages.Package = append(out.Packages.Package, Package{Name: p})
		}
	}
	if len(r.Repos) > 0 {
		out.Repos = &Repos{}
		for _, repo := range r.Repos {
			out.Repos.Repo = append(out.Repos.Repo, Repo{Name: repo.Name, URL: repo.URL})
		}
	}
	var err error
	if out.DistroRequires, err = parseRequires(r.DistroRequires); err != nil {
		return out, fmt.Errorf("recipe %s distroRequires: %w", r.TID(), err)
	}
	if out.HostRequires, err = parseRequires(r.HostRequires); err != nil {
		return out, fmt.Errorf("recipe %s hostRequires: %w", r.TID(), err)
	}
	for _, t := range r.Tasks {
		xt := Task{Name: t.Name, Role: t.Role}
		if t.FetchURL != "" {
			xt.Fetch = &Fetch{URL: t.FetchURL, Subdir: t.FetchSubdir}
		}
		if len(t.Params) > 0 {
			xt.Params = &Params{}
			for _, p := range t.Params {
				xt.Params.Param = append(xt.Params.Param, Param{Name: p.Name, Value: p.Value})
			}
		}
		out.Tasks = append(out.Tasks, xt)
	}
	return out, nil
}
