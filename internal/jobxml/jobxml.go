// Package jobxml reads and writes the job description document.
package jobxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/shawnpdoherty/beaker/internal/errs"
)

type Job struct {
	XMLName      xml.Name    `xml:"job"`
	RetentionTag string      `xml:"retention_tag,attr,omitempty"`
	Product      string      `xml:"product,attr,omitempty"`
	Group        string      `xml:"group,attr,omitempty"`
	User         string      `xml:"user,attr,omitempty"`
	Whiteboard   string      `xml:"whiteboard"`
	Notify       *Notify     `xml:"notify,omitempty"`
	RecipeSets   []RecipeSet `xml:"recipeSet"`
}

type Notify struct {
	CC []string `xml:"cc"`
}

// CC returns the notification addresses, trimmed.
func (j *Job) CC() []string {
	if j.Notify == nil {
		return nil
	}
	out := make([]string, 0, len(j.Notify.CC))
	for _, cc := range j.Notify.CC {
		out = append(out, strings.TrimSpace(cc))
	}
	return out
}

type RecipeSet struct {
	// Priority is nil when the attribute is absent.
	Priority *string  `xml:"priority,attr,omitempty"`
	Recipes  []Recipe `xml:"recipe"`
}

// Recipe is a <recipe> or, nested inside one, a <guestrecipe>.
type Recipe struct {
	Whiteboard        string      `xml:"whiteboard,attr,omitempty"`
	Role              string      `xml:"role,attr,omitempty"`
	KSMeta            string      `xml:"ks_meta,attr,omitempty"`
	KernelOptions     string      `xml:"kernel_options,attr,omitempty"`
	KernelOptionsPost string      `xml:"kernel_options_post,attr,omitempty"`
	GuestName         string      `xml:"guestname,attr,omitempty"`
	GuestArgs         string      `xml:"guestargs,attr,omitempty"`
	Autopick          *Autopick   `xml:"autopick,omitempty"`
	Watchdog          *Watchdog   `xml:"watchdog,omitempty"`
	Reservesys        *Reservesys `xml:"reservesys,omitempty"`
	Packages          *Packages   `xml:"packages,omitempty"`
	InstallPackages   []string    `xml:"installPackage,omitempty"`
	KSAppends         *KSAppends  `xml:"ks_appends,omitempty"`
	Repos             *Repos      `xml:"repos,omitempty"`
	Kickstart         string      `xml:"kickstart,omitempty"`
	Guests            []Recipe    `xml:"guestrecipe,omitempty"`
	DistroRequires    *Requires   `xml:"distroRequires,omitempty"`
	HostRequires      *Requires   `xml:"hostRequires,omitempty"`
	Tasks             []Task      `xml:"task"`
}

type Autopick struct {
	Random string `xml:"random,attr"`
}

type Watchdog struct {
	Panic string `xml:"panic,attr,omitempty"`
}

type Reservesys struct {
	Duration string `xml:"duration,attr,omitempty"`
}

// The list wrappers are pointers so that an empty list leaves out its
// container element. List is safe on a nil wrapper.

type Packages struct {
	Package []Package `xml:"package"`
}

func (p *Packages) List() []Package {
	if p == nil {
		return nil
	}
	return p.Package
}

type KSAppends struct {
	KSAppend []string `xml:"ks_append"`
}

func (k *KSAppends) List() []string {
	if k == nil {
		return nil
	}
	return k.KSAppend
}

type Repos struct {
	Repo []Repo `xml:"repo"`
}

func (r *Repos) List() []Repo {
	if r == nil {
		return nil
	}
	return r.Repo
}

type Params struct {
	Param []Param `xml:"param"`
}

func (p *Params) List() []Param {
	if p == nil {
		return nil
	}
	return p.Param
}

type Package struct {
	Name string `xml:"name,attr"`
}

type Repo struct {
	Name string `xml:"name,attr"`
	URL  string `xml:"url,attr"`
}

type Task struct {
	Name   string  `xml:"name,attr,omitempty"`
	Role   string  `xml:"role,attr,omitempty"`
	Fetch  *Fetch  `xml:"fetch,omitempty"`
	Params *Params `xml:"params,omitempty"`
}

type Fetch struct {
	URL    string `xml:"url,attr"`
	Subdir string `xml:"subdir,attr,omitempty"`
}

type Param struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Requires keeps a requirement element verbatim.
type Requires struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Inner string     `xml:",innerxml"`
}

func (r *Requires) text(name string) string {
	if r == nil {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteString("<" + name)
	for _, a := range r.Attrs {
		buf.WriteString(" " + a.Name.Local + `="`)
		_ = xml.EscapeText(&buf, []byte(a.Value))
		buf.WriteString(`"`)
	}
	inner := strings.TrimSpace(r.Inner)
	if inner == "" {
		buf.WriteString("/>")
		return buf.String()
	}
	buf.WriteString(">" + inner + "</" + name + ">")
	return buf.String()
}

// DistroRequiresText is the <distroRequires> element as stored on a recipe.
func (r *Recipe) DistroRequiresText() string {
	return r.DistroRequires.text("distroRequires")
}

// HostRequiresText is the <hostRequires> element as stored on a recipe.
func (r *Recipe) HostRequiresText() string {
	return r.HostRequires.text("hostRequires")
}

// AutopickRandom reports the <autopick random> flag.
func (r *Recipe) AutopickRandom() (bool, error) {
	if r.Autopick == nil || r.Autopick.Random == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(r.Autopick.Random)
	if err != nil {
		return false, errs.Validation("Invalid autopick random value %q", r.Autopick.Random)
	}
	return b, nil
}

// ReservationDuration returns the requested hold in seconds, or ok=false
// when the recipe has no <reservesys>.
func (r *Recipe) ReservationDuration(def int) (seconds int, ok bool, err error) {
	if r.Reservesys == nil {
		return 0, false, nil
	}
	if r.Reservesys.Duration == "" {
		return def, true, nil
	}
	d, err := strconv.Atoi(r.Reservesys.Duration)
	if err != nil || d <= 0 {
		return 0, false, errs.Validation("Invalid reservesys duration %q", r.Reservesys.Duration)
	}
	return d, true, nil
}

// Parse decodes a job document. Structural problems are validation errors.
func Parse(b []byte) (*Job, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errs.Validation("Job XML is empty")
	}
	var j Job
	if err := xml.Unmarshal(b, &j); err != nil {
		return nil, errs.Validation("Invalid job XML: %s", err)
	}
	for i := range j.RecipeSets {
		for k := range j.RecipeSets[i].Recipes {
			if err := checkRecipe(&j.RecipeSets[i].Recipes[k]); err != nil {
				return nil, err
			}
		}
	}
	return &j, nil
}

func checkRecipe(r *Recipe) error {
	for i := range r.Guests {
		if err := checkRecipe(&r.Guests[i]); err != nil {
			return err
		}
	}
	for _, p := range r.Packages.List() {
		if strings.TrimSpace(p.Name) == "" {
			return errs.Validation("<package> requires a name attribute")
		}
	}
	for _, repo := range r.Repos.List() {
		if repo.Name == "" || repo.URL == "" {
			return errs.Validation("<repo> requires name and url attributes")
		}
	}
	for _, t := range r.Tasks {
		if t.Fetch != nil && t.Fetch.URL == "" {
			return errs.Validation("<fetch> requires a url attribute")
		}
		if t.Fetch == nil && strings.TrimSpace(t.Name) == "" {
			return errs.Validation("<task> requires a name attribute")
		}
		for _, p := range t.Params.List() {
			if p.Name == "" {
				return errs.Validation("<param> requires a name attribute in task %s", t.Name)
			}
		}
	}
	return nil
}

// Marshal renders the document with an XML declaration.
func Marshal(j *Job) ([]byte, error) {
	out, err := xml.MarshalIndent(j, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job xml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func parseRequires(text string) (*Requires, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var r Requires
	if err := xml.Unmarshal([]byte(text), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
