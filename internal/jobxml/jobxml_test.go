package jobxml

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

const sample = `<?xml version="1.0"?>
<job retention_tag="audit" product="rhel-9" group="kernel-qe" user="alice">
  <whiteboard>nightly kernel</whiteboard>
  <notify><cc>qa@example.com</cc><cc> dev@example.com </cc></notify>
  <recipeSet priority="High">
    <recipe whiteboard="host" role="SERVERS" ks_meta="method=nfs" kernel_options="console=ttyS0">
      <autopick random="true"/>
      <watchdog panic="ignore"/>
      <reservesys duration="3600"/>
      <packages><package name="gcc"/><package name="make"/></packages>
      <installPackage>vim</installPackage>
      <ks_appends><ks_append>%post
echo hi
%end</ks_append></ks_appends>
      <repos><repo name="extra" url="http://repo.example.com/extra"/></repos>
      <guestrecipe guestname="guest1" guestargs="--ram=1024">
        <distroRequires><distro_name op="=" value="Fedora-40"/></distroRequires>
        <hostRequires/>
        <task name="/distribution/check-install"/>
      </guestrecipe>
      <distroRequires><and><distro_family op="=" value="RedHatEnterpriseLinux9"/><distro_arch op="=" value="x86_64"/></and></distroRequires>
      <hostRequires><memory op="&gt;" value="2048"/></hostRequires>
      <task name="/distribution/check-install" role="STANDALONE">
        <params><param name="DEBUG" value="1"/></params>
      </task>
      <task name="/kernel/fetched">
        <fetch url="git://git.example.com/tests#main" subdir="kernel/fetched"/>
      </task>
    </recipe>
  </recipeSet>
</job>`

func TestParseSample(t *testing.T) {
	j, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "audit", j.RetentionTag)
	assert.Equal(t, "rhel-9", j.Product)
	assert.Equal(t, "kernel-qe", j.Group)
	assert.Equal(t, "alice", j.User)
	assert.Equal(t, "nightly kernel", j.Whiteboard)
	assert.Equal(t, []string{"qa@example.com", "dev@example.com"}, j.CC())

	require.Len(t, j.RecipeSets, 1)
	rs := j.RecipeSets[0]
	require.NotNil(t, rs.Priority)
	assert.Equal(t, "High", *rs.Priority)
	require.Len(t, rs.Recipes, 1)

	r := rs.Recipes[0]
	assert.Equal(t, "host", r.Whiteboard)
	assert.Equal(t, "SERVERS", r.Role)
	assert.Equal(t, "method=nfs", r.KSMeta)
	random, err := r.AutopickRandom()
	require.NoError(t, err)
	assert.True(t, random)
	assert.Equal(t, "ignore", r.Watchdog.Panic)
	d, ok, err := r.ReservationDuration(models.DefaultReservationDuration)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3600, d)
	assert.Equal(t, []Package{{Name: "gcc"}, {Name: "make"}}, r.Packages.List())
	assert.Equal(t, []string{"vim"}, r.InstallPackages)
	assert.Equal(t, []string{"%post\necho hi\n%end"}, r.KSAppends.List())
	assert.Equal(t, []Repo{{Name: "extra", URL: "http://repo.example.com/extra"}}, r.Repos.List())
	assert.Equal(t, `<hostRequires><memory op="&gt;" value="2048"/></hostRequires>`, r.HostRequiresText())
	assert.Contains(t, r.DistroRequiresText(), `<distro_family op="=" value="RedHatEnterpriseLinux9"/>`)

	require.Len(t, r.Guests, 1)
	assert.Equal(t, "guest1", r.Guests[0].GuestName)
	assert.Equal(t, "--ram=1024", r.Guests[0].GuestArgs)
	assert.Equal(t, "<hostRequires/>", r.Guests[0].HostRequiresText())

	require.Len(t, r.Tasks, 2)
	assert.Equal(t, []Param{{Name: "DEBUG", Value: "1"}}, r.Tasks[0].Params.List())
	require.NotNil(t, r.Tasks[1].Fetch)
	assert.Equal(t, "kernel/fetched", r.Tasks[1].Fetch.Subdir)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":         "  ",
		"malformed":     "<job><recipeSet>",
		"wrong root":    "<recipe/>",
		"task no name":  `<job><recipeSet><recipe><task/></recipe></recipeSet></job>`,
		"repo no url":   `<job><recipeSet><recipe><repos><repo name="x"/></repos><task name="/a"/></recipe></recipeSet></job>`,
		"fetch no url":  `<job><recipeSet><recipe><task name="/a"><fetch/></task></recipe></recipeSet></job>`,
		"param no name": `<job><recipeSet><recipe><task name="/a"><params><param value="1"/></params></task></recipe></recipeSet></job>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation))
		})
	}
}

func TestReservationDurationDefaults(t *testing.T) {
	r := Recipe{Reservesys: &Reservesys{}}
	d, ok, err := r.ReservationDuration(models.DefaultReservationDuration)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.DefaultReservationDuration, d)

	r.Reservesys.Duration = "soon"
	_, _, err = r.ReservationDuration(models.DefaultReservationDuration)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestFromJobRoundTrip(t *testing.T) {
	wb := "host"
	job := models.Job{
		ID: 7, Whiteboard: "nightly", RetentionTag: "audit", Product: "rhel-9",
		CC: []string{"qa@example.com"},
		RecipeSets: []models.RecipeSet{{
			ID: 11, Priority: models.PriorityHigh,
			Recipes: []models.Recipe{
				{
					ID: 20, Whiteboard: &wb, AutopickRandom: true, Panic: "ignore",
					DistroRequires: `<distroRequires><distro_name op="=" value="RHEL-9.3"/></distroRequires>`,
					HostRequires:   `<hostRequires/>`,
					Reservation:    &models.ReservationRequest{Duration: 600},
					Packages:       []string{"gcc"},
					Repos:          []models.Repo{{Name: "extra", URL: "http://r"}},
					Tasks: []models.RecipeTask{
						{Name: "/distribution/check-install", Params: []models.TaskParam{{Name: "A", Value: "b c"}}},
						{Name: "/fetched", FetchURL: "git://x", FetchSubdir: "sub"},
					},
				},
				{
					ID: 21, Guest: &models.GuestInfo{HostIndex: 0, Name: "g1"},
					DistroRequires: `<distroRequires/>`,
					Tasks:          []models.RecipeTask{{Name: "/guest/task"}},
				},
			},
		}},
	}

	doc, err := FromJob(job)
	require.NoError(t, err)
	out, err := Marshal(doc)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Empty(t, again.User)
	assert.Equal(t, "nightly", again.Whiteboard)
	assert.Equal(t, []string{"qa@example.com"}, again.CC())
	require.Len(t, again.RecipeSets, 1)
	assert.Equal(t, "High", *again.RecipeSets[0].Priority)
	require.Len(t, again.RecipeSets[0].Recipes, 1)

	r := again.RecipeSets[0].Recipes[0]
	assert.Equal(t, "host", r.Whiteboard)
	assert.Equal(t, job.RecipeSets[0].Recipes[0].DistroRequires, r.DistroRequiresText())
	assert.Equal(t, "<hostRequires/>", r.HostRequiresText())
	require.Len(t, r.Tasks, 2)
	assert.Equal(t, "/distribution/check-install", r.Tasks[0].Name)
	assert.Equal(t, []Param{{Name: "A", Value: "b c"}}, r.Tasks[0].Params.List())
	assert.Equal(t, "git://x", r.Tasks[1].Fetch.URL)
	require.Len(t, r.Guests, 1)
	assert.Equal(t, "g1", r.Guests[0].GuestName)
	assert.Equal(t, "/guest/task", r.Guests[0].Tasks[0].Name)

	d, ok, err := r.ReservationDuration(models.DefaultReservationDuration)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 600, d)
}

func TestFromRecipeSetKeepsOnlyThatSet(t *testing.T) {
	job := models.Job{
		RetentionTag: "scratch",
		RecipeSets: []models.RecipeSet{
			{ID: 1, Priority: models.PriorityLow, Recipes: []models.Recipe{{Tasks: []models.RecipeTask{{Name: "/a"}}}}},
			{ID: 2, Priority: models.PriorityUrgent, Recipes: []models.Recipe{{Tasks: []models.RecipeTask{{Name: "/b"}}}}},
		},
	}
	doc, err := FromRecipeSet(job, job.RecipeSets[1])
	require.NoError(t, err)
	require.Len(t, doc.RecipeSets, 1)
	assert.Equal(t, "Urgent", *doc.RecipeSets[0].Priority)
	assert.Equal(t, "/b", doc.RecipeSets[0].Recipes[0].Tasks[0].Name)
}

func TestMarshalLeavesOutEmptyLists(t *testing.T) {
	job := models.Job{
		RetentionTag: "scratch",
		RecipeSets: []models.RecipeSet{{Recipes: []models.Recipe{{
			DistroRequires: `<distroRequires/>`,
			Packages:       []string{"gcc"},
			Tasks: []models.RecipeTask{
				{Name: "/a"},
				{Name: "/b", Params: []models.TaskParam{{Name: "X", Value: "1"}}},
			},
		}}}},
	}
	doc, err := FromJob(job)
	require.NoError(t, err)
	out, err := Marshal(doc)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `<packages>`)
	assert.Equal(t, 1, strings.Count(s, "<params>"))
	assert.NotContains(t, s, "<repos>")
	assert.NotContains(t, s, "<ks_appends>")

	job.RecipeSets[0].Recipes[0].Packages = nil
	job.RecipeSets[0].Recipes[0].Tasks[1].Params = nil
	doc, err = FromJob(job)
	require.NoError(t, err)
	out, err = Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<packages>")
	assert.NotContains(t, string(out), "<params>")
}

func TestParsePriorityPresence(t *testing.T) {
	j, err := Parse([]byte(`<job><recipeSet><recipe><task name="/a"/></recipe></recipeSet></job>`))
	require.NoError(t, err)
	assert.Nil(t, j.RecipeSets[0].Priority)

	j, err = Parse([]byte(`<job><recipeSet priority=""><recipe><task name="/a"/></recipe></recipeSet></job>`))
	require.NoError(t, err)
	require.NotNil(t, j.RecipeSets[0].Priority)
	assert.Equal(t, "", *j.RecipeSets[0].Priority)
}
