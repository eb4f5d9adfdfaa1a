package jobs

import (
	"context"
	"errors"
	"net/mail"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/installopts"
	"github.com/shawnpdoherty/beaker/internal/jobxml"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/requires"
	"github.com/shawnpdoherty/beaker/internal/store"
	"github.com/shawnpdoherty/beaker/internal/telemetry"
)

// builder turns one job document into an unsaved job tree. It reads the
// registries through the submission's transaction; nothing is committed until
// the caller persists the finished tree.
type builder struct {
	tx            store.Tx
	eval          *requires.Evaluator
	ignoreMissing bool
	now           time.Time

	distros []models.DistroTree
	systems []models.System
}

func (b *builder) load(ctx context.Context) error {
	var err error
	if b.distros, err = b.tx.DistroTrees(ctx); err != nil {
		return err
	}
	b.systems, err = b.tx.Systems(ctx)
	return err
}

// buildJob validates the job level attributes and builds every recipe set.
func (b *builder) buildJob(ctx context.Context, doc *jobxml.Job, submitter models.User) (*models.Job, error) {
	if submitter.RootPasswordExpired {
		return nil, errs.Validation("Your root password has expired, please change or clear it in order to submit jobs.")
	}
	if err := b.load(ctx); err != nil {
		return nil, err
	}

	owner := submitter
	if doc.User != "" && doc.User != submitter.UserName {
		u, err := b.tx.UserByName(ctx, doc.User)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Validation("%s is not a valid user name", doc.User)
		}
		if err != nil {
			return nil, err
		}
		if !submitter.IsDelegateFor(u.UserName) {
			return nil, errs.Permission("%s is not a valid submission delegate for %s", submitter.UserName, u.UserName)
		}
		owner = u
	}

	var group string
	if doc.Group != "" {
		g, err := b.tx.GroupByName(ctx, doc.Group)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Validation("%s is not a valid group", doc.Group)
		}
		if err != nil {
			return nil, err
		}
		if !owner.InGroup(g.Name) {
			return nil, errs.Permission("User %s is not a member of group %s", owner.UserName, g.Name)
		}
		group = g.Name
	}

	tag, product, err := ResolveTagProduct(ctx, b.tx, doc.RetentionTag, doc.Product)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		Whiteboard:   doc.Whiteboard,
		Owner:        owner.UserName,
		Submitter:    submitter.UserName,
		Group:        group,
		RetentionTag: tag.Tag,
		Product:      product,
		Status:       models.StatusNew,
		CreatedAt:    b.now,
	}
	for _, addr := range doc.CC() {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, errs.Validation("Invalid e-mail address %q in <cc/>: %s", addr, err)
		}
		if !slices.Contains(job.CC, parsed.Address) {
			job.CC = append(job.CC, parsed.Address)
		}
	}

	for _, xrs := range doc.RecipeSets {
		rs, err := b.buildRecipeSet(ctx, xrs, owner)
		if err != nil {
			return nil, err
		}
		job.TTasks += rs.TTasks
		job.RecipeSets = append(job.RecipeSets, rs)
	}
	if len(job.RecipeSets) == 0 {
		return nil, errs.Validation("No RecipeSets! You can not have a Job with no recipeSets!")
	}
	return job, nil
}

// buildRecipeSet resolves the priority against what owner may request and
// lays out the recipes with each host followed by its guests.
func (b *builder) buildRecipeSet(ctx context.Context, xrs jobxml.RecipeSet, owner models.User) (rs models.RecipeSet, err error) {
	ctx, span := telemetry.StartSpan(ctx, "jobs.buildRecipeSet", attribute.Int("recipes", len(xrs.Recipes)))
	defer func() { telemetry.EndSpan(span, err) }()

	rs = models.RecipeSet{Priority: models.DefaultPriority, Status: models.StatusNew, CreatedAt: b.now}
	if xrs.Priority != nil {
		p, perr := models.ParsePriority(*xrs.Priority)
		if perr != nil {
			return rs, errs.Validation("You have specified an invalid recipeSet priority:%s", *xrs.Priority)
		}
		if slices.Contains(access.AllowedInitialPriorities(owner), p) {
			rs.Priority = p
		}
	}

	for _, xr := range xrs.Recipes {
		host, guests, err := b.buildRecipe(ctx, xr, false)
		if err != nil {
			return rs, err
		}
		hostIndex := len(rs.Recipes)
		rs.TTasks += host.TTasks
		rs.Recipes = append(rs.Recipes, host)
		for _, g := range guests {
			g.Guest.HostIndex = hostIndex
			rs.TTasks += g.TTasks
			rs.Recipes = append(rs.Recipes, g)
		}
	}
	if len(rs.Recipes) == 0 {
		return rs, errs.Validation("No Recipes! You can not have a recipeSet with no recipes!")
	}
	return rs, nil
}

// buildRecipe builds a machine recipe, or a guest when guest is set, and
// returns the guests of a machine recipe separately.
func (b *builder) buildRecipe(ctx context.Context, xr jobxml.Recipe, guest bool) (r models.Recipe, guests []models.Recipe, err error) {
	ctx, span := telemetry.StartSpan(ctx, "jobs.buildRecipe",
		attribute.Bool("guest", guest), attribute.Int("tasks", len(xr.Tasks)))
	defer func() { telemetry.EndSpan(span, err) }()

	if guest {
		if len(xr.Guests) > 0 {
			return r, nil, errs.Validation("Guest recipes cannot host guest recipes")
		}
		r.Guest = &models.GuestInfo{Name: xr.GuestName, Args: xr.GuestArgs}
	} else {
		for _, xg := range xr.Guests {
			g, _, err := b.buildRecipe(ctx, xg, true)
			if err != nil {
				return r, nil, err
			}
			guests = append(guests, g)
		}
	}

	r.DistroRequires = xr.DistroRequiresText()
	r.HostRequires = xr.HostRequiresText()
	if r.DistroTree, err = b.eval.SelectDistroTree(r.DistroRequires, b.distros); err != nil {
		return r, nil, err
	}
	if err := b.eval.ValidateHost(r.HostRequires, b.systems); err != nil {
		return r, nil, err
	}

	if xr.Whiteboard != "" {
		wb := xr.Whiteboard
		r.Whiteboard = &wb
	}
	r.Kickstart = xr.Kickstart
	if r.AutopickRandom, err = xr.AutopickRandom(); err != nil {
		return r, nil, err
	}
	if xr.Watchdog != nil {
		r.Panic = xr.Watchdog.Panic
	}
	r.Role = xr.Role
	r.KSMeta = xr.KSMeta
	r.KernelOptions = xr.KernelOptions
	r.KernelOptionsPost = xr.KernelOptionsPost
	if _, err := installopts.FromStrings(r.KSMeta, r.KernelOptions, r.KernelOptionsPost); err != nil {
		return r, nil, errs.Validation("Error parsing ks_meta: %s", err)
	}

	duration, reserve, err := xr.ReservationDuration(models.DefaultReservationDuration)
	if err != nil {
		return r, nil, err
	}
	if reserve {
		r.Reservation = &models.ReservationRequest{Duration: duration}
	}

	names := make([]string, 0, len(xr.Packages.List())+len(xr.InstallPackages))
	for _, p := range xr.Packages.List() {
		names = append(names, p.Name)
	}
	names = append(names, xr.InstallPackages...)
	if r.Packages, err = ResolvePackages(ctx, b.tx, names); err != nil {
		return r, nil, err
	}

	for _, repo := range xr.Repos.List() {
		r.Repos = append(r.Repos, models.Repo{Name: repo.Name, URL: repo.URL})
	}
	r.KSAppends = append(r.KSAppends, xr.KSAppends.List()...)

	if r.Tasks, err = ResolveTasks(ctx, b.tx, xr.Tasks, b.ignoreMissing); err != nil {
		return r, nil, err
	}
	if len(r.Tasks) == 0 {
		return r, nil, errs.Validation("No Tasks! You can not have a recipe with no tasks!")
	}
	r.TTasks = len(r.Tasks)
	r.Status = models.StatusNew
	return r, guests, nil
}
