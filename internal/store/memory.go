package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// Memory is an in-process Store. Transactions are serialized: Begin takes
// the store lock and works on a private copy of the data, which Commit
// publishes and Rollback drops.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	seq          int64
	users        map[string]models.User
	groups       map[string]models.Group
	tags         []models.RetentionTag
	products     map[string]models.Product
	tasks        map[string]models.Task
	distros      []models.DistroTree
	systems      map[int64]models.System
	pools        map[string]models.SystemPool
	policies     map[int64]models.AccessPolicy
	reservations []models.Reservation
	jobs         map[int64]models.Job
	packages     map[string]models.Package
	activities   []models.Activity
}

func NewMemory() *Memory {
	return &Memory{
		data: &memData{
			users:    map[string]models.User{},
			groups:   map[string]models.Group{},
			products: map[string]models.Product{},
			tasks:    map[string]models.Task{},
			systems:  map[int64]models.System{},
			pools:    map[string]models.SystemPool{},
			policies: map[int64]models.AccessPolicy{},
			jobs:     map[int64]models.Job{},
			packages: map[string]models.Package{},
		},
	}
}

func (d *memData) clone() *memData {
	out := &memData{
		seq:          d.seq,
		users:        make(map[string]models.User, len(d.users)),
		groups:       maps.Clone(d.groups),
		tags:         slices.Clone(d.tags),
		products:     maps.Clone(d.products),
		tasks:        maps.Clone(d.tasks),
		distros:      make([]models.DistroTree, len(d.distros)),
		systems:      make(map[int64]models.System, len(d.systems)),
		pools:        maps.Clone(d.pools),
		policies:     make(map[int64]models.AccessPolicy, len(d.policies)),
		reservations: make([]models.Reservation, len(d.reservations)),
		jobs:         make(map[int64]models.Job, len(d.jobs)),
		packages:     maps.Clone(d.packages),
		activities:   slices.Clone(d.activities),
	}
	for k, u := range d.users {
		out.users[k] = u.Clone()
	}
	for i, t := range d.distros {
		out.distros[i] = t.Clone()
	}
	for k, s := range d.systems {
		out.systems[k] = s.Clone()
	}
	for k, p := range d.policies {
		out.policies[k] = p.Clone()
	}
	for i, r := range d.reservations {
		r.Finish = cloneTime(r.Finish)
		out.reservations[i] = r
	}
	for k, j := range d.jobs {
		out.jobs[k] = j.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (d *memData) nextID() int64 {
	d.seq++
	return d.seq
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	return &memTx{m: m, d: m.data.clone()}, nil
}

// PackageCount reports how many distinct packages have been committed.
func (m *Memory) PackageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.packages)
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() {}

// Seed loads reference data. Entries that already exist are left alone.
func (m *Memory) Seed(ctx context.Context, seed config.Seed) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	d := tx.(*memTx).d

	for _, g := range seed.Groups {
		if _, ok := d.groups[g]; !ok {
			d.groups[g] = models.Group{ID: d.nextID(), Name: g}
		}
	}
	for _, u := range seed.Users {
		if _, ok := d.users[u.Name]; ok {
			continue
		}
		for _, g := range u.Groups {
			if _, ok := d.groups[g]; !ok {
				d.groups[g] = models.Group{ID: d.nextID(), Name: g}
			}
		}
		d.users[u.Name] = models.User{
			ID:                  d.nextID(),
			UserName:            u.Name,
			Email:               u.Email,
			Admin:               u.Admin,
			Groups:              slices.Clone(u.Groups),
			DelegateFor:         slices.Clone(u.DelegateFor),
			RootPasswordExpired: u.RootPasswordExpired,
		}
	}
	for _, t := range seed.RetentionTags {
		if slices.ContainsFunc(d.tags, func(x models.RetentionTag) bool { return x.Tag == t.Tag }) {
			continue
		}
		d.tags = append(d.tags, models.RetentionTag{ID: d.nextID(), Tag: t.Tag, Default: t.Default, NeedsProduct: t.NeedsProduct})
	}
	for _, p := range seed.Products {
		if _, ok := d.products[p]; !ok {
			d.products[p] = models.Product{ID: d.nextID(), Name: p}
		}
	}
	for _, t := range seed.Tasks {
		task, ok := d.tasks[t.Name]
		if !ok {
			task = models.Task{ID: d.nextID(), Name: t.Name}
		}
		task.Valid = t.IsValid()
		d.tasks[t.Name] = task
	}
	for _, dt := range seed.DistroTrees {
		if slices.ContainsFunc(d.distros, func(x models.DistroTree) bool {
			return x.DistroName == dt.Distro && x.Arch == dt.Arch && x.Variant == dt.Variant
		}) {
			continue
		}
		created := dt.Created
		if created.IsZero() {
			created = time.Now().UTC()
		}
		d.distros = append(d.distros, models.DistroTree{
			ID:         d.nextID(),
			DistroName: dt.Distro,
			OSMajor:    dt.Family,
			OSMinor:    dt.OSMinor,
			Arch:       dt.Arch,
			Variant:    dt.Variant,
			Tags:       slices.Clone(dt.Tags),
			CreatedAt:  created,
		})
	}
	models.SortDistroTrees(d.distros)
	for _, p := range seed.Pools {
		if _, ok := d.pools[p.Name]; ok {
			continue
		}
		policy := models.AccessPolicy{ID: d.nextID(), Rules: slices.Clone(p.Rules)}
		d.policies[policy.ID] = policy
		d.pools[p.Name] = models.SystemPool{ID: d.nextID(), Name: p.Name, Owner: p.Owner, PolicyID: policy.ID}
	}
	for _, s := range seed.Systems {
		if _, err := (&memTx{d: d}).SystemByFQDN(ctx, s.FQDN); err == nil {
			continue
		}
		custom := models.AccessPolicy{ID: d.nextID(), Rules: slices.Clone(s.Rules)}
		d.policies[custom.ID] = custom
		sys := systemFromSeed(s)
		sys.ID = d.nextID()
		sys.CustomPolicyID = custom.ID
		sys.ActivePolicyID = custom.ID
		if s.ActivePool != "" {
			sys.ActivePolicyID = d.pools[s.ActivePool].PolicyID
		}
		d.systems[sys.ID] = sys
	}
	return tx.Commit(ctx)
}

func systemFromSeed(s config.SeedSystem) models.System {
	status := s.Status
	if status == "" {
		status = "Automated"
	}
	typ := s.Type
	if typ == "" {
		typ = "Machine"
	}
	return models.System{
		FQDN:          s.FQDN,
		Owner:         s.Owner,
		Type:          typ,
		Status:        status,
		Arch:          slices.Clone(s.Arch),
		Memory:        s.Memory,
		Vendor:        s.Vendor,
		Model:         s.Model,
		LabController: s.LabController,
		Hypervisor:    s.Hypervisor,
		CPU: models.CPU{
			Cores:      s.CPU.Cores,
			Processors: s.CPU.Processors,
			Speed:      s.CPU.Speed,
			Vendor:     s.CPU.Vendor,
			ModelName:  s.CPU.ModelName,
			Flags:      slices.Clone(s.CPU.Flags),
		},
		KeyValues: maps.Clone(s.KeyValues),
		Pools:     slices.Clone(s.Pools),
	}
}

type memTx struct {
	m    *Memory
	d    *memData
	done bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errs.Conflict("transaction already finished")
	}
	t.done = true
	t.m.data = t.d
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) UserByName(_ context.Context, name string) (models.User, error) {
	u, ok := t.d.users[name]
	if !ok {
		return models.User{}, errs.NotFound("user %s not found", name)
	}
	return u.Clone(), nil
}

func (t *memTx) GroupByName(_ context.Context, name string) (models.Group, error) {
	g, ok := t.d.groups[name]
	if !ok {
		return models.Group{}, errs.NotFound("group %s not found", name)
	}
	return g, nil
}

func (t *memTx) RetentionTagByName(_ context.Context, tag string) (models.RetentionTag, error) {
	for _, rt := range t.d.tags {
		if rt.Tag == tag {
			return rt, nil
		}
	}
	return models.RetentionTag{}, errs.NotFound("retention tag %s not found", tag)
}

func (t *memTx) DefaultRetentionTag(context.Context) (models.RetentionTag, error) {
	for _, rt := range t.d.tags {
		if rt.Default {
			return rt, nil
		}
	}
	return models.RetentionTag{}, errs.NotFound("no default retention tag")
}

func (t *memTx) RetentionTags(context.Context) ([]models.RetentionTag, error) {
	return slices.Clone(t.d.tags), nil
}

func (t *memTx) ProductByName(_ context.Context, name string) (models.Product, error) {
	p, ok := t.d.products[name]
	if !ok {
		return models.Product{}, errs.NotFound("product %s not found", name)
	}
	return p, nil
}

func (t *memTx) TaskByName(_ context.Context, name string) (models.Task, error) {
	task, ok := t.d.tasks[name]
	if !ok {
		return models.Task{}, errs.NotFound("task %s not found", name)
	}
	return task, nil
}

func (t *memTx) EnsurePackage(_ context.Context, name string) (models.Package, error) {
	if p, ok := t.d.packages[name]; ok {
		return p, nil
	}
	p := models.Package{ID: t.d.nextID(), Name: name}
	t.d.packages[name] = p
	return p, nil
}

func (t *memTx) DistroTrees(context.Context) ([]models.DistroTree, error) {
	out := make([]models.DistroTree, len(t.d.distros))
	for i, dt := range t.d.distros {
		out[i] = dt.Clone()
	}
	models.SortDistroTrees(out)
	return out, nil
}

func (t *memTx) CreateJob(_ context.Context, job *models.Job) error {
	job.ID = t.d.nextID()
	for i := range job.RecipeSets {
		rs := &job.RecipeSets[i]
		rs.ID = t.d.nextID()
		rs.JobID = job.ID
		for k := range rs.Recipes {
			r := &rs.Recipes[k]
			r.ID = t.d.nextID()
			r.RecipeSetID = rs.ID
			for n := range r.Tasks {
				r.Tasks[n].ID = t.d.nextID()
			}
		}
	}
	t.d.jobs[job.ID] = job.Clone()
	return nil
}

func (t *memTx) GetJob(_ context.Context, id int64) (models.Job, error) {
	j, ok := t.d.jobs[id]
	if !ok {
		return models.Job{}, errs.NotFound("job %s not found", models.FormatTaskID(models.KindJob, id))
	}
	return j.Clone(), nil
}

func (t *memTx) JobForRecipeSet(ctx context.Context, recipeSetID int64) (models.Job, error) {
	for _, j := range t.d.jobs {
		for _, rs := range j.RecipeSets {
			if rs.ID == recipeSetID {
				return j.Clone(), nil
			}
		}
	}
	return models.Job{}, errs.NotFound("recipe set %s not found", models.FormatTaskID(models.KindRecipeSet, recipeSetID))
}

func (t *memTx) UpdateJobHeader(ctx context.Context, job models.Job) error {
	stored, ok := t.d.jobs[job.ID]
	if !ok {
		return errs.NotFound("job %s not found", job.TID())
	}
	stored.Whiteboard = job.Whiteboard
	stored.RetentionTag = job.RetentionTag
	stored.Product = job.Product
	stored.ToDelete = cloneTime(job.ToDelete)
	stored.Deleted = cloneTime(job.Deleted)
	t.d.jobs[job.ID] = stored
	return nil
}

func (t *memTx) UpdateJobStatus(_ context.Context, id int64, from, to string, at time.Time) error {
	j, ok := t.d.jobs[id]
	if !ok {
		return errs.NotFound("job %s not found", models.FormatTaskID(models.KindJob, id))
	}
	if j.Status != from {
		return errs.Stale("job %s status is %s, expected %s", j.TID(), j.Status, from)
	}
	cascadeStatus(&j, to, at)
	t.d.jobs[id] = j
	return nil
}

func (t *memTx) recipeSet(id int64) (*models.RecipeSet, int64, error) {
	for jid, j := range t.d.jobs {
		for i := range j.RecipeSets {
			if j.RecipeSets[i].ID == id {
				return &t.d.jobs[jid].RecipeSets[i], jid, nil
			}
		}
	}
	return nil, 0, errs.NotFound("recipe set %s not found", models.FormatTaskID(models.KindRecipeSet, id))
}

func (t *memTx) SetRecipeSetPriority(_ context.Context, recipeSetID int64, p models.Priority) error {
	rs, _, err := t.recipeSet(recipeSetID)
	if err != nil {
		return err
	}
	rs.Priority = p
	return nil
}

func (t *memTx) SetRecipeSetResponse(_ context.Context, recipeSetID int64, response, comment string) error {
	rs, _, err := t.recipeSet(recipeSetID)
	if err != nil {
		return err
	}
	rs.Response = response
	rs.ResponseComment = comment
	return nil
}

func (t *memTx) FilterJobs(_ context.Context, f JobFilter) ([]models.Job, error) {
	now := time.Now().UTC()
	var out []models.Job
	for _, j := range t.d.jobs {
		if f.Match(j, now) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b models.Job) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) JobsToPurge(_ context.Context, limit int, skip []int64) ([]models.Job, error) {
	var out []models.Job
	for _, j := range t.d.jobs {
		if j.ToDelete != nil && j.Deleted == nil && !slices.Contains(skip, j.ID) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b models.Job) int {
		if c := a.ToDelete.Compare(*b.ToDelete); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkJobPurged(_ context.Context, id int64, at time.Time) error {
	j, ok := t.d.jobs[id]
	if !ok {
		return errs.NotFound("job %s not found", models.FormatTaskID(models.KindJob, id))
	}
	j.Deleted = &at
	t.d.jobs[id] = j
	return nil
}

func (t *memTx) SystemByFQDN(_ context.Context, fqdn string) (models.System, error) {
	for _, s := range t.d.systems {
		if strings.EqualFold(s.FQDN, fqdn) {
			return s.Clone(), nil
		}
	}
	return models.System{}, errs.NotFound("system %s not found", fqdn)
}

func (t *memTx) Systems(context.Context) ([]models.System, error) {
	out := make([]models.System, 0, len(t.d.systems))
	for _, s := range t.d.systems {
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b models.System) int { return strings.Compare(a.FQDN, b.FQDN) })
	return out, nil
}

func (t *memTx) UpdateSystem(_ context.Context, sys models.System) error {
	stored, ok := t.d.systems[sys.ID]
	if !ok {
		return errs.NotFound("system %s not found", sys.FQDN)
	}
	if !strings.EqualFold(stored.FQDN, sys.FQDN) {
		for _, other := range t.d.systems {
			if other.ID != sys.ID && strings.EqualFold(other.FQDN, sys.FQDN) {
				return errs.Conflict("System %s already exists", sys.FQDN)
			}
		}
	}
	stored.FQDN = sys.FQDN
	stored.Status = sys.Status
	stored.StatusReason = sys.StatusReason
	stored.Location = sys.Location
	stored.ActivePolicyID = sys.ActivePolicyID
	stored.LoanedTo = sys.LoanedTo
	stored.LoanComment = sys.LoanComment
	t.d.systems[sys.ID] = stored
	return nil
}

func (t *memTx) PoolByName(_ context.Context, name string) (models.SystemPool, error) {
	p, ok := t.d.pools[name]
	if !ok {
		return models.SystemPool{}, errs.NotFound("pool %s not found", name)
	}
	return p, nil
}

func (t *memTx) PoolByPolicy(_ context.Context, policyID int64) (models.SystemPool, error) {
	for _, p := range t.d.pools {
		if p.PolicyID == policyID {
			return p, nil
		}
	}
	return models.SystemPool{}, errs.NotFound("no pool owns policy %d", policyID)
}

func (t *memTx) AccessPolicy(_ context.Context, id int64) (models.AccessPolicy, error) {
	p, ok := t.d.policies[id]
	if !ok {
		return models.AccessPolicy{}, errs.NotFound("access policy %d not found", id)
	}
	return p.Clone(), nil
}

func (t *memTx) ActiveReservation(_ context.Context, systemID int64) (models.Reservation, bool, error) {
	for _, r := range t.d.reservations {
		if r.SystemID == systemID && r.Finish == nil {
			return r, true, nil
		}
	}
	return models.Reservation{}, false, nil
}

func (t *memTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if _, open, _ := t.ActiveReservation(ctx, r.SystemID); open {
		return errs.Conflict("system already has an open reservation")
	}
	r.ID = t.d.nextID()
	t.d.reservations = append(t.d.reservations, *r)
	return nil
}

func (t *memTx) FinishReservation(_ context.Context, id int64, at time.Time) error {
	for i := range t.d.reservations {
		if t.d.reservations[i].ID == id {
			if t.d.reservations[i].Finish != nil {
				return errs.Stale("reservation %d already finished", id)
			}
			t.d.reservations[i].Finish = &at
			return nil
		}
	}
	return errs.NotFound("reservation %d not found", id)
}

func (t *memTx) RecordActivity(_ context.Context, a *models.Activity) error {
	a.ID = t.d.nextID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	t.d.activities = append(t.d.activities, *a)
	return nil
}

func (t *memTx) Activities(_ context.Context, kind string, objectID int64) ([]models.Activity, error) {
	var out []models.Activity
	for _, a := range t.d.activities {
		if a.ObjectKind == kind && a.ObjectID == objectID {
			out = append(out, a)
		}
	}
	return out, nil
}
