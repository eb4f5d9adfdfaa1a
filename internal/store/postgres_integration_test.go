//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// openPostgres connects to POSTGRES_DSN, migrates and seeds it. The seed is
// idempotent, so the tests can share one database across runs.
func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.RunMigrations(ctx))

	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, pg.Seed(ctx, seed))
	return pg
}

func TestPostgresJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg := openPostgres(t)
	pkg := "pkg-" + uuid.NewString()

	tx, err := pg.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	trees, err := tx.DistroTrees(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, trees)
	task, err := tx.TaskByName(ctx, "/distribution/check-install")
	require.NoError(t, err)
	_, err = tx.EnsurePackage(ctx, pkg)
	require.NoError(t, err)

	wb := "host"
	job := sampleJob()
	job.CC = []string{"qa@example.com"}
	job.TTasks = 2
	rs := &job.RecipeSets[0]
	rs.Priority = models.PriorityHigh
	rs.TTasks = 2
	host := &rs.Recipes[0]
	host.DistroTree = trees[0]
	host.Whiteboard = &wb
	host.HostRequires = `<hostRequires/>`
	host.KSMeta = "method=nfs"
	host.Packages = []string{pkg}
	host.Repos = []models.Repo{{Name: "extra", URL: "http://repo.example.com/extra"}}
	host.KSAppends = []string{"%post\necho hi\n%end"}
	host.Reservation = &models.ReservationRequest{Duration: 600}
	host.Tasks[0].TaskID = &task.ID
	host.Tasks[0].Params = []models.TaskParam{{Name: "DEBUG", Value: "1"}}
	rs.Recipes = append(rs.Recipes, models.Recipe{
		Status:     models.StatusNew,
		TTasks:     1,
		Guest:      &models.GuestInfo{HostIndex: 0, Name: "guest1", Args: "--ram=1024"},
		DistroTree: trees[0],
		Tasks:      []models.RecipeTask{{Name: "/fetched", FetchURL: "git://git.example.com/tests", Status: models.StatusNew}},
	})
	require.NoError(t, tx.CreateJob(ctx, job))
	require.NoError(t, tx.Commit(ctx))
	require.NotZero(t, job.ID)

	tx, err = pg.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	got, err := tx.GetJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, []string{"qa@example.com"}, got.CC)
	assert.Equal(t, 2, got.TTasks)
	require.Len(t, got.RecipeSets, 1)
	grs := got.RecipeSets[0]
	assert.Equal(t, models.PriorityHigh, grs.Priority)
	require.Len(t, grs.Recipes, 2)

	gh := grs.Recipes[0]
	assert.Nil(t, gh.Guest)
	require.NotNil(t, gh.Whiteboard)
	assert.Equal(t, "host", *gh.Whiteboard)
	assert.Equal(t, trees[0].ID, gh.DistroTree.ID)
	assert.Equal(t, "method=nfs", gh.KSMeta)
	assert.ElementsMatch(t, []string{pkg}, gh.Packages)
	assert.Equal(t, host.Repos, gh.Repos)
	assert.Equal(t, host.KSAppends, gh.KSAppends)
	require.NotNil(t, gh.Reservation)
	assert.Equal(t, 600, gh.Reservation.Duration)
	require.Len(t, gh.Tasks, 1)
	assert.Equal(t, []models.TaskParam{{Name: "DEBUG", Value: "1"}}, gh.Tasks[0].Params)

	guest := grs.Recipes[1]
	require.NotNil(t, guest.Guest)
	assert.Equal(t, 0, guest.Guest.HostIndex)
	assert.Equal(t, "guest1", guest.Guest.Name)
	assert.Equal(t, "--ram=1024", guest.Guest.Args)
	assert.Equal(t, []int{1}, grs.GuestsOf(0))
	assert.Equal(t, "git://git.example.com/tests", guest.Tasks[0].FetchURL)

	byRS, err := tx.JobForRecipeSet(ctx, grs.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, byRS.ID)
}

func TestPostgresPackageRollsBackWithTx(t *testing.T) {
	ctx := context.Background()
	pg := openPostgres(t)
	pkg := "pkg-" + uuid.NewString()

	tx, err := pg.Begin(ctx)
	require.NoError(t, err)
	a, err := tx.EnsurePackage(ctx, pkg)
	require.NoError(t, err)
	b, err := tx.EnsurePackage(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	require.NoError(t, tx.Rollback(ctx))

	var n int
	require.NoError(t, pg.pool.QueryRow(ctx, `SELECT count(*) FROM task_package WHERE package = $1`, pkg).Scan(&n))
	assert.Zero(t, n)
}

func TestPostgresJobsToPurgeSkips(t *testing.T) {
	ctx := context.Background()
	pg := openPostgres(t)

	tx, err := pg.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	trees, err := tx.DistroTrees(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, trees)

	var ids []int64
	for range 2 {
		job := sampleJob()
		job.RecipeSets[0].Recipes[0].DistroTree = trees[0]
		require.NoError(t, tx.CreateJob(ctx, job))
		now := time.Now().UTC()
		job.ToDelete = &now
		require.NoError(t, tx.UpdateJobHeader(ctx, *job))
		ids = append(ids, job.ID)
	}

	all, err := tx.JobsToPurge(ctx, 0, nil)
	require.NoError(t, err)
	var marked []int64
	for _, j := range all {
		marked = append(marked, j.ID)
	}
	assert.Subset(t, marked, ids)

	rest, err := tx.JobsToPurge(ctx, 0, []int64{ids[0]})
	require.NoError(t, err)
	for _, j := range rest {
		assert.NotEqual(t, ids[0], j.ID)
	}

	require.NoError(t, tx.MarkJobPurged(ctx, ids[1], time.Now().UTC()))
	err = tx.MarkJobPurged(ctx, 999999999, time.Now().UTC())
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
}
