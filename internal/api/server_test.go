package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/jobs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/queue"
	"github.com/shawnpdoherty/beaker/internal/ratelimit"
	"github.com/shawnpdoherty/beaker/internal/requires"
	"github.com/shawnpdoherty/beaker/internal/reservation"
	"github.com/shawnpdoherty/beaker/internal/store"
)

const seedYAML = `
retention_tags:
  - {tag: scratch, default: true}
users:
  - {name: alice}
  - {name: mallory}
  - {name: root, admin: true}
tasks:
  - {name: /distribution/check-install}
distro_trees:
  - {distro: RHEL-9.3, family: RedHatEnterpriseLinux9, arch: x86_64, variant: BaseOS, created: 2024-02-01T00:00:00Z}
pools:
  - name: shared
    rules:
      - {permission: reserve, everybody: true}
systems:
  - fqdn: box.example.com
    owner: alice
    arch: [x86_64]
    pools: [shared]
`

const simpleJob = `<job><whiteboard>api</whiteboard><recipeSet><recipe>
<distroRequires><distro_arch op="=" value="x86_64"/></distroRequires><hostRequires/>
<task name="/distribution/check-install"/>
</recipe></recipeSet></job>`

func newTestServer(t *testing.T, capacity int) http.Handler {
	t.Helper()
	ctx := context.Background()
	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	st := store.NewMemory()
	require.NoError(t, st.Seed(ctx, seed))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	eval, err := requires.NewEvaluator()
	require.NoError(t, err)
	log := logr.Discard()
	js := jobs.NewService(st, eval, queue.NewRecipeSetQueue(client, "test", time.Minute), nil, log)
	limiter := ratelimit.New(client, ratelimit.Options{Prefix: "test", Capacity: capacity, RefillPerSecond: 0.001, IdleTTL: time.Minute})
	srv := New(st, js, access.NewService(st, log), reservation.NewTracker(st, log), limiter, log)
	return srv.Router()
}

func call(t *testing.T, h http.Handler, method, path, user, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, h http.Handler, user string) string {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/jobs", user, simpleJob)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, 10)
	rec := call(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitNeedsKnownUser(t *testing.T) {
	h := newTestServer(t, 10)

	rec := call(t, h, http.MethodPost, "/jobs", "", simpleJob)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, http.MethodPost, "/jobs", "ghost", simpleJob)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown user ghost")
}

func TestSubmitRejectsOversizedBody(t *testing.T) {
	h := newTestServer(t, 10)
	pad := "<!--" + strings.Repeat("x", maxJobXML) + "-->"
	body := strings.Replace(simpleJob, "<job>", "<job>"+pad, 1)

	rec := call(t, h, http.MethodPost, "/jobs", "alice", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "job XML exceeds")
	assert.NotContains(t, rec.Body.String(), "Invalid job XML")

	submit(t, h, "alice")
}

func TestSubmitAndRead(t *testing.T) {
	h := newTestServer(t, 10)
	id := submit(t, h, "alice")
	assert.True(t, strings.HasPrefix(id, "J:"))

	rec := call(t, h, http.MethodGet, "/jobs/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "alice", job.Owner)
	assert.Equal(t, 1, job.TTasks)

	rec = call(t, h, http.MethodGet, "/jobs/"+id+"/xml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `/distribution/check-install`)

	rec = call(t, h, http.MethodGet, "/jobs?mine=true", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{id}, list.IDs)

	rec = call(t, h, http.MethodGet, "/jobs?mine=true", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, "/jobs/"+id+"/clone", "mallory", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var clone jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clone))
	assert.Equal(t, "mallory", clone.Job.Owner)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestServer(t, 10)
	id := submit(t, h, "alice")

	bad := strings.Replace(simpleJob, "/distribution/check-install", "/no/such/task", 1)
	rec := call(t, h, http.MethodPost, "/jobs", "alice", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid task(s): /no/such/task")

	rec = call(t, h, http.MethodGet, "/jobs/999", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodGet, "/jobs/RS:1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/jobs/"+id+"/stop", "mallory", `{"action":"cancel"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, "/jobs/"+id+"/stop", "alice", `{"action":"cancel","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	h := newTestServer(t, 1)
	submit(t, h, "alice")

	rec := call(t, h, http.MethodPost, "/jobs", "alice", simpleJob)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// buckets are per user
	submit(t, h, "root")
}

func TestStopJob(t *testing.T) {
	h := newTestServer(t, 10)
	id := submit(t, h, "alice")

	rec := call(t, h, http.MethodPost, "/jobs/"+id+"/stop", "alice", `{"action":"cancel","msg":"not needed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.StatusCancelled, job.Status)

	rec = call(t, h, http.MethodPost, "/jobs/"+id+"/stop", "alice", `{"action":"abort"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/jobs/"+id+"/stop", "alice", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodGet, "/jobs/"+id+"/activity", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not needed")
}

func TestRecipeSetPatch(t *testing.T) {
	h := newTestServer(t, 10)
	id := submit(t, h, "alice")
	rec := call(t, h, http.MethodGet, "/jobs/"+id, "", "")
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	rs := fmt.Sprintf("/recipesets/%d", job.RecipeSets[0].ID)

	rec = call(t, h, http.MethodPatch, rs, "alice", `{"priority":"Low","response":"nak","comment":"flaky"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.RecipeSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.PriorityLow, got.Priority)
	assert.Equal(t, models.ResponseNak, got.Response)
	assert.Equal(t, "flaky", got.ResponseComment)

	rec = call(t, h, http.MethodPatch, rs, "alice", `{"priority":"Urgent"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodGet, rs+"/xml", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemPolicyFromBrowser(t *testing.T) {
	h := newTestServer(t, 10)
	const path = "/systems/box.example.com"

	rec := call(t, h, http.MethodPatch, path, "mallory", `{"active_access_policy":{"pool_name":"shared"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPatch, path, "alice", `{"active_access_policy":{"pool_name":"shared"}}`,
		"X-Requested-With", "XMLHttpRequest")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp systemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, resp.System.CustomPolicyID, resp.System.ActivePolicyID)

	rec = call(t, h, http.MethodGet, path+"/activity", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var acts struct {
		Entries []models.Activity `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acts))
	require.Len(t, acts.Entries, 1)
	assert.Equal(t, models.ServiceWebUI, acts.Entries[0].Service)
	assert.Equal(t, "Pool policy: shared", acts.Entries[0].NewValue)

	// the pool policy lets everybody reserve
	rec = call(t, h, http.MethodPost, path+"/reservations/", "mallory", "")
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestReservationsAndLoans(t *testing.T) {
	h := newTestServer(t, 10)
	const path = "/systems/box.example.com"

	rec := call(t, h, http.MethodPost, path+"/reservations/", "alice", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res models.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "alice", res.User)

	rec = call(t, h, http.MethodPost, path+"/reservations/", "root", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, h, http.MethodPatch, path+"/reservations/+current", "alice", `{"finish_time":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPatch, path+"/reservations/+current", "alice", `{"finish_time":"now"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodPost, path+"/loans/", "alice", `{"recipient":"mallory","comment":"yours"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sys models.System
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sys))
	assert.Equal(t, "mallory", sys.LoanedTo)

	rec = call(t, h, http.MethodPatch, path+"/loans/+current", "mallory", `{"finish_time":"now"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/systems/missing.example.com", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
