package command_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/cmd/labctl/internal/command"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	User   string
	Body   string
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []recorded
	status int
	reply  string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recorded{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		User:   r.Header.Get("X-Beaker-User"),
		Body:   string(body),
	})
	f.mu.Unlock()
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, f.reply)
}

func run(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	buf := new(bytes.Buffer)
	cli := &command.CLI{Out: buf}
	root := command.NewRootCommand(cli)
	root.SetArgs(append(args, "--server", srv.URL, "--user", "alice"))
	root.SetOut(buf)
	root.SetErr(buf)
	err := root.Execute()
	return buf.String(), err
}

func TestJobSubmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<job/>`), 0o644))

	api := &fakeAPI{status: http.StatusCreated, reply: `{"id":"J:7"}`}
	out, err := run(t, api, "job", "submit", path, "--ignore-missing-tasks")
	require.NoError(t, err)
	assert.Equal(t, "Submitted: J:7\n", out)

	require.Len(t, api.calls, 1)
	call := api.calls[0]
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "/jobs", call.Path)
	assert.Equal(t, "ignore_missing_tasks=true", call.Query)
	assert.Equal(t, "alice", call.User)
	assert.Equal(t, `<job/>`, call.Body)
}

func TestJobSubmitReportsServerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<job/>`), 0o644))

	api := &fakeAPI{status: http.StatusBadRequest, reply: "Invalid task(s): /no/such/task\n"}
	_, err := run(t, api, "job", "submit", path)
	require.Error(t, err)
	var apiErr *command.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "Invalid task(s): /no/such/task", apiErr.Message)
}

func TestJobClone(t *testing.T) {
	api := &fakeAPI{status: http.StatusCreated, reply: `{"id":"J:8"}`}
	out, err := run(t, api, "job", "clone", "J:3")
	require.NoError(t, err)
	assert.Equal(t, "Submitted: J:8\n", out)
	assert.Equal(t, "/jobs/J:3/clone", api.calls[0].Path)
}

func TestJobList(t *testing.T) {
	api := &fakeAPI{reply: `{"ids":["J:1","J:2"],"count":2}`}
	out, err := run(t, api, "job", "list", "--tag", "scratch", "--mine", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, `["J:1","J:2"]`+"\n", out)
	assert.Equal(t, "limit=5&mine=true&tag=scratch", api.calls[0].Query)
}

func TestJobCancel(t *testing.T) {
	api := &fakeAPI{reply: `{}`}
	out, err := run(t, api, "job", "cancel", "J:4", "--msg", "wrong distro")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled J:4\n", out)

	call := api.calls[0]
	assert.Equal(t, "/jobs/J:4/stop", call.Path)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(call.Body), &body))
	assert.Equal(t, map[string]string{"action": "cancel", "msg": "wrong distro"}, body)
}

func TestJobDelete(t *testing.T) {
	api := &fakeAPI{status: http.StatusNoContent}
	out, err := run(t, api, "job", "delete", "J:1", "J:2")
	require.NoError(t, err)
	assert.Equal(t, "Jobs deleted: J:1 J:2\n", out)
	require.Len(t, api.calls, 2)
	assert.Equal(t, http.MethodDelete, api.calls[1].Method)
	assert.Equal(t, "/jobs/J:2", api.calls[1].Path)

	api = &fakeAPI{reply: `{"deleted":["J:9"],"dryrun":true}`}
	out, err = run(t, api, "job", "delete", "--tag", "scratch", "--dryrun")
	require.NoError(t, err)
	assert.Equal(t, "Jobs deleted: J:9\n", out)
	assert.Equal(t, "/jobs/+delete", api.calls[0].Path)
	assert.Contains(t, api.calls[0].Body, `"dryrun":true`)

	_, err = run(t, &fakeAPI{}, "job", "delete")
	assert.Error(t, err)
}

func TestJobModifyRecipeSet(t *testing.T) {
	api := &fakeAPI{reply: `{}`}
	_, err := run(t, api, "job", "modify", "RS:5", "--priority", "Low")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, api.calls[0].Method)
	assert.Equal(t, "/recipesets/RS:5", api.calls[0].Path)
	assert.JSONEq(t, `{"priority":"Low"}`, api.calls[0].Body)

	_, err = run(t, &fakeAPI{}, "job", "modify", "J:5", "--priority", "Low")
	assert.Error(t, err)
}

func TestSystemPolicy(t *testing.T) {
	api := &fakeAPI{reply: `{}`}
	out, err := run(t, api, "system", "policy", "box.example.com", "--pool", "shared")
	require.NoError(t, err)
	assert.Equal(t, "box.example.com now uses the policy of pool shared\n", out)
	assert.Equal(t, "/systems/box.example.com", api.calls[0].Path)
	assert.JSONEq(t, `{"active_access_policy":{"pool_name":"shared"}}`, api.calls[0].Body)

	api = &fakeAPI{reply: `{}`}
	_, err = run(t, api, "system", "policy", "box.example.com", "--custom")
	require.NoError(t, err)
	assert.JSONEq(t, `{"active_access_policy":{"custom":true}}`, api.calls[0].Body)

	_, err = run(t, &fakeAPI{}, "system", "policy", "box.example.com", "--custom", "--pool", "shared")
	assert.Error(t, err)
}

func TestSystemReserveAndRelease(t *testing.T) {
	api := &fakeAPI{status: http.StatusCreated, reply: `{}`}
	_, err := run(t, api, "system", "reserve", "box.example.com")
	require.NoError(t, err)
	assert.Equal(t, "/systems/box.example.com/reservations/", api.calls[0].Path)

	api = &fakeAPI{reply: `{}`}
	_, err = run(t, api, "system", "release", "box.example.com")
	require.NoError(t, err)
	assert.Equal(t, "/systems/box.example.com/reservations/+current", api.calls[0].Path)
	assert.JSONEq(t, `{"finish_time":"now"}`, api.calls[0].Body)
}
