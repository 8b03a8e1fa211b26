package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurflow/internal/domain"
	"recurflow/internal/metrics"
	"recurflow/internal/scheduler"
	"recurflow/internal/tasks"
)

type fakeScheduler struct {
	err  error
	got  scheduler.Request
	jobs []scheduler.JobInfo
}

func (f *fakeScheduler) CreateJob(_ context.Context, req scheduler.Request) (string, error) {
	f.got = req
	if req.User == nil {
		return "", scheduler.ErrMissingOwner
	}
	if f.err != nil {
		return "", f.err
	}
	return "12", nil
}

func (f *fakeScheduler) Jobs() []scheduler.JobInfo { return f.jobs }

func (f *fakeScheduler) Job(id string) (scheduler.JobInfo, bool) {
	for _, j := range f.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return scheduler.JobInfo{}, false
}

type fakeExecutions struct {
	list []domain.Execution
}

func (f *fakeExecutions) List(context.Context, int) ([]domain.Execution, error) {
	return f.list, nil
}

func newTestServer(t *testing.T, sched *fakeScheduler, execs *fakeExecutions) (http.Handler, *bytes.Buffer) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ArmedDelta(2)
	logs := &bytes.Buffer{}
	return NewServer(sched, execs, reg, zerolog.New(logs)), logs
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createBody = `{"task_name": "backup", "parameter_values": {"target": "/var"},
	"schedule": {"repeatable": true, "start_datetime": "2030-01-01T10:00:00Z", "repeat_unit": "hours", "repeat_period": 1}}`

func TestCreateSchedule(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{}
	h, logs := newTestServer(t, sched, &fakeExecutions{})

	rec := do(h, http.MethodPost, "/api/schedules", createBody, map[string]string{
		headerUser:   "alice",
		headerGroups: "ops, admins",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id": "12"}`, rec.Body.String())

	require.NotNil(t, sched.got.User)
	assert.Equal(t, "alice", sched.got.User.ID)
	assert.Equal(t, []string{"ops", "admins"}, sched.got.User.Groups)
	assert.Equal(t, "alice", sched.got.User.AuditName())
	assert.Equal(t, "backup", sched.got.TaskName)
	assert.Equal(t, map[string]any{"target": "/var"}, sched.got.ParameterValues)
	assert.Contains(t, string(sched.got.Schedule), `"repeat_unit": "hours"`)
	assert.Contains(t, logs.String(), `"path":"/api/schedules"`)
}

func TestCreateSchedule_StatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		err     error
		noOwner bool
		want    int
	}{
		{name: "missing owner", noOwner: true, want: http.StatusUnauthorized},
		{name: "unschedulable", err: errors.Wrap(scheduler.ErrUnschedulableTask, "backup"), want: http.StatusUnprocessableEntity},
		{name: "secure", err: errors.Wrap(scheduler.ErrSecureParameter, "backup"), want: http.StatusUnprocessableEntity},
		{name: "invalid recurrence", err: errors.Wrap(scheduler.ErrInvalidRecurrence, "bad"), want: http.StatusBadRequest},
		{name: "unknown parameter", err: errors.Wrap(tasks.ErrUnknownParameter, "x"), want: http.StatusBadRequest},
		{name: "unknown task", err: errors.Wrap(tasks.ErrNotFound, "backup"), want: http.StatusNotFound},
		{name: "access denied", err: errors.Wrap(tasks.ErrAccessDenied, "backup"), want: http.StatusForbidden},
		{name: "other", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, _ := newTestServer(t, &fakeScheduler{err: tt.err}, &fakeExecutions{})
			headers := map[string]string{headerUser: "alice"}
			if tt.noOwner {
				headers = nil
			}
			rec := do(h, http.MethodPost, "/api/schedules", createBody, headers)
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResp
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestCreateSchedule_BadBody(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t, &fakeScheduler{}, &fakeExecutions{})
	headers := map[string]string{headerUser: "alice"}

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/schedules", `{`, headers).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/schedules", `{"schedule": {}}`, headers).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/schedules", `{"task_name": "backup"}`, headers).Code)
}

func TestListAndGetSchedules(t *testing.T) {
	t.Parallel()
	next := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	sched := &fakeScheduler{jobs: []scheduler.JobInfo{
		{ID: "1", TaskName: "backup", OwnerID: "alice", State: scheduler.StateArmed, NextRun: &next, Location: "/tmp/x.json"},
		{ID: "2", TaskName: "report", OwnerID: "alice", State: scheduler.StateTerminated, Reason: "max executions reached"},
		{ID: "3", TaskName: "backup", OwnerID: "bob", Owner: "bob", State: scheduler.StateArmed},
	}}
	h, _ := newTestServer(t, sched, &fakeExecutions{})
	asAlice := map[string]string{headerUser: "alice"}

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/schedules", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/schedules/1", "", nil).Code)

	rec := do(h, http.MethodGet, "/api/schedules", "", asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2, "other owners' jobs are hidden")
	assert.Equal(t, "1", jobs[0]["id"])
	assert.Equal(t, "2030-01-01T10:00:00Z", jobs[0]["next_run"])
	assert.NotContains(t, jobs[0], "Location")
	assert.NotContains(t, jobs[0], "OwnerID")
	assert.NotContains(t, jobs[1], "next_run")

	rec = do(h, http.MethodGet, "/api/schedules/2", "", asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"max executions reached"`)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/schedules/3", "", asAlice).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/schedules/9", "", asAlice).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/schedules/3", "", map[string]string{headerUser: "bob"}).Code)
}

func TestListExecutions_OwnOnly(t *testing.T) {
	t.Parallel()
	execs := &fakeExecutions{list: []domain.Execution{
		{ID: "exe_a", TaskName: "backup", OwnerID: "alice", State: domain.StateRunning},
		{ID: "exe_b", TaskName: "backup", OwnerID: "bob", State: domain.StateSucceeded},
	}}
	h, _ := newTestServer(t, &fakeScheduler{}, execs)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/executions", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/executions?limit=x", "", map[string]string{headerUser: "alice"}).Code)

	rec := do(h, http.MethodGet, "/api/executions?limit=5", "", map[string]string{headerUser: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "exe_a", list[0].ID)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t, &fakeScheduler{}, &fakeExecutions{})

	rec := do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recurflow_jobs_armed 2")
}
