package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/api"
	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
	"github.com/jonesrussell/north-cloud/acquirer/internal/scheduler"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type mockJobs struct{ mock.Mock }

func (m *mockJobs) SubmitRegion(ctx context.Context, clientID, region string, categories []string) (*job.RegionResult, error) {
	args := m.Called(ctx, clientID, region, categories)
	res, _ := args.Get(0).(*job.RegionResult)
	return res, args.Error(1)
}

func (m *mockJobs) SubmitItem(ctx context.Context, clientID, itemID string, force bool) (*job.ItemResult, error) {
	args := m.Called(ctx, clientID, itemID, force)
	res, _ := args.Get(0).(*job.ItemResult)
	return res, args.Error(1)
}

func (m *mockJobs) Get(ctx context.Context, id string) (*domain.AcquisitionJob, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*domain.AcquisitionJob)
	return res, args.Error(1)
}

func (m *mockJobs) List(ctx context.Context, state domain.JobState, limit, offset int) ([]*domain.AcquisitionJob, int, error) {
	args := m.Called(ctx, state, limit, offset)
	res, _ := args.Get(0).([]*domain.AcquisitionJob)
	return res, args.Int(1), args.Error(2)
}

type mockScheduler struct{ mock.Mock }

func (m *mockScheduler) RunNow(ctx context.Context, policyID string) error {
	return m.Called(ctx, policyID).Error(0)
}

func (m *mockScheduler) Pause(ctx context.Context, policyID string) error {
	return m.Called(ctx, policyID).Error(0)
}

func (m *mockScheduler) Resume(ctx context.Context, policyID string) error {
	return m.Called(ctx, policyID).Error(0)
}

func (m *mockScheduler) Reschedule(ctx context.Context, policyID, trigger string) error {
	return m.Called(ctx, policyID, trigger).Error(0)
}

func (m *mockScheduler) Policies(ctx context.Context) ([]domain.SchedulePolicy, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).([]domain.SchedulePolicy)
	return res, args.Error(1)
}

func (m *mockScheduler) ExecutionLogs(ctx context.Context, policyID string, limit int) ([]*domain.ScheduleExecutionLog, error) {
	args := m.Called(ctx, policyID, limit)
	res, _ := args.Get(0).([]*domain.ScheduleExecutionLog)
	return res, args.Error(1)
}

type mockResolver struct{ mock.Mock }

func (m *mockResolver) Lookup(ctx context.Context, itemID string) (string, error) {
	args := m.Called(ctx, itemID)
	return args.String(0), args.Error(1)
}

type mockGate struct{ mock.Mock }

func (m *mockGate) Allow(ctx context.Context, class admission.Class, clientID string) error {
	return m.Called(ctx, class, clientID).Error(0)
}

type fixture struct {
	jobs      *mockJobs
	scheduler *mockScheduler
	resolver  *mockResolver
	gate      *mockGate
	registry  *prometheus.Registry
	handler   http.Handler
}

func newFixture(t *testing.T, checks map[string]api.HealthCheck) *fixture {
	t.Helper()

	f := &fixture{
		jobs:      &mockJobs{},
		scheduler: &mockScheduler{},
		resolver:  &mockResolver{},
		gate:      &mockGate{},
		registry:  prometheus.NewRegistry(),
	}
	f.handler = api.NewRouter(api.Deps{
		Jobs:        f.jobs,
		Scheduler:   f.scheduler,
		Resolver:    f.resolver,
		RateGate:    f.gate,
		InFlight:    func() int { return 2 },
		Checks:      checks,
		Logger:      logger.NewNop(),
		Metrics:     metrics.New(f.registry),
		Gatherer:    f.registry,
		ServiceName: "acquirer",
	})

	t.Cleanup(func() {
		f.jobs.AssertExpectations(t)
		f.scheduler.AssertExpectations(t)
		f.resolver.AssertExpectations(t)
		f.gate.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error api.ErrorDetail `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func sampleJob(id string, target domain.TargetKey) domain.AcquisitionJob {
	return *domain.NewAcquisitionJob(id, target, "client-a", 3, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestSubmitRegion_PartialAdmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.jobs.On("SubmitRegion", mock.Anything, "client-a", "KA", []string{"A", "B"}).Return(&job.RegionResult{
		Jobs: []domain.AcquisitionJob{sampleJob("job-1", domain.RegionTarget("KA", "A"))},
		Rejected: []job.Rejection{{
			Category: "B",
			Err:      &admission.Error{Reason: admission.ReasonConcurrencyLimit, Message: "5 acquisitions already running"},
		}},
	}, nil)

	rec := f.do(t, http.MethodPost, "/downloads/state",
		map[string]any{"region": "KA", "categories": []string{"A", "B"}},
		"X-Client-ID", "client-a")

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body api.RegionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "job-1", body.Jobs[0].ID)
	require.Len(t, body.Rejected, 1)
	assert.Equal(t, "B", body.Rejected[0].Category)
	assert.Equal(t, string(admission.ReasonConcurrencyLimit), body.Rejected[0].Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitRegion_AllRejectedReturnsAdmissionStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        *admission.Error
		wantStatus int
		retryAfter string
	}{
		{
			name:       "rate limit",
			err:        &admission.Error{Reason: admission.ReasonRateLimit, Message: "budget exhausted", RetryAfter: 1500 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			retryAfter: "2",
		},
		{
			name:       "concurrency",
			err:        &admission.Error{Reason: admission.ReasonConcurrencyLimit, Message: "busy"},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "storage",
			err:        &admission.Error{Reason: admission.ReasonInsufficientStorage, Message: "disk full"},
			wantStatus: http.StatusInsufficientStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)

			f.jobs.On("SubmitRegion", mock.Anything, mock.Anything, "KA", []string{"A"}).Return(&job.RegionResult{
				Jobs:     []domain.AcquisitionJob{},
				Rejected: []job.Rejection{{Category: "A", Err: tt.err}},
			}, nil)

			rec := f.do(t, http.MethodPost, "/downloads/state", map[string]any{"region": "KA", "categories": []string{"A"}})

			assert.Equal(t, tt.wantStatus, rec.Code)
			detail := decodeError(t, rec)
			assert.Equal(t, string(tt.err.Reason), detail.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestSubmitRegion_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/downloads/state", map[string]any{"categories": []string{"A"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CodeValidation, decodeError(t, rec).Code)

	f.jobs.On("SubmitRegion", mock.Anything, mock.Anything, "K A", []string{"A"}).
		Return(nil, fmt.Errorf("%w: bad region", job.ErrInvalidTarget))
	rec = f.do(t, http.MethodPost, "/downloads/state", map[string]any{"region": "K A", "categories": []string{"A"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CodeInvalidTarget, decodeError(t, rec).Code)
}

func TestSubmitItem(t *testing.T) {
	t.Parallel()

	t.Run("reused", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		existing := sampleJob("job-9", domain.ItemTarget("AC-1"))
		existing.State = domain.StateCompleted
		f.jobs.On("SubmitItem", mock.Anything, mock.Anything, "AC-1", false).
			Return(&job.ItemResult{Job: existing, Reused: true}, nil)

		rec := f.do(t, http.MethodPost, "/downloads/car", map[string]any{"target_id": "AC-1"})

		require.Equal(t, http.StatusAccepted, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "job-9", body["id"])
		assert.Equal(t, "completed", body["state"])
		assert.Equal(t, true, body["reused"])
	})

	t.Run("client id falls back to ip", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		f.jobs.On("SubmitItem", mock.Anything, "192.0.2.1", "AC-2", true).
			Return(&job.ItemResult{Job: sampleJob("job-2", domain.ItemTarget("AC-2"))}, nil)

		rec := f.do(t, http.MethodPost, "/downloads/car", map[string]any{"target_id": "AC-2", "force": true})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("missing target", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		rec := f.do(t, http.MethodPost, "/downloads/car", map[string]any{"force": true})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("internal error hides detail", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)

		f.jobs.On("SubmitItem", mock.Anything, mock.Anything, "AC-3", false).
			Return(nil, errors.New("pq: connection refused to /var/run/postgresql"))

		rec := f.do(t, http.MethodPost, "/downloads/car", map[string]any{"target_id": "AC-3"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		detail := decodeError(t, rec)
		assert.Equal(t, api.CodeInternal, detail.Code)
		assert.NotContains(t, rec.Body.String(), "postgresql")
	})
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	const (
		existing = "5b7c9e2a-3f41-4d8e-9a6b-0c1d2e3f4a5b"
		missing  = "9d0e1f2a-6b7c-4d8e-8f90-a1b2c3d4e5f6"
	)

	j := sampleJob(existing, domain.ItemTarget("AC-1"))
	f.gate.On("Allow", mock.Anything, admission.ClassStatus, mock.Anything).Return(nil)
	f.jobs.On("Get", mock.Anything, existing).Return(&j, nil)
	f.jobs.On("Get", mock.Anything, missing).Return(nil, database.ErrJobNotFound)

	rec := f.do(t, http.MethodGet, "/downloads/"+existing, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.AcquisitionJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, existing, got.ID)

	rec = f.do(t, http.MethodGet, "/downloads/"+missing, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.CodeJobNotFound, decodeError(t, rec).Code)
}

func TestGetJob_MalformedIDIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.gate.On("Allow", mock.Anything, admission.ClassStatus, mock.Anything).Return(nil)

	for _, id := range []string{"abc", "state", "job-1"} {
		rec := f.do(t, http.MethodGet, "/downloads/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.Equal(t, api.CodeJobNotFound, decodeError(t, rec).Code, id)
	}
	f.jobs.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	j := sampleJob("job-1", domain.ItemTarget("AC-1"))
	f.gate.On("Allow", mock.Anything, admission.ClassStatus, mock.Anything).Return(nil)
	f.jobs.On("List", mock.Anything, domain.StatePending, 10, 20).Return([]*domain.AcquisitionJob{&j}, 21, nil)

	rec := f.do(t, http.MethodGet, "/downloads?status=pending&limit=10&offset=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body api.JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 21, body.Total)
	assert.Equal(t, 10, body.Limit)
	assert.Equal(t, 20, body.Offset)
	require.Len(t, body.Jobs, 1)

	rec = f.do(t, http.MethodGet, "/downloads?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CodeInvalidStatus, decodeError(t, rec).Code)
}

func TestStatusRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.gate.On("Allow", mock.Anything, admission.ClassStatus, "greedy").
		Return(&admission.Error{Reason: admission.ReasonRateLimit, Message: "status budget exhausted", RetryAfter: 30 * time.Second})

	rec := f.do(t, http.MethodGet, "/downloads/job-1", nil, "X-Client-ID", "greedy")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	detail := decodeError(t, rec)
	assert.Equal(t, string(admission.ReasonRateLimit), detail.Code)
	assert.Equal(t, 30, detail.RetryAfterSeconds)
}

func TestLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.gate.On("Allow", mock.Anything, admission.ClassLookup, mock.Anything).Return(nil)
	f.resolver.On("Lookup", mock.Anything, "AC-1").Return("88121", nil)
	f.resolver.On("Lookup", mock.Anything, "AC-404").Return("", fmt.Errorf("%w: AC-404", portal.ErrNotFound))
	f.resolver.On("Lookup", mock.Anything, "AC-500").Return("", errors.New("dial tcp: i/o timeout"))

	rec := f.do(t, http.MethodGet, "/lookup/car/AC-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body api.LookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, api.LookupResponse{TargetID: "AC-1", PortalID: "88121"}, body)

	rec = f.do(t, http.MethodGet, "/lookup/car/AC-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.CodeTargetNotFound, decodeError(t, rec).Code)

	rec = f.do(t, http.MethodGet, "/lookup/car/AC-500", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, api.CodeUpstreamUnavailable, decodeError(t, rec).Code)
}

func TestSchedulerCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.scheduler.On("RunNow", mock.Anything, "nightly").Return(nil)
	f.scheduler.On("RunNow", mock.Anything, "paused").Return(scheduler.ErrPolicyPaused)
	f.scheduler.On("RunNow", mock.Anything, "busy").Return(database.ErrExecutionInProgress)
	f.scheduler.On("Pause", mock.Anything, "ghost").Return(fmt.Errorf("%w: ghost", database.ErrPolicyNotFound))
	f.scheduler.On("Resume", mock.Anything, "nightly").Return(nil)
	f.scheduler.On("Reschedule", mock.Anything, "nightly", "not a cron").
		Return(fmt.Errorf("%w: not a cron", scheduler.ErrInvalidTrigger))
	f.scheduler.On("Reschedule", mock.Anything, "nightly", "0 3 * * *").Return(nil)

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "run", path: "/scheduler/jobs/nightly/run", wantCode: http.StatusAccepted},
		{name: "run paused", path: "/scheduler/jobs/paused/run", wantCode: http.StatusConflict, wantErr: api.CodePolicyPaused},
		{name: "run busy", path: "/scheduler/jobs/busy/run", wantCode: http.StatusConflict, wantErr: api.CodeExecutionInProgress},
		{name: "pause unknown", path: "/scheduler/jobs/ghost/pause", wantCode: http.StatusNotFound, wantErr: api.CodePolicyNotFound},
		{name: "resume", path: "/scheduler/jobs/nightly/resume", wantCode: http.StatusAccepted},
		{
			name:     "reschedule invalid",
			path:     "/scheduler/jobs/nightly/reschedule",
			body:     map[string]string{"trigger": "not a cron"},
			wantCode: http.StatusBadRequest,
			wantErr:  api.CodeInvalidTrigger,
		},
		{
			name:     "reschedule missing trigger",
			path:     "/scheduler/jobs/nightly/reschedule",
			body:     map[string]string{},
			wantCode: http.StatusBadRequest,
			wantErr:  api.CodeInvalidTrigger,
		},
		{
			name:     "reschedule",
			path:     "/scheduler/jobs/nightly/reschedule",
			body:     map[string]string{"trigger": "0 3 * * *"},
			wantCode: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, tt.wantCode, rec.Code, tt.name)
		if tt.wantErr != "" {
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code, tt.name)
		}
	}
}

func TestSchedulerListings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	next := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	f.gate.On("Allow", mock.Anything, admission.ClassStatus, mock.Anything).Return(nil)
	f.scheduler.On("Policies", mock.Anything).Return([]domain.SchedulePolicy{
		{ID: "nightly", Trigger: "0 3 * * *", Active: true, NextFireTime: &next},
	}, nil)
	f.scheduler.On("ExecutionLogs", mock.Anything, "", 5).Return([]*domain.ScheduleExecutionLog{
		{ID: "log-1", PolicyID: "nightly", Status: domain.ExecutionCompleted},
	}, nil)

	rec := f.do(t, http.MethodGet, "/scheduler/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"policy_id":"nightly"`)
	assert.Contains(t, rec.Body.String(), `"next_fire_time":"2026-03-02T03:00:00Z"`)

	rec = f.do(t, http.MethodGet, "/scheduler/tasks?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"log_id":"log-1"`)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]api.HealthCheck{
			"database": func(context.Context) error { return nil },
		})

		rec := f.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body api.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, api.HealthStatusHealthy, body.Status)
		assert.Equal(t, 2, body.InFlight)
		assert.Equal(t, api.HealthStatusHealthy, body.Checks["database"].Status)
	})

	t.Run("unhealthy dependency", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]api.HealthCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		})

		rec := f.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.scheduler.On("Resume", mock.Anything, "nightly").Return(nil)
	f.do(t, http.MethodPost, "/scheduler/jobs/nightly/resume", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/scheduler/jobs/:policy_id/resume"`)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := api.NewServer(config.ServerConfig{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, http.NotFoundHandler(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
