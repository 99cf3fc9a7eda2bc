package system

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmshq/tms/internal/allocation"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/metric"
	"github.com/tmshq/tms/internal/runner"
)

type fakeClients struct {
	wait     time.Duration
	runners  []*runner.Runner
	summary  *allocation.SystemSummary
	profiles []*metric.Summary
}

func (f *fakeClients) AverageQueueWait(ctx context.Context) (time.Duration, error) {
	return f.wait, nil
}

func (f *fakeClients) List(ctx context.Context) ([]*runner.Runner, error) {
	return f.runners, nil
}

func (f *fakeClients) SystemSummary(ctx context.Context) (*allocation.SystemSummary, error) {
	if f.summary != nil {
		return f.summary, nil
	}
	return &allocation.SystemSummary{}, nil
}

func (f *fakeClients) Summarize(ctx context.Context) ([]*metric.Summary, error) {
	return f.profiles, nil
}

func newTestService(f *fakeClients) *Service {
	return NewService(Options{
		Logger:      logr.Discard(),
		Executions:  f,
		Runners:     f,
		Allocations: f,
		Metrics:     f,
	})
}

func activeRunners(healthy, unhealthy int) []*runner.Runner {
	var runners []*runner.Runner
	for range healthy {
		runners = append(runners, &runner.Runner{Status: runner.Active, HealthStatus: runner.Healthy})
	}
	for range unhealthy {
		runners = append(runners, &runner.Runner{Status: runner.Active, HealthStatus: runner.Unhealthy})
	}
	return runners
}

func TestService_Health(t *testing.T) {
	tests := []struct {
		name       string
		clients    *fakeClients
		wantStatus HealthState
		wantRatio  float64
	}{
		{
			name:       "all runners healthy",
			clients:    &fakeClients{runners: activeRunners(4, 0)},
			wantStatus: Healthy,
			wantRatio:  1,
		},
		{
			name:       "no runners at all",
			clients:    &fakeClients{},
			wantStatus: Healthy,
			wantRatio:  1,
		},
		{
			name:       "degraded below eighty percent healthy",
			clients:    &fakeClients{runners: activeRunners(3, 1)},
			wantStatus: Degraded,
			wantRatio:  0.75,
		},
		{
			name:       "unhealthy below half healthy",
			clients:    &fakeClients{runners: activeRunners(1, 3)},
			wantStatus: Unhealthy,
			wantRatio:  0.25,
		},
		{
			name: "inactive runners are not expected to be healthy",
			clients: &fakeClients{runners: append(activeRunners(2, 0),
				&runner.Runner{Status: runner.Inactive, HealthStatus: runner.Unhealthy},
			)},
			wantStatus: Healthy,
			wantRatio:  1,
		},
		{
			name: "unknown health counts as healthy",
			clients: &fakeClients{runners: append(activeRunners(1, 0),
				&runner.Runner{Status: runner.Active, HealthStatus: runner.Unknown},
			)},
			wantStatus: Healthy,
			wantRatio:  1,
		},
		{
			name:       "long queue wait degrades",
			clients:    &fakeClients{runners: activeRunners(4, 0), wait: DefaultQueueWaitThreshold + time.Second},
			wantStatus: Degraded,
			wantRatio:  1,
		},
		{
			name:       "no active runners with work waiting is unhealthy",
			clients:    &fakeClients{wait: time.Minute},
			wantStatus: Unhealthy,
			wantRatio:  1,
		},
		{
			name: "only inactive runners with work waiting is unhealthy",
			clients: &fakeClients{
				runners: []*runner.Runner{{Status: runner.Inactive, HealthStatus: runner.Healthy}},
				wait:    time.Minute,
			},
			wantStatus: Unhealthy,
			wantRatio:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := newTestService(tt.clients).Health(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.InDelta(t, tt.wantRatio, report.RunnerHealthRatio, 0.001)
		})
	}
}

func TestService_healthHandler(t *testing.T) {
	get := func(t *testing.T, svc *Service) *httptest.ResponseRecorder {
		t.Helper()
		router := mux.NewRouter()
		svc.AddHandlers(router)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/system/health", nil))
		return w
	}

	t.Run("healthy system", func(t *testing.T) {
		w := get(t, newTestService(&fakeClients{runners: activeRunners(2, 0)}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	})

	t.Run("unhealthy system returns service unavailable", func(t *testing.T) {
		w := get(t, newTestService(&fakeClients{runners: activeRunners(0, 2)}))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
	})
}
