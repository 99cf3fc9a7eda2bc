package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/metric"
	"github.com/tmshq/tms/internal/resource"
)

type fakeMonitorClient struct {
	runners []*Runner
	// probe outcomes recorded per runner id
	probes map[resource.ID][]bool
}

func (f *fakeMonitorClient) List(ctx context.Context) ([]*Runner, error) {
	return f.runners, nil
}

func (f *fakeMonitorClient) recordHealthProbe(ctx context.Context, id resource.ID, ok bool) (*Runner, error) {
	if f.probes == nil {
		f.probes = make(map[resource.ID][]bool)
	}
	f.probes[id] = append(f.probes[id], ok)
	for _, r := range f.runners {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

type fakeProbeRecorder struct {
	samples []metric.Sample
}

func (f *fakeProbeRecorder) Record(ctx context.Context, sample metric.Sample) {
	f.samples = append(f.samples, sample)
}

func TestMonitor_probeAll(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	runner1 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, HealthCheckURL: healthy.URL}
	runner2 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, HealthCheckURL: failing.URL}
	// no health check url; must be skipped
	runner3 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active}
	// only active runners are probed
	runner4 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Maintenance, HealthCheckURL: healthy.URL}

	client := &fakeMonitorClient{runners: []*Runner{runner1, runner2, runner3, runner4}}
	recorder := &fakeProbeRecorder{}
	m := newMonitor(logr.Discard(), client, recorder, 0)
	m.client.RetryMax = 0

	require.NoError(t, m.probeAll(context.Background()))

	assert.Equal(t, []bool{true}, client.probes[runner1.ID])
	assert.Equal(t, []bool{false}, client.probes[runner2.ID])
	assert.NotContains(t, client.probes, runner3.ID)
	assert.NotContains(t, client.probes, runner4.ID)

	if assert.Len(t, recorder.samples, 2) {
		for _, sample := range recorder.samples {
			assert.Equal(t, metric.HealthProbeTime, sample.MetricType)
			assert.NotNil(t, sample.RunnerID)
		}
	}
}

func TestMonitor_probe_unreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	m := newMonitor(logr.Discard(), nil, nil, 0)
	m.client.RetryMax = 0

	ok := m.probe(context.Background(), &Runner{HealthCheckURL: dead.URL})
	assert.False(t, ok)
}
