package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/registry"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	health   []bool
	restarts int
}

func (f *fakeSupervisor) SetHealth(name string, healthy bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, healthy)
	return nil
}

func (f *fakeSupervisor) Restart(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeSupervisor) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *fakeSupervisor) healthReports() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.health...)
}

// newProbedService starts an HTTP backend whose health response is
// controlled by the returned setter, and builds a probe pointing at it.
func newProbedService(t *testing.T, retries int) (*serviceProbe, *fakeSupervisor, func(code int)) {
	t.Helper()

	var mu sync.Mutex
	status := http.StatusOK
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
	}))
	t.Cleanup(backend.Close)

	_, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	spec := config.ServiceSpec{
		Name: "api-service",
		Port: port,
		HealthCheck: &config.HealthCheckSpec{
			Interval: 30,
			Timeout:  5,
			Retries:  retries,
			Path:     "/health",
		},
	}
	reg := registry.New([]config.ServiceSpec{spec})
	rt := reg.Lookup("api-service")
	rt.SetState(registry.StateRunning)

	sup := &fakeSupervisor{}
	m := New(zerolog.Nop(), reg, sup)
	require.Len(t, m.probes, 1)

	return m.probes[0], sup, func(code int) {
		mu.Lock()
		defer mu.Unlock()
		status = code
	}
}

func TestNoHealthCheckNoProbe(t *testing.T) {
	reg := registry.New([]config.ServiceSpec{
		{Name: "service-a", Port: 8080},
		{Name: "service-b", Port: 8081},
	})
	m := New(zerolog.Nop(), reg, &fakeSupervisor{})
	assert.Empty(t, m.Targets())
}

func TestProbedServicesListed(t *testing.T) {
	reg := registry.New([]config.ServiceSpec{
		{Name: "plain", Port: 8080},
		{Name: "checked", Port: 8081, HealthCheck: &config.HealthCheckSpec{Interval: 30, Timeout: 5, Retries: 3, Path: "/health"}},
	})
	m := New(zerolog.Nop(), reg, &fakeSupervisor{})
	assert.Equal(t, []string{"checked"}, m.Targets())
}

func TestExactlyRetriesFailuresTriggerRestart(t *testing.T) {
	probe, sup, setStatus := newProbedService(t, 3)
	setStatus(http.StatusInternalServerError)

	ctx := context.Background()
	probe.tick(ctx)
	probe.tick(ctx)
	assert.Zero(t, sup.restartCount(), "restart before reaching retries")

	probe.tick(ctx)
	assert.Equal(t, 1, sup.restartCount(), "exactly one restart at the retry threshold")

	reports := sup.healthReports()
	require.Len(t, reports, 1)
	assert.False(t, reports[0])
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	probe, sup, setStatus := newProbedService(t, 3)

	ctx := context.Background()
	setStatus(http.StatusInternalServerError)
	probe.tick(ctx)
	probe.tick(ctx)

	setStatus(http.StatusOK)
	probe.tick(ctx)

	// Two more failures must not reach the threshold of three.
	setStatus(http.StatusServiceUnavailable)
	probe.tick(ctx)
	probe.tick(ctx)
	assert.Zero(t, sup.restartCount())
}

func TestNotRunningServiceNotProbed(t *testing.T) {
	probe, sup, setStatus := newProbedService(t, 1)
	setStatus(http.StatusInternalServerError)
	probe.rt.SetState(registry.StateStopped)

	probe.tick(context.Background())
	assert.Zero(t, sup.restartCount())
	assert.Empty(t, sup.healthReports())
}

func TestConnectionRefusedCountsAsFailure(t *testing.T) {
	probe, sup, _ := newProbedService(t, 1)
	// Point the probe at a closed port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	probe.url = "http://" + addr + "/health"

	probe.tick(context.Background())
	assert.Equal(t, 1, sup.restartCount())
}
