// Package health probes running services over HTTP and drives the
// Running/Unhealthy transitions through the supervisor.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kittengrid/agent/internal/registry"
)

// Supervisor is the slice of the supervisor API the monitor needs.
type Supervisor interface {
	SetHealth(name string, healthy bool) error
	Restart(name string) error
}

var probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kittengrid_health_probes_total",
	Help: "Health probes grouped by result.",
}, []string{"service", "result"})

// Monitor runs one probe loop per service that declares a health check.
// Services without one are never probed.
type Monitor struct {
	logger zerolog.Logger
	sup    Supervisor
	probes []*serviceProbe
}

// New builds a Monitor over the registry. Only services with a
// health_check declaration get a probe.
func New(logger zerolog.Logger, reg *registry.Registry, sup Supervisor) *Monitor {
	m := &Monitor{
		logger: logger.With().Str("component", "health-monitor").Logger(),
		sup:    sup,
	}
	for _, rt := range reg.All() {
		if rt.Spec().HealthCheck == nil {
			continue
		}
		m.probes = append(m.probes, newServiceProbe(m, rt))
	}
	return m
}

// Targets returns the names of the services being probed.
func (m *Monitor) Targets() []string {
	names := make([]string, 0, len(m.probes))
	for _, p := range m.probes {
		names = append(names, p.rt.Spec().Name)
	}
	return names
}

// Run starts all probe loops and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for _, p := range m.probes {
		go p.loop(ctx)
	}
	<-ctx.Done()
}

// serviceProbe is the per-service probe state. failures counts
// consecutive probe failures while the service is Running.
type serviceProbe struct {
	m        *Monitor
	rt       *registry.Runtime
	logger   zerolog.Logger
	client   *http.Client
	url      string
	failures int
}

func newServiceProbe(m *Monitor, rt *registry.Runtime) *serviceProbe {
	spec := rt.Spec()
	return &serviceProbe{
		m:      m,
		rt:     rt,
		logger: m.logger.With().Str("service", spec.Name).Logger(),
		client: &http.Client{Timeout: spec.HealthCheck.TimeoutDuration()},
		url:    fmt.Sprintf("http://127.0.0.1:%d%s", spec.Port, spec.HealthCheck.Path),
	}
}

func (p *serviceProbe) loop(ctx context.Context) {
	ticker := time.NewTicker(p.rt.Spec().HealthCheck.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick performs one probe and applies the verdict. Probing only happens
// while the service is Running; a stopped or crashed service keeps its
// counter cleared.
func (p *serviceProbe) tick(ctx context.Context) {
	name := p.rt.Spec().Name

	if p.rt.State() != registry.StateRunning {
		p.failures = 0
		return
	}

	if p.probe(ctx) {
		probesTotal.WithLabelValues(name, "success").Inc()
		p.failures = 0
		if err := p.m.sup.SetHealth(name, true); err != nil {
			p.logger.Error().Err(err).Msg("failed to report healthy")
		}
		return
	}

	probesTotal.WithLabelValues(name, "failure").Inc()
	p.failures++
	p.logger.Debug().Int("failures", p.failures).Msg("health probe failed")

	if p.failures < p.rt.Spec().HealthCheck.Retries {
		return
	}

	p.failures = 0
	p.logger.Warn().Msg("service unhealthy, requesting restart")
	if err := p.m.sup.SetHealth(name, false); err != nil {
		p.logger.Error().Err(err).Msg("failed to report unhealthy")
		return
	}
	if err := p.m.sup.Restart(name); err != nil {
		p.logger.Error().Err(err).Msg("restart request failed")
	}
}

func (p *serviceProbe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
