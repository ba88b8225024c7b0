// Package idle stops services that have not seen proxied traffic for
// the configured idle window.
package idle

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/registry"
)

// Supervisor is the slice of the supervisor API the monitor needs.
type Supervisor interface {
	Stop(name string, grace time.Duration) error
}

var idleStops = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kittengrid_idle_stops_total",
	Help: "Services stopped for inactivity.",
}, []string{"service"})

// Monitor sweeps the registry and stops services whose last proxied
// request is older than the idle timeout. A freshly started service
// that never saw traffic gets one full idle window from its start time.
type Monitor struct {
	logger zerolog.Logger
	cfg    *config.Config
	reg    *registry.Registry
	sup    Supervisor

	now func() time.Time
}

func New(logger zerolog.Logger, cfg *config.Config, reg *registry.Registry, sup Supervisor) *Monitor {
	return &Monitor{
		logger: logger.With().Str("component", "idle-monitor").Logger(),
		cfg:    cfg,
		reg:    reg,
		sup:    sup,
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := m.now()
	for _, rt := range m.reg.All() {
		state := rt.State()
		if state != registry.StateRunning && state != registry.StateUnhealthy {
			continue
		}

		last := rt.LastActivity()
		if last.IsZero() {
			last = rt.StartedAt()
		}
		if last.IsZero() {
			continue
		}

		idle := now.Sub(last)
		if idle < m.cfg.IdleTimeout {
			continue
		}

		name := rt.Spec().Name
		m.logger.Info().
			Str("service", name).
			Dur("idle", idle.Round(time.Second)).
			Msg("stopping idle service")
		idleStops.WithLabelValues(name).Inc()

		if err := m.sup.Stop(name, m.cfg.StopGracePeriod); err != nil {
			m.logger.Error().Err(err).Str("service", name).Msg("idle stop failed")
		}
	}
}
