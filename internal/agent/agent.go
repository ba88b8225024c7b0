// Package agent wires the registry, supervisor, gateway, tunnel and
// control channel together and runs them as one unit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/control"
	"github.com/kittengrid/agent/internal/controlplane"
	"github.com/kittengrid/agent/internal/gateway"
	"github.com/kittengrid/agent/internal/health"
	"github.com/kittengrid/agent/internal/idle"
	"github.com/kittengrid/agent/internal/metrics"
	"github.com/kittengrid/agent/internal/registry"
	"github.com/kittengrid/agent/internal/supervisor"
	"github.com/kittengrid/agent/internal/tunnel"
)

// Agent owns every component of a running kittengrid agent.
type Agent struct {
	logger  zerolog.Logger
	cfg     *config.Config
	reg     *registry.Registry
	sup     *supervisor.Supervisor
	gw      *gateway.Server
	session *tunnel.Session
	cp      *controlplane.Client
	health  *health.Monitor
	idle    *idle.Monitor

	channel  atomic.Pointer[control.Channel]
	shutdown context.CancelFunc
}

// New assembles an agent from the declared services. Nothing is started
// until Run.
func New(logger zerolog.Logger, cfg *config.Config, specs []config.ServiceSpec) *Agent {
	a := &Agent{
		logger: logger.With().Str("component", "agent").Logger(),
		cfg:    cfg,
		reg:    registry.New(specs),
		cp:     controlplane.New(cfg, logger),
	}
	a.sup = supervisor.New(logger, a.reg, cfg, a.publishEvent)
	a.gw = gateway.NewServer(logger, cfg, a.reg, a.sup)
	a.session = tunnel.NewSession(logger, cfg, a.gw)
	a.health = health.New(logger, a.reg, a.sup)
	a.idle = idle.New(logger, cfg, a.reg, a.sup)
	return a
}

// publishEvent forwards supervisor events to the control channel once
// it exists; events emitted before registration completes are dropped.
func (a *Agent) publishEvent(ev control.Event) {
	if ch := a.channel.Load(); ch != nil {
		ch.Publish(ev)
	}
}

// Run registers with the control plane, binds the gateway, establishes
// the tunnel and control channel, starts all declared services, and
// blocks until ctx is cancelled or a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.shutdown = cancel

	if err := a.cp.Register(ctx, a.cfg); err != nil {
		return err
	}
	if err := a.cp.UpdateStatus(ctx, controlplane.StatusBooting); err != nil {
		a.logger.Warn().Err(err).Msg("failed to report booting status")
	}

	a.publishServices(ctx)

	// The local bind is non-negotiable: without it the agent is useless,
	// so failure here is fatal.
	bindAddr := fmt.Sprintf("%s:%d", a.cfg.BindAddress, a.cfg.BindPort)
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("bind gateway listener on %s: %w", bindAddr, err)
	}
	a.logger.Info().Str("addr", bindAddr).Msg("gateway listening")

	channel := control.NewChannel(a.logger, a.cfg, a.controlURL(), a.cp.Token(), a)
	a.channel.Store(channel)

	g, ctx := errgroup.WithContext(ctx)

	supDone := make(chan struct{})
	g.Go(func() error {
		<-ctx.Done()
		close(supDone)
		return nil
	})
	g.Go(func() error {
		a.sup.Run(supDone)
		return nil
	})

	httpSrv := &http.Server{Handler: a.gw}
	g.Go(func() error {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := a.session.Run(ctx, a.cp.CreatePeer)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		channel.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.health.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.idle.Run(ctx)
		return nil
	})

	if a.cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(a.cfg.MetricsAddr)
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if err := a.sup.StartAll(); err != nil {
		a.logger.Error().Err(err).Msg("some services failed to start")
	}
	if err := a.cp.UpdateStatus(ctx, controlplane.StatusRunning); err != nil {
		a.logger.Warn().Err(err).Msg("failed to report running status")
	}

	err = g.Wait()

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reportCancel()
	if reportErr := a.cp.UpdateStatus(reportCtx, controlplane.StatusShuttingDown); reportErr != nil {
		a.logger.Warn().Err(reportErr).Msg("failed to report shutdown status")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) publishServices(ctx context.Context) {
	ads := make([]controlplane.ServiceAd, 0, len(a.reg.All()))
	for _, rt := range a.reg.All() {
		spec := rt.Spec()
		ads = append(ads, controlplane.ServiceAd{Name: spec.Name, Port: spec.Port})
	}

	published, err := a.cp.PublishServices(ctx, ads)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish services")
		return
	}
	for _, svc := range published {
		a.logger.Info().Str("service", svc.Name).Str("url", svc.URL).Msg("service published")
	}
}

// controlURL derives the websocket endpoint from the API base URL.
func (a *Agent) controlURL() string {
	url := a.cfg.APIURL
	if after, ok := strings.CutPrefix(url, "https"); ok {
		url = "wss" + after
	} else if after, ok := strings.CutPrefix(url, "http"); ok {
		url = "ws" + after
	}
	return url + "/api/v1/agents/ws"
}

// HandleCommand applies one control-plane command. Commands are
// delivered at least once, so every branch tolerates duplicates.
func (a *Agent) HandleCommand(ctx context.Context, cmd control.Command) error {
	switch cmd.Type {
	case control.CommandExpose:
		return a.sup.Start(cmd.Service)
	case control.CommandWithdraw:
		return a.sup.Stop(cmd.Service, a.cfg.StopGracePeriod)
	case control.CommandRestart:
		return a.sup.Restart(cmd.Service)
	case control.CommandShutdown:
		a.logger.Info().Msg("shutdown requested by control plane")
		a.shutdown()
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// Snapshot reports the current state of every service, sent to the
// control plane after each (re)connect.
func (a *Agent) Snapshot() []control.Event {
	statuses := a.reg.Snapshot()
	events := make([]control.Event, 0, len(statuses))
	for _, st := range statuses {
		events = append(events, control.StatusChanged(st.Name, string(st.State)))
	}
	return events
}

var _ control.Handler = (*Agent)(nil)
