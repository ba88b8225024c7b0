// Package supervisor owns every service process: spawning, two-phase
// termination, crash detection and backoff-driven restarts. All lifecycle
// transitions for a given service are funneled through one goroutine so
// that concurrent requests can never race a process handle.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/control"
	"github.com/kittengrid/agent/internal/registry"
)

// ErrUnknownService is returned for operations on undeclared services.
var ErrUnknownService = errors.New("unknown service")

// SpawnError wraps a failure to start a service's process.
type SpawnError struct {
	Service string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Service, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Stream selects one of a service's output streams.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// EventSink receives supervisor events for the control channel.
type EventSink func(control.Event)

var (
	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kittengrid_service_restarts_total",
		Help: "Service restarts grouped by cause.",
	}, []string{"service", "cause"})
	crashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kittengrid_service_crashes_total",
		Help: "Unexpected service process exits.",
	}, []string{"service"})
	serviceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kittengrid_service_up",
		Help: "Whether the service process is running (1) or not (0).",
	}, []string{"service"})
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdHealth
)

type loopCmd struct {
	kind    cmdKind
	grace   time.Duration
	healthy bool
	reply   chan error
}

// Supervisor supervises all declared services.
type Supervisor struct {
	logger zerolog.Logger
	reg    *registry.Registry
	cfg    *config.Config
	emit   EventSink

	loops map[string]*serviceLoop
}

// New creates a Supervisor over the registry. Loops start when Run is
// called.
func New(logger zerolog.Logger, reg *registry.Registry, cfg *config.Config, emit EventSink) *Supervisor {
	if emit == nil {
		emit = func(control.Event) {}
	}
	s := &Supervisor{
		logger: logger.With().Str("component", "supervisor").Logger(),
		reg:    reg,
		cfg:    cfg,
		emit:   emit,
		loops:  make(map[string]*serviceLoop),
	}
	for _, rt := range reg.All() {
		s.loops[rt.Spec().Name] = newServiceLoop(s, rt)
	}
	return s
}

// Run starts the per-service loops and blocks until done is closed, then
// stops every running service in parallel within the grace period.
func (s *Supervisor) Run(done <-chan struct{}) {
	for _, l := range s.loops {
		go l.run()
	}
	<-done
	s.shutdown()
}

func (s *Supervisor) shutdown() {
	var g errgroup.Group
	for name := range s.loops {
		name := name
		g.Go(func() error {
			if err := s.Stop(name, s.cfg.StopGracePeriod); err != nil {
				s.logger.Error().Err(err).Str("service", name).Msg("stop during shutdown failed")
			}
			return nil
		})
	}
	g.Wait()
	for _, l := range s.loops {
		close(l.quit)
		l.stdout.Close()
		l.stderr.Close()
	}
}

// StartAll spawns every declared service. Spawn failures are recoverable:
// they are logged, surfaced as events, and do not prevent other services
// from starting.
func (s *Supervisor) StartAll() error {
	var errs []error
	for _, rt := range s.reg.All() {
		if err := s.Start(rt.Spec().Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start spawns the service if it is not already running. Idempotent.
func (s *Supervisor) Start(name string) error {
	return s.send(name, loopCmd{kind: cmdStart})
}

// Stop terminates the service with the two-phase protocol, waiting up to
// grace before force-killing. Stopping a stopped service succeeds.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	return s.send(name, loopCmd{kind: cmdStop, grace: grace})
}

// Restart stops then starts the service, preserving the crash-restart
// counter for backoff accounting.
func (s *Supervisor) Restart(name string) error {
	return s.send(name, loopCmd{kind: cmdRestart, grace: s.cfg.StopGracePeriod})
}

// SetHealth applies a health monitor verdict: Running→Unhealthy on false,
// Unhealthy→Running on true. Emits HealthChanged on actual transitions.
func (s *Supervisor) SetHealth(name string, healthy bool) error {
	return s.send(name, loopCmd{kind: cmdHealth, healthy: healthy})
}

// Subscribe attaches to a service's output stream.
func (s *Supervisor) Subscribe(name string, stream Stream) (<-chan []byte, func(), error) {
	l, ok := s.loops[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	bc := l.stdout
	if stream == StreamStderr {
		bc = l.stderr
	}
	ch, cancel := bc.Subscribe()
	return ch, cancel, nil
}

func (s *Supervisor) send(name string, cmd loopCmd) error {
	l, ok := s.loops[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	cmd.reply = make(chan error, 1)
	select {
	case l.cmds <- cmd:
		return <-cmd.reply
	case <-l.quit:
		return errors.New("supervisor is shut down")
	}
}

// serviceLoop serializes all lifecycle work for one service.
type serviceLoop struct {
	sup    *Supervisor
	rt     *registry.Runtime
	logger zerolog.Logger

	cmds chan loopCmd
	quit chan struct{}

	stdout *Broadcaster
	stderr *Broadcaster

	lastLogEmit atomic.Int64

	// Loop-local; only touched from run().
	proc      *exec.Cmd
	exitCh    chan error
	backoffCh <-chan time.Time
	backoff   retry.Backoff
}

func newServiceLoop(s *Supervisor, rt *registry.Runtime) *serviceLoop {
	return &serviceLoop{
		sup:    s,
		rt:     rt,
		logger: s.logger.With().Str("service", rt.Spec().Name).Logger(),
		cmds:   make(chan loopCmd),
		quit:   make(chan struct{}),
		stdout: NewBroadcaster(),
		stderr: NewBroadcaster(),
	}
}

func (l *serviceLoop) run() {
	for {
		select {
		case <-l.quit:
			return
		case cmd := <-l.cmds:
			cmd.reply <- l.handle(cmd)
		case err := <-l.exitCh:
			l.handleUnexpectedExit(err)
		case <-l.backoffCh:
			l.backoffCh = nil
			l.logger.Info().Int("attempt", l.rt.RestartAttempts()).Msg("retrying crashed service")
			if err := l.spawn(); err != nil {
				l.handleUnexpectedExit(err)
			}
		}
	}
}

func (l *serviceLoop) handle(cmd loopCmd) error {
	switch cmd.kind {
	case cmdStart:
		switch l.rt.State() {
		case registry.StateRunning, registry.StateStarting, registry.StateUnhealthy:
			return nil // already up, duplicate Expose is a no-op
		}
		// An explicit start resets backoff accounting.
		l.rt.SetRestartAttempts(0)
		l.backoff = nil
		l.backoffCh = nil
		return l.spawn()

	case cmdStop:
		l.backoffCh = nil // cancel any pending crash retry
		switch l.rt.State() {
		case registry.StateStopped:
			return nil
		case registry.StateCrashed:
			l.setState(registry.StateStopped)
			return nil
		}
		l.stopProcess(cmd.grace)
		return nil

	case cmdRestart:
		// Preserves the restart-attempt counter.
		l.backoffCh = nil
		switch l.rt.State() {
		case registry.StateRunning, registry.StateUnhealthy, registry.StateStarting:
			l.stopProcess(cmd.grace)
		}
		restartsTotal.WithLabelValues(l.rt.Spec().Name, "requested").Inc()
		return l.spawn()

	case cmdHealth:
		name := l.rt.Spec().Name
		if cmd.healthy {
			if l.rt.State() == registry.StateUnhealthy {
				l.setState(registry.StateRunning)
				l.rt.MarkHealthySince(time.Now())
				l.sup.emit(control.HealthChanged(name, true))
			}
			return nil
		}
		if l.rt.State() == registry.StateRunning {
			l.setState(registry.StateUnhealthy)
			l.rt.MarkHealthySince(time.Time{})
			l.sup.emit(control.HealthChanged(name, false))
		}
		return nil
	}
	return nil
}

// spawn starts the process and transitions Starting→Running. The previous
// handle is always gone by the time spawn runs: the loop only calls it
// after a confirmed exit or from the Stopped/Crashed states.
func (l *serviceLoop) spawn() error {
	spec := l.rt.Spec()
	l.setState(registry.StateStarting)

	cmd := exec.Command(spec.Command(), spec.Args...)
	cmd.Env = mergedEnv(spec.Env)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return l.failSpawn(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return l.failSpawn(err)
	}

	if err := cmd.Start(); err != nil {
		return l.failSpawn(err)
	}

	l.proc = cmd
	l.exitCh = make(chan error, 1)
	l.rt.SetPid(cmd.Process.Pid)
	l.rt.MarkStarted(time.Now())
	l.rt.MarkHealthySince(time.Now())

	go l.pump(stdoutPipe, l.stdout)
	go l.pump(stderrPipe, l.stderr)
	go func(exitCh chan error) {
		exitCh <- cmd.Wait()
	}(l.exitCh)

	l.setState(registry.StateRunning)
	serviceUp.WithLabelValues(spec.Name).Set(1)
	l.logger.Info().Int("pid", cmd.Process.Pid).Str("cmd", spec.Command()).Msg("service started")
	return nil
}

func (l *serviceLoop) failSpawn(err error) error {
	l.rt.SetPid(0)
	l.setState(registry.StateCrashed)
	serviceUp.WithLabelValues(l.rt.Spec().Name).Set(0)
	l.logger.Error().Err(err).Msg("failed to spawn service")
	return &SpawnError{Service: l.rt.Spec().Name, Err: err}
}

// stopProcess runs the two-phase termination protocol: SIGTERM, bounded
// wait, SIGKILL. It consumes the exit notification itself so the loop
// never sees the stop as a crash.
func (l *serviceLoop) stopProcess(grace time.Duration) {
	if l.proc == nil {
		l.setState(registry.StateStopped)
		return
	}
	l.setState(registry.StateStopping)

	if err := l.proc.Process.Signal(syscall.SIGTERM); err != nil {
		l.logger.Debug().Err(err).Msg("SIGTERM failed, process may already be gone")
	}

	select {
	case <-l.exitCh:
	case <-time.After(grace):
		l.logger.Warn().Dur("grace", grace).Msg("grace period expired, killing service")
		if err := l.proc.Process.Kill(); err != nil {
			l.logger.Debug().Err(err).Msg("kill failed")
		}
		<-l.exitCh
	}

	l.clearProcess()
	l.setState(registry.StateStopped)
	l.logger.Info().Msg("service stopped")
}

func (l *serviceLoop) handleUnexpectedExit(err error) {
	name := l.rt.Spec().Name
	crashesTotal.WithLabelValues(name).Inc()

	exitDesc := "exit"
	if err != nil {
		exitDesc = err.Error()
	}
	l.logger.Warn().Str("cause", exitDesc).Msg("service exited unexpectedly")

	// A sustained healthy run resets the backoff sequence.
	if started := l.rt.StartedAt(); !started.IsZero() && time.Since(started) >= l.sup.cfg.HealthyResetAfter {
		l.rt.SetRestartAttempts(0)
		l.backoff = nil
	}

	l.clearProcess()
	l.setState(registry.StateCrashed)

	attempts := l.rt.RestartAttempts() + 1
	l.rt.SetRestartAttempts(attempts)

	if attempts > l.sup.cfg.MaxCrashRestarts {
		l.logger.Error().Int("attempts", attempts-1).Msg("service crashed too many times, giving up until an explicit restart")
		l.sup.emit(control.LogLine(name, fmt.Sprintf("service %s left in crashed state after %d consecutive crashes", name, attempts-1)))
		return
	}

	if l.backoff == nil {
		l.backoff = retry.WithCappedDuration(l.sup.cfg.RestartMaxDelay, retry.NewExponential(l.sup.cfg.RestartBaseDelay))
	}
	delay, _ := l.backoff.Next()
	restartsTotal.WithLabelValues(name, "crash").Inc()
	l.logger.Info().Dur("delay", delay).Int("attempt", attempts).Msg("scheduling crash restart")
	l.backoffCh = time.After(delay)
}

func (l *serviceLoop) clearProcess() {
	l.proc = nil
	l.exitCh = nil
	l.rt.SetPid(0)
	serviceUp.WithLabelValues(l.rt.Spec().Name).Set(0)
}

func (l *serviceLoop) setState(s registry.State) {
	prev := l.rt.State()
	if prev == s {
		return
	}
	l.rt.SetState(s)
	l.sup.emit(control.StatusChanged(l.rt.Spec().Name, string(s)))
}

// logEventInterval throttles control-channel log events. Subscribers of
// the websocket endpoints get every line from the broadcasters; the
// control plane only sees a sampled tail.
const logEventInterval = time.Second

func (l *serviceLoop) pump(r io.Reader, bc *Broadcaster) {
	name := l.rt.Spec().Name
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		bc.Publish(line)
		l.maybeEmitLog(name, line)
	}
}

// maybeEmitLog forwards at most one log line per interval to the control
// channel. Both stream pumps share the same window.
func (l *serviceLoop) maybeEmitLog(name string, line []byte) {
	now := time.Now().UnixNano()
	last := l.lastLogEmit.Load()
	if now-last < int64(logEventInterval) {
		return
	}
	if !l.lastLogEmit.CompareAndSwap(last, now) {
		return
	}
	l.sup.emit(control.LogLine(name, string(line)))
}

// mergedEnv merges declared variables over the inherited environment,
// declared values winning. Output is sorted for determinism.
func mergedEnv(declared map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range declared {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
