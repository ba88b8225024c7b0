// Package registry holds the in-memory table of declared services and
// their runtime state. Lifecycle fields have a single writer (the
// supervisor); the activity timestamp is the deliberate exception and is
// updated atomically from the gateway's proxy hot path.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kittengrid/agent/internal/config"
)

// State is a service lifecycle state.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopping  State = "stopping"
	StateCrashed   State = "crashed"
)

// Runtime is the mutable runtime record for one declared service. Entries
// are created at agent startup and reused across restarts of the service.
type Runtime struct {
	id   uuid.UUID
	spec config.ServiceSpec

	mu              sync.RWMutex
	state           State
	pid             int
	restartAttempts int
	startedAt       time.Time
	healthySince    time.Time

	lastActivity atomic.Int64 // unix nanos, 0 = never
}

func newRuntime(spec config.ServiceSpec) *Runtime {
	return &Runtime{
		id:    uuid.New(),
		spec:  spec,
		state: StateStopped,
	}
}

// ID returns the service's stable identifier for this agent run.
func (r *Runtime) ID() uuid.UUID { return r.id }

// Spec returns the immutable declaration.
func (r *Runtime) Spec() config.ServiceSpec { return r.spec }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState updates the lifecycle state. Supervisor only.
func (r *Runtime) SetState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Pid returns the live process id, or 0 when no process exists.
func (r *Runtime) Pid() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pid
}

// SetPid records the live process id. Supervisor only.
func (r *Runtime) SetPid(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid = pid
}

// RestartAttempts returns the consecutive crash-restart counter.
func (r *Runtime) RestartAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.restartAttempts
}

// SetRestartAttempts updates the crash-restart counter. Supervisor only.
func (r *Runtime) SetRestartAttempts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restartAttempts = n
}

// MarkStarted records the start time of the current process. Supervisor
// only.
func (r *Runtime) MarkStarted(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = t
}

// StartedAt returns when the current process was started, zero if the
// service has never run.
func (r *Runtime) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// MarkHealthySince records the start of the current healthy run; zero
// clears it. Supervisor only.
func (r *Runtime) MarkHealthySince(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthySince = t
}

// HealthySince returns the start of the current healthy run.
func (r *Runtime) HealthySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthySince
}

// TouchActivity records proxied traffic for this service. Safe from any
// goroutine; does not take the lifecycle lock.
func (r *Runtime) TouchActivity(t time.Time) {
	r.lastActivity.Store(t.UnixNano())
}

// LastActivity returns the time of the most recent proxied traffic, zero
// if none has been observed.
func (r *Runtime) LastActivity() time.Time {
	n := r.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Status is a point-in-time public view of one service, used by the local
// API listing and by control-channel state resyncs.
type Status struct {
	ID    uuid.UUID          `json:"id"`
	Name  string             `json:"name"`
	State State              `json:"state"`
	Spec  config.ServiceSpec `json:"spec"`
}

// Registry is the authoritative service table. The set of entries is fixed
// at construction.
type Registry struct {
	order  []*Runtime
	byName map[string]*Runtime
	byID   map[uuid.UUID]*Runtime
}

// New builds a Registry from the declared specs, all services Stopped.
func New(specs []config.ServiceSpec) *Registry {
	r := &Registry{
		byName: make(map[string]*Runtime, len(specs)),
		byID:   make(map[uuid.UUID]*Runtime, len(specs)),
	}
	for _, spec := range specs {
		rt := newRuntime(spec)
		r.order = append(r.order, rt)
		r.byName[spec.Name] = rt
		r.byID[rt.id] = rt
	}
	return r
}

// Lookup returns the runtime for a service name, nil if not declared.
func (r *Registry) Lookup(name string) *Runtime { return r.byName[name] }

// ByID returns the runtime for a service id, nil if unknown.
func (r *Registry) ByID(id uuid.UUID) *Runtime { return r.byID[id] }

// All returns every runtime in declaration order.
func (r *Registry) All() []*Runtime { return r.order }

// Snapshot returns the current status of every service in declaration
// order.
func (r *Registry) Snapshot() []Status {
	out := make([]Status, 0, len(r.order))
	for _, rt := range r.order {
		out = append(out, Status{
			ID:    rt.id,
			Name:  rt.spec.Name,
			State: rt.State(),
			Spec:  rt.spec,
		})
	}
	return out
}
