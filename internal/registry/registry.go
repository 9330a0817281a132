// Package registry tracks the processes this daemon spawned, as opposed to
// pre-existing ones it merely adopted for reporting. Only spawned processes
// are ever shut down with the daemon.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendersync/rendersyncd/internal/terminator"
)

// Handle describes one spawned process.
type Handle struct {
	PID       int32     `json:"pid"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Port      uint16    `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// Terminator stops a process with a bounded grace period.
type Terminator interface {
	Terminate(pid int32, grace time.Duration) (terminator.Result, error)
}

type realTerm struct{}

func (realTerm) Terminate(pid int32, grace time.Duration) (terminator.Result, error) {
	return terminator.Terminate(pid, grace)
}

// Registry is the single shared process table. The start clock is fixed at
// construction time, so construct it first thing in main.
type Registry struct {
	mu      sync.Mutex
	spawned map[int32]Handle

	start time.Time
	now   func() time.Time
	term  Terminator
	grace time.Duration
	log   *slog.Logger
}

// Option adjusts a Registry during construction.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithTerminator overrides the process terminator used by ShutdownAll.
func WithTerminator(t Terminator) Option { return func(r *Registry) { r.term = t } }

// WithShutdownGrace sets the grace period granted during ShutdownAll.
func WithShutdownGrace(d time.Duration) Option { return func(r *Registry) { r.grace = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// New builds a Registry and pins its start instant.
func New(opts ...Option) *Registry {
	r := &Registry{
		spawned: make(map[int32]Handle),
		now:     time.Now,
		term:    realTerm{},
		grace:   3 * time.Second,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.start = r.now()
	return r
}

// RegisterSpawned records a process this daemon started. A zero StartedAt is
// filled in from the registry clock.
func (r *Registry) RegisterSpawned(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.StartedAt.IsZero() {
		h.StartedAt = r.now()
	}
	r.spawned[h.PID] = h
	r.log.Info("registered spawned process", "pid", h.PID, "name", h.Name, "kind", h.Kind)
}

// Unregister removes a handle after a confirmed natural exit. Unknown PIDs
// are a no-op.
func (r *Registry) Unregister(pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spawned[pid]; ok {
		delete(r.spawned, pid)
		r.log.Info("unregistered spawned process", "pid", pid)
	}
}

// AllSpawned returns a snapshot of the spawned handles, ordered by PID.
func (r *Registry) AllSpawned() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.spawned))
	for _, h := range r.spawned {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// ElapsedSinceStart reports how long the daemon has been up.
func (r *Registry) ElapsedSinceStart() time.Duration {
	return r.now().Sub(r.start)
}

// CheckLoadTimeout reports whether startup has exceeded max. Report-only: it
// never kills anything, the caller decides what to do with the flag.
func (r *Registry) CheckLoadTimeout(max time.Duration) bool {
	exceeded := r.ElapsedSinceStart() > max
	if exceeded {
		r.log.Warn("load timeout exceeded", "elapsed", r.ElapsedSinceStart(), "max", max)
	}
	return exceeded
}

// ShutdownAll terminates every live spawned process two-phase and returns the
// number actually terminated (already-gone handles are drained but not
// counted). Handles that fail to die stay registered; errors are joined so
// the caller sees every failure. Calling it again with an empty table is a
// no-op returning 0.
func (r *Registry) ShutdownAll() (int, error) {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.spawned))
	for _, h := range r.spawned {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var errs []error
	stopped := 0
	for _, h := range handles {
		res, err := r.term.Terminate(h.PID, r.grace)
		if err != nil {
			r.log.Error("shutdown of spawned process failed", "pid", h.PID, "name", h.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		delete(r.spawned, h.PID)
		r.mu.Unlock()
		if res.Method != terminator.AlreadyGone {
			stopped++
		}
		r.log.Info("spawned process shut down", "pid", h.PID, "name", h.Name, "method", res.Method)
	}
	return stopped, errors.Join(errs...)
}
