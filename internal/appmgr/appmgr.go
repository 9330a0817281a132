// Package appmgr supervises the two co-located worker applications: the LLM
// runtime and the render engine. Each kind gets one Manager; managers are
// independent of each other and serialize their own operations.
package appmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendersync/rendersyncd/internal/logger"
	"github.com/rendersync/rendersyncd/internal/procfind"
	"github.com/rendersync/rendersyncd/internal/registry"
	"github.com/rendersync/rendersyncd/internal/terminator"
)

// Kind names a supervised application class.
type Kind string

const (
	// LLMRuntime is the local LLM server (ollama by convention, port 11434).
	LLMRuntime Kind = "llm"
	// RenderEngine is the image generation engine (comfyui, port 8188).
	RenderEngine Kind = "render"
)

// ErrExecutableNotFound is returned by Start when no installation of the
// application can be located.
var ErrExecutableNotFound = errors.New("application executable not found")

// ErrUnknownKind is returned for kinds outside {llm, render}.
var ErrUnknownKind = errors.New("unknown application kind")

// ParseKind validates a kind string from the API or CLI.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case LLMRuntime, RenderEngine:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Config describes how to find, start, and identify one application.
type Config struct {
	Kind Kind
	// NameHint matches running processes by name or command line.
	NameHint string
	// Executable is the binary looked up on PATH and in install directories.
	Executable string
	// Args are passed to the executable on Start.
	Args []string
	// Port is the application's conventional listen port.
	Port uint16
	// DirNames are directory names searched under the conventional roots.
	DirNames []string
	// Marker is a file whose presence in a directory identifies a source
	// install (e.g. main.py); such installs are run via Interpreter.
	Marker string
	// Interpreter runs marker-based installs.
	Interpreter string
	// ExtraPaths are additional install roots from configuration.
	ExtraPaths []string
	// ExtraEnv entries are appended to the spawned environment (KEY=VALUE).
	ExtraEnv []string
	// Log configures the rotating stdout/stderr writers of spawned processes.
	// An empty Dir disables file logging.
	Log logger.Config
}

// DefaultConfigs returns the built-in per-kind configurations.
func DefaultConfigs() map[Kind]Config {
	return map[Kind]Config{
		LLMRuntime: {
			Kind:       LLMRuntime,
			NameHint:   "ollama",
			Executable: "ollama",
			Args:       []string{"serve"},
			Port:       11434,
			DirNames:   []string{"Ollama", "ollama"},
		},
		RenderEngine: {
			Kind:        RenderEngine,
			NameHint:    "comfyui",
			Executable:  "comfyui",
			Port:        8188,
			DirNames:    []string{"ComfyUI", "comfyui"},
			Marker:      "main.py",
			Interpreter: "python3",
		},
	}
}

// Status is the externally visible state of one application.
type Status struct {
	Kind        Kind   `json:"kind"`
	Installed   bool   `json:"installed"`
	InstallPath string `json:"install_path,omitempty"`
	Running     bool   `json:"running"`
	PID         int32  `json:"pid,omitempty"`
	Port        uint16 `json:"port"`
	Listening   bool   `json:"listening"`
	Spawned     bool   `json:"spawned"`
	// AlreadyRunning is set by Start when the application was found running
	// and no new process was spawned.
	AlreadyRunning bool `json:"already_running"`
}

// StopReport summarizes one Stop call over every matching process.
type StopReport struct {
	Stopped []int32  `json:"stopped"`
	Failed  []int32  `json:"failed,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Finder is the process lookup surface the manager needs.
type Finder interface {
	FindByNameSubstring(substr string) []int32
	FindByListeningPort(port uint16) (int32, bool)
	ListeningPortsOf(pid int32) []uint16
}

// Terminator stops one process two-phase.
type Terminator interface {
	Terminate(pid int32, grace time.Duration) (terminator.Result, error)
}

// Registrar is the registry surface the manager needs.
type Registrar interface {
	RegisterSpawned(h registry.Handle)
	Unregister(pid int32)
	AllSpawned() []registry.Handle
}

type realFind struct{}

func (realFind) FindByNameSubstring(s string) []int32 { return procfind.FindByNameSubstring(s) }
func (realFind) FindByListeningPort(p uint16) (int32, bool) {
	return procfind.FindByListeningPort(p)
}
func (realFind) ListeningPortsOf(pid int32) []uint16 { return procfind.ListeningPortsOf(pid) }

type realTerm struct{}

func (realTerm) Terminate(pid int32, grace time.Duration) (terminator.Result, error) {
	return terminator.Terminate(pid, grace)
}

// Manager supervises one application kind. All operations on one Manager are
// serialized by its mutex; two Managers never block each other.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	find  Finder
	term  Terminator
	spawn Spawner
	reg   Registrar
	grace time.Duration
	log   *slog.Logger

	// discovery cache: nil means not probed yet, empty string means probed
	// and absent.
	install *Installation
	probed  bool
}

// Option adjusts a Manager during construction.
type Option func(*Manager)

// WithFinder overrides process lookup.
func WithFinder(f Finder) Option { return func(m *Manager) { m.find = f } }

// WithTerminator overrides process termination.
func WithTerminator(t Terminator) Option { return func(m *Manager) { m.term = t } }

// WithSpawner overrides process creation.
func WithSpawner(s Spawner) Option { return func(m *Manager) { m.spawn = s } }

// WithStopGrace sets the grace period used by Stop.
func WithStopGrace(d time.Duration) Option { return func(m *Manager) { m.grace = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New builds a Manager for cfg, registering spawned processes with reg.
func New(cfg Config, reg Registrar, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		find:  realFind{},
		term:  realTerm{},
		spawn: execSpawner{},
		reg:   reg,
		grace: 3 * time.Second,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Kind returns the managed application kind.
func (m *Manager) Kind() Kind { return m.cfg.Kind }

// DiscoverInstallation locates the application on this host. The result is
// cached for the life of the process; absence is a valid cached result, not
// an error. InvalidateDiscovery forces a re-probe.
func (m *Manager) DiscoverInstallation() (*Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoverLocked()
}

func (m *Manager) discoverLocked() (*Installation, error) {
	if m.probed {
		return m.install, nil
	}
	inst := discover(m.cfg)
	m.install = inst
	m.probed = true
	if inst != nil {
		m.log.Info("application installation found", "kind", m.cfg.Kind, "path", inst.Path)
	} else {
		m.log.Info("application not installed", "kind", m.cfg.Kind)
	}
	return inst, nil
}

// InvalidateDiscovery drops the cached discovery result.
func (m *Manager) InvalidateDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probed = false
	m.install = nil
}

// Status reports installation and runtime state. A name-heuristic match wins
// over a port match when the two disagree; the reported port is the actual
// listening port of the matched process when one is discoverable, falling
// back to the configured default.
func (m *Manager) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() (Status, error) {
	st := Status{Kind: m.cfg.Kind, Port: m.cfg.Port}
	if inst, _ := m.discoverLocked(); inst != nil {
		st.Installed = true
		st.InstallPath = inst.Path
	}

	if pids := m.find.FindByNameSubstring(m.cfg.NameHint); len(pids) > 0 {
		// First match wins; additional matches are helper processes of the
		// same application.
		st.Running = true
		st.PID = pids[0]
		if ports := m.find.ListeningPortsOf(st.PID); len(ports) > 0 {
			st.Listening = true
			st.Port = pickPort(ports, m.cfg.Port)
		}
	} else if pid, ok := m.find.FindByListeningPort(m.cfg.Port); ok {
		st.Running = true
		st.PID = pid
		st.Listening = true
	}

	if st.Running {
		for _, h := range m.reg.AllSpawned() {
			if h.PID == st.PID {
				st.Spawned = true
				break
			}
		}
	}
	return st, nil
}

// pickPort prefers the conventional port when the process listens on it.
func pickPort(ports []uint16, preferred uint16) uint16 {
	for _, p := range ports {
		if p == preferred {
			return p
		}
	}
	return ports[0]
}

// Start launches the application detached if it is not already running.
// Running is the same signal Status reports, a name match or a listener on
// the known port, so Start never double-spawns an application Status already
// sees. Starting a running application is a successful no-op with
// AlreadyRunning set. The spawned handle is registered so daemon shutdown
// takes it down.
func (m *Manager) Start() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, _ := m.statusLocked(); st.Running {
		st.AlreadyRunning = true
		m.log.Info("application already running", "kind", m.cfg.Kind, "pid", st.PID)
		return st, nil
	}

	inst, _ := m.discoverLocked()
	if inst == nil {
		return Status{Kind: m.cfg.Kind, Port: m.cfg.Port}, fmt.Errorf("start %s: %w", m.cfg.Kind, ErrExecutableNotFound)
	}

	pid, err := m.spawn.Spawn(m.cfg, *inst, m.onExit)
	if err != nil {
		return Status{Kind: m.cfg.Kind, Port: m.cfg.Port}, fmt.Errorf("start %s: %w", m.cfg.Kind, err)
	}
	m.reg.RegisterSpawned(registry.Handle{
		PID:  pid,
		Name: m.cfg.NameHint,
		Kind: string(m.cfg.Kind),
		Port: m.cfg.Port,
	})
	m.log.Info("application started", "kind", m.cfg.Kind, "pid", pid)
	return Status{
		Kind:        m.cfg.Kind,
		Installed:   true,
		InstallPath: inst.Path,
		Running:     true,
		PID:         pid,
		Port:        m.cfg.Port,
		Spawned:     true,
	}, nil
}

// onExit is invoked by the spawner when a spawned process exits on its own.
func (m *Manager) onExit(pid int32) {
	m.reg.Unregister(pid)
	m.log.Info("spawned application exited", "kind", m.cfg.Kind, "pid", pid)
}

// Stop terminates every process matching the name heuristic. Failures on
// individual PIDs (typically permission denied on processes owned by another
// user) are collected and reported; the batch never aborts early. Stopping
// when nothing matches is a successful no-op.
func (m *Manager) Stop() (StopReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := StopReport{Stopped: []int32{}}
	for _, pid := range m.find.FindByNameSubstring(m.cfg.NameHint) {
		res, err := m.term.Terminate(pid, m.grace)
		if err != nil {
			rep.Failed = append(rep.Failed, pid)
			rep.Errors = append(rep.Errors, err.Error())
			m.log.Warn("stop failed for process", "kind", m.cfg.Kind, "pid", pid, "error", err)
			continue
		}
		m.reg.Unregister(pid)
		if res.Method != terminator.AlreadyGone {
			rep.Stopped = append(rep.Stopped, pid)
		}
		m.log.Info("application process stopped", "kind", m.cfg.Kind, "pid", pid, "method", res.Method)
	}
	return rep, nil
}
