// Package arbiter secures a TCP port for the daemon. The plain search walks a
// preference order and a fallback range and never touches other processes;
// the eviction variant may terminate occupants of the single most-preferred
// port before falling back to the plain search.
package arbiter

import (
	"errors"
	"log/slog"
	"time"

	"github.com/rendersync/rendersyncd/internal/metrics"
	"github.com/rendersync/rendersyncd/internal/probe"
	"github.com/rendersync/rendersyncd/internal/procfind"
	"github.com/rendersync/rendersyncd/internal/terminator"
)

// ErrNoPortAvailable is returned when the preference list and the whole
// fallback range are exhausted.
var ErrNoPortAvailable = errors.New("no port available in preference list or fallback range")

// Prober answers whether a port can be bound.
type Prober interface {
	IsAvailable(port uint16) bool
}

// Finder resolves the process listening on a port.
type Finder interface {
	FindByListeningPort(port uint16) (int32, bool)
}

// Terminator stops a process with a bounded grace period.
type Terminator interface {
	Terminate(pid int32, grace time.Duration) (terminator.Result, error)
}

// Result is the outcome of a successful arbitration.
type Result struct {
	SecuredPort uint16  `json:"secured_port"`
	KilledPIDs  []int32 `json:"killed_pids"`
}

// Arbiter holds the search configuration and its collaborators. The zero
// value is not usable; construct with New.
type Arbiter struct {
	probe      Prober
	find       Finder
	term       Terminator
	preference []uint16
	fallbackLo uint16
	fallbackHi uint16
	grace      time.Duration
	log        *slog.Logger
}

// Option adjusts an Arbiter during construction.
type Option func(*Arbiter)

// WithProber overrides the port prober.
func WithProber(p Prober) Option { return func(a *Arbiter) { a.probe = p } }

// WithFinder overrides the listener lookup.
func WithFinder(f Finder) Option { return func(a *Arbiter) { a.find = f } }

// WithTerminator overrides the process terminator.
func WithTerminator(t Terminator) Option { return func(a *Arbiter) { a.term = t } }

// WithEvictionGrace sets the grace period granted to evicted occupants.
func WithEvictionGrace(d time.Duration) Option { return func(a *Arbiter) { a.grace = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Arbiter) { a.log = l } }

type realProbe struct{}

func (realProbe) IsAvailable(port uint16) bool { return probe.IsAvailable(port) }

type realFind struct{}

func (realFind) FindByListeningPort(port uint16) (int32, bool) {
	return procfind.FindByListeningPort(port)
}

type realTerm struct{}

func (realTerm) Terminate(pid int32, grace time.Duration) (terminator.Result, error) {
	return terminator.Terminate(pid, grace)
}

// New builds an Arbiter searching preference first, then fallbackLo..fallbackHi
// ascending.
func New(preference []uint16, fallbackLo, fallbackHi uint16, opts ...Option) *Arbiter {
	a := &Arbiter{
		probe:      realProbe{},
		find:       realFind{},
		term:       realTerm{},
		preference: append([]uint16(nil), preference...),
		fallbackLo: fallbackLo,
		fallbackHi: fallbackHi,
		grace:      3 * time.Second,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// candidates yields the deduplicated search order: preferred first (moved to
// the front if it also appears in the preference list), the remaining
// preference entries in order, then the fallback range ascending.
func (a *Arbiter) candidates(preferred uint16) []uint16 {
	seen := make(map[uint16]bool)
	out := make([]uint16, 0, len(a.preference)+int(a.fallbackHi-a.fallbackLo)+2)
	add := func(p uint16) {
		if p == 0 || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	add(preferred)
	for _, p := range a.preference {
		add(p)
	}
	for p := int(a.fallbackLo); p <= int(a.fallbackHi); p++ {
		add(uint16(p))
	}
	return out
}

// Secure finds the first bindable port in the search order. It never
// terminates another process. ErrNoPortAvailable is returned only after the
// entire search order has been probed.
func (a *Arbiter) Secure(preferred uint16) (Result, error) {
	for _, p := range a.candidates(preferred) {
		if a.probe.IsAvailable(p) {
			if p != preferred {
				a.log.Info("preferred port unavailable, secured alternative",
					"preferred", preferred, "secured", p)
				metrics.IncArbitration("secured_fallback")
			} else {
				metrics.IncArbitration("secured_preferred")
			}
			return Result{SecuredPort: p, KilledPIDs: []int32{}}, nil
		}
	}
	metrics.IncArbitration("exhausted")
	return Result{}, ErrNoPortAvailable
}

// maxEvictions bounds the occupants removed from one port; with SO_REUSEPORT
// several processes can hold the same listen port.
const maxEvictions = 8

// SecurePreferredWithEviction tries hard to obtain exactly preferred: if it is
// occupied, the occupants are terminated (graceful then forced) and the port
// is probed again. When eviction does not free the port, it falls back to the
// plain search, which never evicts. KilledPIDs reports every terminated
// occupant even when arbitration ends on a different port.
func (a *Arbiter) SecurePreferredWithEviction(preferred uint16) (Result, error) {
	if a.probe.IsAvailable(preferred) {
		metrics.IncArbitration("secured_preferred")
		return Result{SecuredPort: preferred, KilledPIDs: []int32{}}, nil
	}

	killed := []int32{}
	for i := 0; i < maxEvictions; i++ {
		pid, ok := a.find.FindByListeningPort(preferred)
		if !ok {
			break
		}
		res, err := a.term.Terminate(pid, a.grace)
		if err != nil {
			a.log.Warn("eviction failed", "port", preferred, "pid", pid, "error", err)
			break
		}
		a.log.Info("evicted port occupant", "port", preferred, "pid", pid, "method", res.Method)
		if res.Method != terminator.AlreadyGone {
			killed = append(killed, pid)
			metrics.IncEviction()
		}
		if a.probe.IsAvailable(preferred) {
			metrics.IncArbitration("secured_evicted")
			return Result{SecuredPort: preferred, KilledPIDs: killed}, nil
		}
	}

	if a.probe.IsAvailable(preferred) {
		metrics.IncArbitration("secured_evicted")
		return Result{SecuredPort: preferred, KilledPIDs: killed}, nil
	}
	res, err := a.Secure(preferred)
	if err != nil {
		return Result{KilledPIDs: killed}, err
	}
	res.KilledPIDs = killed
	return res, nil
}
