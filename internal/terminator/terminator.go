// Package terminator implements two-phase process termination: a graceful
// signal, a bounded wait, then a forced kill. Every shutdown path in the
// daemon (registry shutdown, application stop, port eviction) goes through
// Terminate so there is exactly one timeout policy.
package terminator

import (
	"fmt"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"

	"github.com/rendersync/rendersyncd/internal/metrics"
)

// Method records how a process ended.
type Method string

const (
	// Graceful means the process exited within the grace period after the
	// polite signal.
	Graceful Method = "graceful"
	// Forced means the process ignored the polite signal and was killed.
	Forced Method = "forced"
	// AlreadyGone means the PID no longer existed when termination began.
	AlreadyGone Method = "already_gone"
)

// Result describes the outcome of one Terminate call.
type Result struct {
	Method    Method `json:"method"`
	Succeeded bool   `json:"succeeded"`
}

const (
	pollInterval = 100 * time.Millisecond
	reapWait     = 2 * time.Second
)

// Terminate stops pid in two phases: send the platform's graceful signal
// (SIGTERM on Unix), wait up to grace for the process to exit, then kill it
// and wait a short bounded reap period. It never escalates past the forced
// kill. A PID that vanished before signalling yields AlreadyGone with
// Succeeded=true and no error. Errors (typically permission denied) are
// returned alongside a Result with Succeeded=false so batch callers can
// collect them without aborting.
func Terminate(pid int32, grace time.Duration) (Result, error) {
	res, err := terminate(pid, grace)
	if err == nil && res.Succeeded {
		metrics.IncTermination(string(res.Method))
	}
	return res, err
}

func terminate(pid int32, grace time.Duration) (Result, error) {
	p, err := gproc.NewProcess(pid)
	if err != nil {
		return Result{Method: AlreadyGone, Succeeded: true}, nil
	}
	if running, _ := p.IsRunning(); !running {
		return Result{Method: AlreadyGone, Succeeded: true}, nil
	}

	if err := p.Terminate(); err != nil {
		if running, _ := p.IsRunning(); !running {
			// Lost the race: it exited between the check and the signal.
			return Result{Method: AlreadyGone, Succeeded: true}, nil
		}
		return Result{Method: Graceful, Succeeded: false}, fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if waitGone(p, grace) {
		return Result{Method: Graceful, Succeeded: true}, nil
	}

	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return Result{Method: Graceful, Succeeded: true}, nil
		}
		return Result{Method: Forced, Succeeded: false}, fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if waitGone(p, reapWait) {
		return Result{Method: Forced, Succeeded: true}, nil
	}
	return Result{Method: Forced, Succeeded: false}, fmt.Errorf("pid %d still running after kill", pid)
}

// waitGone polls until the process is no longer running or d elapses.
func waitGone(p *gproc.Process, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if running, _ := p.IsRunning(); !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
