// Package procfind locates host processes by listening port or by name
// heuristic. All lookups are best-effort snapshots: the process table is racy
// across enumeration, so entries that vanish or deny access mid-scan are
// silently skipped.
package procfind

import (
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// Info identifies one process for diagnostic reporting.
type Info struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

// FindByListeningPort returns the PID owning the LISTEN socket on the given
// local TCP port. ok is false when no listener exists or the owning PID is
// not resolvable (e.g. insufficient privilege); that is never an error.
func FindByListeningPort(port uint16) (int32, bool) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return 0, false
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			return c.Pid, true
		}
	}
	return 0, false
}

// FindByNameSubstring returns the PIDs of all processes whose name or full
// command line contains substr, case-insensitively. The order is the OS
// enumeration order; callers relying on a single result document
// first-match-wins at the call site.
func FindByNameSubstring(substr string) []int32 {
	needle := strings.ToLower(substr)
	procs, err := gproc.Processes()
	if err != nil {
		return nil
	}
	var pids []int32
	for _, p := range procs {
		name, err := p.Name()
		if err == nil && strings.Contains(strings.ToLower(name), needle) {
			pids = append(pids, p.Pid)
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(cmdline), needle) {
			pids = append(pids, p.Pid)
		}
	}
	return pids
}

// ListListeners reports, for every queried port, the processes listening on
// it. Ports with no listener map to an empty slice, never a missing key.
func ListListeners(ports []uint16) map[uint16][]Info {
	out := make(map[uint16][]Info, len(ports))
	for _, p := range ports {
		out[p] = []Info{}
	}
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return out
	}
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := uint16(c.Laddr.Port)
		infos, wanted := out[port]
		if !wanted {
			continue
		}
		name := ""
		if c.Pid > 0 {
			if p, err := gproc.NewProcess(c.Pid); err == nil {
				name, _ = p.Name()
			}
		}
		out[port] = append(infos, Info{PID: c.Pid, Name: name})
	}
	return out
}

// ListeningPortsOf returns the local TCP ports pid is listening on. Used to
// report the actual port of an application discovered by name when it differs
// from the configured default.
func ListeningPortsOf(pid int32) []uint16 {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return nil
	}
	var ports []uint16
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Pid == pid {
			ports = append(ports, uint16(c.Laddr.Port))
		}
	}
	return ports
}

// Describe returns name and command line for a PID, best-effort.
func Describe(pid int32) (name, cmdline string) {
	p, err := gproc.NewProcess(pid)
	if err != nil {
		return "", ""
	}
	name, _ = p.Name()
	cmdline, _ = p.Cmdline()
	return name, cmdline
}

// Detail is a point-in-time inspection of one process.
type Detail struct {
	PID        int32    `json:"pid"`
	Name       string   `json:"name"`
	Cmdline    string   `json:"cmdline"`
	Status     []string `json:"status"`
	CPUPercent float64  `json:"cpu_percent"`
	MemoryRSS  uint64   `json:"memory_rss"`
	Listening  []uint16 `json:"listening_ports"`
}

// Inspect gathers Detail for a PID. ok is false when the process does not
// exist; individual fields that cannot be read stay zero.
func Inspect(pid int32) (Detail, bool) {
	p, err := gproc.NewProcess(pid)
	if err != nil {
		return Detail{}, false
	}
	d := Detail{PID: pid}
	d.Name, _ = p.Name()
	d.Cmdline, _ = p.Cmdline()
	d.Status, _ = p.Status()
	d.CPUPercent, _ = p.CPUPercent()
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		d.MemoryRSS = mem.RSS
	}
	d.Listening = ListeningPortsOf(pid)
	return d, true
}
