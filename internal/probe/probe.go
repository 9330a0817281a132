package probe

import (
	"net"
	"strconv"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// IsAvailable reports whether a TCP port can be bound exclusively on the
// wildcard address. The probe socket is released immediately; the caller must
// not assume the port stays free afterwards. Any OS-level error is treated as
// "unavailable" (fail-closed).
func IsAvailable(port uint16) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// IsListening reports whether any TCP socket on the host is in LISTEN state
// for the given local port, determined from the system socket table rather
// than by connecting. Enumeration failure is reported as "not listening".
//
// IsAvailable and IsListening may disagree when a port is reserved but has no
// listener (e.g. a socket lingering in TIME_WAIT): IsAvailable sees the bind
// fail while IsListening sees no LISTEN entry. Callers that need "can I bind"
// must use IsAvailable; IsListening only answers "is something serving".
func IsListening(port uint16) bool {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return false
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) {
			return true
		}
	}
	return false
}
