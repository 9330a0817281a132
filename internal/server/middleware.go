package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// originGate rejects non-loopback clients while external access is disabled.
// Loopback is always allowed, as is the health endpoint so probes keep
// working regardless of the gate.
func (r *Router) originGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasSuffix(c.Request.URL.Path, "/healthz") {
			c.Next()
			return
		}
		if r.external.Load() || isLoopbackAddr(c.Request.RemoteAddr) {
			c.Next()
			return
		}
		writeJSON(c, http.StatusForbidden, errorResp{Error: "external access disabled"})
		c.Abort()
	}
}

func isLoopbackAddr(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
