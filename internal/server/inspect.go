package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendersync/rendersyncd/internal/probe"
	"github.com/rendersync/rendersyncd/internal/procfind"
)

type portReport struct {
	Port      uint16          `json:"port"`
	Available bool            `json:"available"`
	Listeners []procfind.Info `json:"listeners"`
}

// portReports builds the availability/listener view over the daemon's port
// preference list.
func (r *Router) portReports() []portReport {
	listeners := procfind.ListListeners(r.opts.PreferredPorts)
	out := make([]portReport, 0, len(r.opts.PreferredPorts))
	for _, p := range r.opts.PreferredPorts {
		out = append(out, portReport{
			Port:      p,
			Available: probe.IsAvailable(p),
			Listeners: listeners[p],
		})
	}
	return out
}

func (r *Router) handlePortInfo(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"daemon_port":     r.opts.DaemonPort,
		"preferred_ports": r.opts.PreferredPorts,
		"fallback_start":  r.opts.FallbackStart,
		"fallback_end":    r.opts.FallbackEnd,
		"ports":           r.portReports(),
	})
}

func (r *Router) handleInspectPort(c *gin.Context) {
	var req struct {
		Port uint16 `json:"port"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Port == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must carry a non-zero port"})
		return
	}
	resp := gin.H{
		"port":      req.Port,
		"available": probe.IsAvailable(req.Port),
		"listening": probe.IsListening(req.Port),
	}
	if pid, ok := procfind.FindByListeningPort(req.Port); ok {
		name, cmdline := procfind.Describe(pid)
		resp["process"] = gin.H{"pid": pid, "name": name, "cmdline": cmdline}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleInspectPID(c *gin.Context) {
	var req struct {
		PID int32 `json:"pid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PID <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must carry a positive pid"})
		return
	}
	detail, ok := procfind.Inspect(req.PID)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no such process"})
		return
	}
	writeJSON(c, http.StatusOK, detail)
}
