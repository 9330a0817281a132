// Package server exposes the daemon's HTTP API: port and process inspection,
// application control, registry status, and the runtime connection gate.
package server

import (
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rendersync/rendersyncd/internal/appmgr"
	"github.com/rendersync/rendersyncd/internal/metrics"
	"github.com/rendersync/rendersyncd/internal/registry"
)

// AppManager is the per-kind control surface the API exposes.
type AppManager interface {
	Status() (appmgr.Status, error)
	Start() (appmgr.Status, error)
	Stop() (appmgr.StopReport, error)
}

// RegistryView is the read surface of the supervision registry.
type RegistryView interface {
	AllSpawned() []registry.Handle
	ElapsedSinceStart() time.Duration
	CheckLoadTimeout(max time.Duration) bool
}

// Options configures the Router.
type Options struct {
	DaemonPort     uint16
	PreferredPorts []uint16
	FallbackStart  uint16
	FallbackEnd    uint16
	LoadTimeout    time.Duration
	// ExternalAccess is the initial state of the non-loopback gate.
	ExternalAccess bool
	BasePath       string
	Logger         *slog.Logger
	// OnShutdown is invoked (once, from a goroutine) after a shutdown request
	// has been answered.
	OnShutdown func()
}

// Router provides the embeddable HTTP handler for the daemon API.
type Router struct {
	opts     Options
	reg      RegistryView
	apps     map[appmgr.Kind]AppManager
	external atomic.Bool
	shutOnce atomic.Bool
	log      *slog.Logger
}

// NewRouter constructs a Router over the registry and per-kind managers.
func NewRouter(reg RegistryView, apps map[appmgr.Kind]AppManager, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Router{opts: opts, reg: reg, apps: apps, log: log}
	r.external.Store(opts.ExternalAccess)
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.originGate())
	group := g.Group(r.opts.BasePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := group.Group("/api")
	api.GET("/server-info", r.handleServerInfo)
	api.GET("/port-info", r.handlePortInfo)
	api.POST("/inspect-port", r.handleInspectPort)
	api.POST("/inspect-pid", r.handleInspectPID)
	api.GET("/apps/:kind/status", r.handleAppStatus)
	api.POST("/apps/:kind/start", r.handleAppStart)
	api.POST("/apps/:kind/stop", r.handleAppStop)
	api.GET("/process-status", r.handleProcessStatus)
	api.POST("/connection-control", r.handleConnectionControl)
	api.GET("/connection-status", r.handleConnectionStatus)
	api.POST("/shutdown", r.handleShutdown)
	return g
}

// ExternalAccessEnabled reports the current state of the non-loopback gate.
func (r *Router) ExternalAccessEnabled() bool { return r.external.Load() }

// NewServer starts a standalone HTTP server on addr using handler h.
func NewServer(addr string, h http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- basic handlers ---

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

type serverInfo struct {
	Port           uint16       `json:"port"`
	Hostname       string       `json:"hostname"`
	UptimeSeconds  float64      `json:"uptime_seconds"`
	ExternalAccess bool         `json:"external_access"`
	Ports          []portReport `json:"ports"`
}

func (r *Router) handleServerInfo(c *gin.Context) {
	host, _ := os.Hostname()
	writeJSON(c, http.StatusOK, serverInfo{
		Port:           r.opts.DaemonPort,
		Hostname:       host,
		UptimeSeconds:  r.reg.ElapsedSinceStart().Seconds(),
		ExternalAccess: r.external.Load(),
		Ports:          r.portReports(),
	})
}

func (r *Router) handleProcessStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"uptime_seconds":        r.reg.ElapsedSinceStart().Seconds(),
		"spawned":               r.reg.AllSpawned(),
		"load_timeout_exceeded": r.reg.CheckLoadTimeout(r.opts.LoadTimeout),
	})
}

func (r *Router) handleConnectionControl(c *gin.Context) {
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	switch req.Action {
	case "enable":
		r.external.Store(true)
	case "disable":
		r.external.Store(false)
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "action must be enable or disable"})
		return
	}
	r.log.Info("connection access changed", "external_access", r.external.Load())
	writeJSON(c, http.StatusOK, gin.H{"external_access": r.external.Load()})
}

func (r *Router) handleConnectionStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"external_access": r.external.Load()})
}

func (r *Router) handleShutdown(c *gin.Context) {
	if !r.shutOnce.CompareAndSwap(false, true) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "shutdown already in progress"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
	// Answer first, stop after.
	go func() {
		time.Sleep(100 * time.Millisecond)
		if r.opts.OnShutdown != nil {
			r.opts.OnShutdown()
		}
	}()
}
