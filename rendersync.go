// Package rendersync composes the control-plane daemon: port arbitration for
// the daemon's own HTTP endpoint, supervision of the co-located LLM runtime
// and render engine, and the inspection API.
package rendersync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendersync/rendersyncd/internal/appmgr"
	"github.com/rendersync/rendersyncd/internal/arbiter"
	"github.com/rendersync/rendersyncd/internal/config"
	"github.com/rendersync/rendersyncd/internal/history"
	"github.com/rendersync/rendersyncd/internal/history/factory"
	"github.com/rendersync/rendersyncd/internal/logger"
	"github.com/rendersync/rendersyncd/internal/metrics"
	"github.com/rendersync/rendersyncd/internal/registry"
	"github.com/rendersync/rendersyncd/internal/server"
)

// Re-export the types embedders need.

type Config = config.Config

type AppKind = appmgr.Kind

type AppStatus = appmgr.Status

// Daemon ties together the registry, the arbiter, the per-kind application
// managers, and the HTTP API. Construct with New, then Start; Shutdown stops
// every spawned worker before the HTTP server goes away.
type Daemon struct {
	cfg  *config.Config
	log  *slog.Logger
	reg  *registry.Registry
	arb  *arbiter.Arbiter
	apps map[appmgr.Kind]*appmgr.Manager

	router  *server.Router
	srv     *http.Server
	sink    history.Sink
	sampler *metrics.WorkerSampler

	port     uint16
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a Daemon from cfg. The registry clock starts here, so construct
// the Daemon first thing in main.
func New(cfg *config.Config) (*Daemon, error) {
	log := logger.NewDaemonLogger(logger.ParseLevel(cfg.LogLevel))
	reg := registry.New(
		registry.WithShutdownGrace(cfg.Grace()),
		registry.WithLogger(log),
	)
	arb := arbiter.New(cfg.PreferredPorts, cfg.FallbackStart, cfg.FallbackEnd,
		arbiter.WithEvictionGrace(cfg.Grace()),
		arbiter.WithLogger(log),
	)

	apps := make(map[appmgr.Kind]*appmgr.Manager)
	for kind, ac := range cfg.AppConfigs() {
		apps[kind] = appmgr.New(ac, reg,
			appmgr.WithStopGrace(cfg.Grace()),
			appmgr.WithLogger(log.With("app", string(kind))),
		)
	}

	d := &Daemon{
		cfg:  cfg,
		log:  log,
		reg:  reg,
		arb:  arb,
		apps: apps,
		done: make(chan struct{}),
	}
	if cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		d.sink = sink
	}
	return d, nil
}

// Logger returns the daemon's logger.
func (d *Daemon) Logger() *slog.Logger { return d.log }

// Port returns the secured HTTP port. Valid after Start.
func (d *Daemon) Port() uint16 { return d.port }

// Done is closed when a shutdown has been requested over the API.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Handler returns the daemon's HTTP handler. Valid after Start.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Start arbitrates the daemon port (evicting occupants of the preferred port
// when configured), then binds the HTTP API and begins sampling worker
// metrics.
func (d *Daemon) Start() error {
	var (
		res arbiter.Result
		err error
	)
	if d.cfg.EvictOnPreferred {
		res, err = d.arb.SecurePreferredWithEviction(d.cfg.Port)
	} else {
		res, err = d.arb.Secure(d.cfg.Port)
	}
	if err != nil {
		return fmt.Errorf("secure daemon port: %w", err)
	}
	d.port = res.SecuredPort
	for _, pid := range res.KilledPIDs {
		d.record(history.Event{Type: history.EventEviction, Kind: "daemon", PID: pid, Port: d.cfg.Port})
	}

	appIfaces := make(map[appmgr.Kind]server.AppManager, len(d.apps))
	for kind, m := range d.apps {
		appIfaces[kind] = &recordingApp{inner: m, kind: kind, d: d}
	}
	d.router = server.NewRouter(d.reg, appIfaces, server.Options{
		DaemonPort:     d.port,
		PreferredPorts: d.cfg.PreferredPorts,
		FallbackStart:  d.cfg.FallbackStart,
		FallbackEnd:    d.cfg.FallbackEnd,
		LoadTimeout:    d.cfg.LoadTimeout(),
		ExternalAccess: d.cfg.ExternalAccess,
		Logger:         d.log,
		OnShutdown:     d.requestShutdown,
	})
	d.srv = server.NewServer(":"+strconv.Itoa(int(d.port)), d.router.Handler())

	d.sampler = metrics.NewWorkerSampler(d.workers, 5*time.Second)
	d.sampler.Start()

	d.record(history.Event{Type: history.EventDaemonStart, Kind: "daemon", Port: d.port})
	d.log.Info("daemon started", "port", d.port, "evicted", len(res.KilledPIDs))
	return nil
}

// CheckLoadTimeout reports (and records) whether startup exceeded the
// configured load timeout. Report-only.
func (d *Daemon) CheckLoadTimeout() bool {
	exceeded := d.reg.CheckLoadTimeout(d.cfg.LoadTimeout())
	if exceeded {
		d.record(history.Event{Type: history.EventLoadTimeout, Kind: "daemon", Port: d.port})
	}
	return exceeded
}

// App returns the manager for a kind, or nil.
func (d *Daemon) App(kind appmgr.Kind) *appmgr.Manager { return d.apps[kind] }

// Shutdown terminates every spawned worker, stops the HTTP server, and
// closes the history sink. Safe to call after a Done signal or directly.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.requestShutdown()
	if d.sampler != nil {
		d.sampler.Stop()
	}

	n, err := d.reg.ShutdownAll()
	if err != nil {
		d.log.Error("shutdown of spawned workers incomplete", "stopped", n, "error", err)
	} else {
		d.log.Info("spawned workers stopped", "stopped", n)
	}
	d.record(history.Event{Type: history.EventDaemonShutdown, Kind: "daemon", Port: d.port})

	if d.srv != nil {
		if serr := d.srv.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	if d.sink != nil {
		if cerr := d.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (d *Daemon) requestShutdown() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *Daemon) workers() []metrics.Worker {
	handles := d.reg.AllSpawned()
	out := make([]metrics.Worker, 0, len(handles))
	for _, h := range handles {
		out = append(out, metrics.Worker{PID: h.PID, Kind: h.Kind, Name: h.Name, StartedAt: h.StartedAt})
	}
	return out
}

// record sends an event to the history sink, best-effort.
func (d *Daemon) record(e history.Event) {
	if d.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.sink.Send(ctx, e); err != nil {
		d.log.Warn("history sink send failed", "type", e.Type, "error", err)
	}
}

// recordingApp wraps a Manager so API-driven start/stop operations land in
// the history sink.
type recordingApp struct {
	inner *appmgr.Manager
	kind  appmgr.Kind
	d     *Daemon
}

func (a *recordingApp) Status() (appmgr.Status, error) { return a.inner.Status() }

func (a *recordingApp) Start() (appmgr.Status, error) {
	st, err := a.inner.Start()
	if err == nil && st.Spawned && !st.AlreadyRunning {
		a.d.record(history.Event{Type: history.EventAppStart, Kind: string(a.kind), PID: st.PID, Port: st.Port})
	}
	return st, err
}

func (a *recordingApp) Stop() (appmgr.StopReport, error) {
	rep, err := a.inner.Stop()
	if err == nil {
		for _, pid := range rep.Stopped {
			a.d.record(history.Event{Type: history.EventAppStop, Kind: string(a.kind), PID: pid})
		}
	}
	return rep, err
}

// EchoMount mounts the daemon API into an existing echo application under
// base.
func EchoMount(e *echo.Echo, base string, h http.Handler) {
	e.Any(base, echo.WrapHandler(h))
	e.Any(base+"/*", echo.WrapHandler(h))
}

// LoadConfig reads the TOML config at path (empty path loads defaults plus
// environment overrides).
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
