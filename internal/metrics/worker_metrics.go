package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// Per-worker resource gauges, sampled by the WorkerSampler.
var (
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rendersync",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of spawned worker processes.",
		}, []string{"kind", "name"},
	)
	workerMemoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rendersync",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of spawned worker processes.",
		}, []string{"kind", "name"},
	)
	workerUptime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rendersync",
			Subsystem: "worker",
			Name:      "uptime_seconds",
			Help:      "Time since the daemon spawned the worker.",
		}, []string{"kind", "name"},
	)
)

// Worker identifies one spawned process to sample.
type Worker struct {
	PID       int32
	Kind      string
	Name      string
	StartedAt time.Time
}

// WorkerSampler periodically samples CPU and memory of every spawned worker
// and exports them as gauges. Vanished processes have their series removed on
// the next tick.
type WorkerSampler struct {
	list     func() []Worker
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// lastSeen tracks kind/name pairs from the previous sample so series of
	// exited workers can be deleted. Only the sampling goroutine touches it.
	lastSeen map[string]bool
}

// NewWorkerSampler builds a sampler over the given snapshot function.
// Interval defaults to 5s.
func NewWorkerSampler(list func() []Worker, interval time.Duration) *WorkerSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &WorkerSampler{list: list, interval: interval, stopCh: make(chan struct{})}
}

// Start launches the sampling loop.
func (s *WorkerSampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.SampleOnce()
			}
		}
	}()
}

// Stop halts the loop and waits for it to finish. Safe to call twice.
func (s *WorkerSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes one sample of every spawned worker.
func (s *WorkerSampler) SampleOnce() {
	handles := s.list()
	SetSpawnedProcesses(len(handles))

	live := make(map[string]bool, len(handles))
	for _, h := range handles {
		live[h.Kind+"/"+h.Name] = true
		p, err := gproc.NewProcess(h.PID)
		if err != nil {
			continue
		}
		if cpu, err := p.CPUPercent(); err == nil {
			workerCPU.WithLabelValues(h.Kind, h.Name).Set(cpu)
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			workerMemoryRSS.WithLabelValues(h.Kind, h.Name).Set(float64(mem.RSS))
		}
		workerUptime.WithLabelValues(h.Kind, h.Name).Set(time.Since(h.StartedAt).Seconds())
	}
	s.prune(live)
}

// prune drops series for workers no longer in the registry.
func (s *WorkerSampler) prune(live map[string]bool) {
	for key := range s.lastSeen {
		if !live[key] {
			kind, name := splitKey(key)
			workerCPU.DeleteLabelValues(kind, name)
			workerMemoryRSS.DeleteLabelValues(kind, name)
			workerUptime.DeleteLabelValues(kind, name)
		}
	}
	s.lastSeen = live
}

func splitKey(key string) (kind, name string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
