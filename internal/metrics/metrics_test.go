package metrics

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func mustRegister(t *testing.T) {
	t.Helper()
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegisterIdempotent(t *testing.T) {
	mustRegister(t)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("second register: %v", err)
	}
	// Registering with a fresh registry after success is still a no-op.
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register fresh: %v", err)
	}
}

func TestHelpersRecordAfterRegister(t *testing.T) {
	mustRegister(t)

	before := counterValue(t, terminations.WithLabelValues("graceful"))
	IncTermination("graceful")
	IncTermination("graceful")
	after := counterValue(t, terminations.WithLabelValues("graceful"))
	if after-before != 2 {
		t.Fatalf("terminations delta = %v, want 2", after-before)
	}

	beforeE := counterValue(t, evictions)
	IncEviction()
	if counterValue(t, evictions)-beforeE != 1 {
		t.Fatalf("evictions not incremented")
	}

	IncArbitration("secured_preferred")
	IncAppStart("llm")
	IncAppStop("render")
	SetSpawnedProcesses(2)
}

func TestWorkerSamplerSampleOnce(t *testing.T) {
	mustRegister(t)

	// Sample our own PID so CPU/memory lookups succeed.
	workers := []Worker{{
		PID:       int32(os.Getpid()),
		Name:      "ollama",
		Kind:      "llm",
		StartedAt: time.Now().Add(-time.Minute),
	}}
	s := NewWorkerSampler(func() []Worker { return workers }, time.Second)
	s.SampleOnce()

	var m dto.Metric
	if err := workerUptime.WithLabelValues("llm", "ollama").Write(&m); err != nil {
		t.Fatalf("read uptime gauge: %v", err)
	}
	if m.GetGauge().GetValue() < 59 {
		t.Fatalf("uptime gauge %v, want >= 59s", m.GetGauge().GetValue())
	}

	// Worker disappears: series pruned on the next sample.
	workers = nil
	s.SampleOnce()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "rendersync_worker_") && len(mf.GetMetric()) != 0 {
			t.Fatalf("series %s not pruned", mf.GetName())
		}
	}
}

func TestWorkerSamplerStartStop(t *testing.T) {
	s := NewWorkerSampler(func() []Worker { return nil }, 10*time.Millisecond)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent
}
