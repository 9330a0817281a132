package rendersync

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rendersync/rendersyncd/internal/appmgr"
)

func testConfig() *Config {
	return &Config{
		Port:            38473,
		PreferredPorts:  []uint16{38473},
		FallbackStart:   38480,
		FallbackEnd:     38499,
		GraceSeconds:    1,
		LoadTimeoutSecs: 5,
		LogLevel:        "error",
		// Plain search only: the test must never evict a real process.
		EvictOnPreferred: false,
	}
}

func TestNewBuildsManagersPerKind(t *testing.T) {
	d, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d.App(appmgr.LLMRuntime) == nil || d.App(appmgr.RenderEngine) == nil {
		t.Fatal("expected a manager per kind")
	}
	if d.App(appmgr.Kind("gpu")) != nil {
		t.Fatal("unknown kind should have no manager")
	}
	select {
	case <-d.Done():
		t.Fatal("done closed before any shutdown request")
	default:
	}
}

func TestNewRejectsBadHistoryDSN(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryDSN = "ftp://nope"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unsupported history DSN")
	}
}

func TestDaemonStartServeShutdown(t *testing.T) {
	d, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if d.Port() == 0 {
		t.Fatal("no port secured")
	}
	if d.CheckLoadTimeout() {
		t.Fatal("load timeout reported immediately after start")
	}

	// The listener comes up asynchronously.
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", d.Port())
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("healthz never came up: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-d.Done():
	default:
		t.Fatal("done not closed after shutdown")
	}
}
