package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rendersync/rendersyncd/internal/appmgr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rendersyncd.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 8080 || c.FallbackStart != 8000 || c.FallbackEnd != 8999 {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if len(c.PreferredPorts) == 0 || c.PreferredPorts[0] != 8080 {
		t.Fatalf("unexpected preference list %v", c.PreferredPorts)
	}
	if c.Grace() != 3*time.Second || c.LoadTimeout() != 20*time.Second {
		t.Fatalf("unexpected durations grace=%v load=%v", c.Grace(), c.LoadTimeout())
	}
	if !c.EvictOnPreferred || c.ExternalAccess {
		t.Fatalf("unexpected flags %+v", c)
	}
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
port = 9090
preferred_ports = [9090, 9091]
fallback_start = 9000
fallback_end = 9100
grace_seconds = 5
load_timeout_seconds = 30
external_access = true
history_dsn = "sqlite://:memory:"
log_level = "debug"

[log]
dir = "/tmp/rendersync-logs"
max_size_mb = 25
max_backups = 5
max_age_days = 14
compress = true

[apps.llm]
port = 11500
extra_env = ["OLLAMA_NUM_PARALLEL=2"]

[apps.render]
extra_paths = ["/opt/comfyui"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 9090 || c.GraceSeconds != 5 || !c.ExternalAccess {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.HistoryDSN != "sqlite://:memory:" || c.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", c)
	}

	apps := c.AppConfigs()
	llm := apps[appmgr.LLMRuntime]
	if llm.Port != 11500 {
		t.Fatalf("llm port override lost: %+v", llm)
	}
	if llm.NameHint != "ollama" || len(llm.Args) != 1 || llm.Args[0] != "serve" {
		t.Fatalf("llm defaults lost: %+v", llm)
	}
	if len(llm.ExtraEnv) != 1 || llm.ExtraEnv[0] != "OLLAMA_NUM_PARALLEL=2" {
		t.Fatalf("llm extra env lost: %+v", llm)
	}
	render := apps[appmgr.RenderEngine]
	if render.Port != 8188 || len(render.ExtraPaths) != 1 || render.ExtraPaths[0] != "/opt/comfyui" {
		t.Fatalf("render config wrong: %+v", render)
	}
	if llm.Log.Dir != "/tmp/rendersync-logs" || render.Log.Dir != "/tmp/rendersync-logs" {
		t.Fatalf("log dir not propagated: %q %q", llm.Log.Dir, render.Log.Dir)
	}
	// Rotation knobs reach the spawner's writer config, not just the dir.
	if llm.Log.MaxSizeMB != 25 || llm.Log.MaxBackups != 5 || llm.Log.MaxAgeDays != 14 || !llm.Log.Compress {
		t.Fatalf("rotation settings not propagated: %+v", llm.Log)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RENDERSYNC_PORT", "7070")
	t.Setenv("RENDERSYNC_EXTERNAL_ACCESS", "true")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 7070 || !c.ExternalAccess {
		t.Fatalf("env overrides not applied: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	cases := []string{
		"port = 0\n",
		"fallback_start = 9000\nfallback_end = 8000\n",
		"load_timeout_seconds = 0\n",
		"[apps.gpu]\nport = 1\n",
	}
	for _, body := range cases {
		p := writeConfig(t, body)
		if _, err := Load(p); err == nil {
			t.Fatalf("config %q accepted", body)
		}
	}
}
