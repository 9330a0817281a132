package appmgr

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rendersync/rendersyncd/internal/registry"
	"github.com/rendersync/rendersyncd/internal/terminator"
)

type fakeFind struct {
	byName  []int32
	byPort  map[uint16]int32
	portsOf map[int32][]uint16
}

func (f *fakeFind) FindByNameSubstring(string) []int32 { return f.byName }
func (f *fakeFind) FindByListeningPort(p uint16) (int32, bool) {
	pid, ok := f.byPort[p]
	return pid, ok
}
func (f *fakeFind) ListeningPortsOf(pid int32) []uint16 { return f.portsOf[pid] }

type fakeTerm struct {
	killed  []int32
	failPID int32
}

func (f *fakeTerm) Terminate(pid int32, _ time.Duration) (terminator.Result, error) {
	if pid == f.failPID {
		return terminator.Result{}, errors.New("operation not permitted")
	}
	f.killed = append(f.killed, pid)
	return terminator.Result{Method: terminator.Graceful, Succeeded: true}, nil
}

type fakeSpawn struct {
	pid     int32
	inst    Installation
	started int
}

func (f *fakeSpawn) Spawn(_ Config, inst Installation, _ func(int32)) (int32, error) {
	f.started++
	f.inst = inst
	return f.pid, nil
}

func newTestRegistry() *registry.Registry {
	return registry.New(registry.WithTerminator(&fakeTerm{}))
}

// installDir lays out a fake install the discovery heuristics can find via
// ExtraPaths.
func installDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return dir
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"llm", "render"} {
		if _, err := ParseKind(s); err != nil {
			t.Fatalf("ParseKind(%q): %v", s, err)
		}
	}
	if _, err := ParseKind("gpu"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestStatusNameMatchWinsOverPortMatch(t *testing.T) {
	ff := &fakeFind{
		byName:  []int32{100},
		byPort:  map[uint16]int32{11434: 200}, // different process on the port
		portsOf: map[int32][]uint16{100: {12000}},
	}
	m := New(DefaultConfigs()[LLMRuntime], newTestRegistry(), WithFinder(ff), WithTerminator(&fakeTerm{}))

	st, err := m.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PID != 100 {
		t.Fatalf("name match must win, got pid %d", st.PID)
	}
	if st.Port != 12000 || !st.Listening {
		t.Fatalf("expected actual port 12000, got %+v", st)
	}
}

func TestStatusPortMatchAdopted(t *testing.T) {
	ff := &fakeFind{byPort: map[uint16]int32{11434: 200}}
	m := New(DefaultConfigs()[LLMRuntime], newTestRegistry(), WithFinder(ff), WithTerminator(&fakeTerm{}))

	st, err := m.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running || st.PID != 200 || !st.Listening || st.Port != 11434 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Spawned {
		t.Fatalf("adopted process must not report spawned")
	}
}

func TestStatusPrefersConventionalPort(t *testing.T) {
	ff := &fakeFind{
		byName:  []int32{100},
		portsOf: map[int32][]uint16{100: {9999, 11434}},
	}
	m := New(DefaultConfigs()[LLMRuntime], newTestRegistry(), WithFinder(ff), WithTerminator(&fakeTerm{}))

	st, _ := m.Status()
	if st.Port != 11434 {
		t.Fatalf("conventional port preferred when listed, got %d", st.Port)
	}
}

func TestStartSpawnsAndRegisters(t *testing.T) {
	dir := installDir(t, "myapp")
	cfg := Config{Kind: LLMRuntime, NameHint: "myapp", Executable: "myapp", Port: 11434,
		ExtraPaths: []string{dir}}

	reg := newTestRegistry()
	sp := &fakeSpawn{pid: 4242}
	m := New(cfg, reg, WithFinder(&fakeFind{}), WithTerminator(&fakeTerm{}), WithSpawner(sp))

	st, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !st.Running || st.PID != 4242 || !st.Spawned || st.AlreadyRunning {
		t.Fatalf("unexpected status %+v", st)
	}
	if sp.started != 1 {
		t.Fatalf("spawn count %d", sp.started)
	}
	handles := reg.AllSpawned()
	if len(handles) != 1 || handles[0].PID != 4242 || handles[0].Kind != "llm" {
		t.Fatalf("handle not registered: %+v", handles)
	}
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	ff := &fakeFind{byName: []int32{100}}
	sp := &fakeSpawn{pid: 4242}
	m := New(DefaultConfigs()[LLMRuntime], newTestRegistry(), WithFinder(ff), WithTerminator(&fakeTerm{}), WithSpawner(sp))

	st, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sp.started != 0 {
		t.Fatalf("running application must not be spawned again")
	}
	if !st.Running || !st.AlreadyRunning || st.PID != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStartSkipsSpawnOnPortMatch(t *testing.T) {
	dir := installDir(t, "myapp")
	cfg := Config{Kind: LLMRuntime, NameHint: "myapp", Executable: "myapp", Port: 11434,
		ExtraPaths: []string{dir}}
	// A listener on the known port under a non-matching name: Status reports
	// running, so Start must not spawn a second instance.
	ff := &fakeFind{byPort: map[uint16]int32{11434: 200}}
	sp := &fakeSpawn{pid: 4242}
	m := New(cfg, newTestRegistry(), WithFinder(ff), WithTerminator(&fakeTerm{}), WithSpawner(sp))

	st, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sp.started != 0 {
		t.Fatalf("spawned despite a listener on the known port")
	}
	if !st.Running || !st.AlreadyRunning || st.PID != 200 {
		t.Fatalf("unexpected status %+v", st)
	}
}

// linkedSpawn makes the finder see the spawned pid, like a real process that
// shows up in the process table right after launch.
type linkedSpawn struct {
	fakeSpawn
	find *fakeFind
}

func (s *linkedSpawn) Spawn(cfg Config, inst Installation, onExit func(int32)) (int32, error) {
	pid, err := s.fakeSpawn.Spawn(cfg, inst, onExit)
	s.find.byName = []int32{pid}
	return pid, err
}

func TestStartConcurrentSingleSpawn(t *testing.T) {
	dir := installDir(t, "myapp")
	cfg := Config{Kind: LLMRuntime, NameHint: "myapp", Executable: "myapp", Port: 11434,
		ExtraPaths: []string{dir}}

	ff := &fakeFind{}
	sp := &linkedSpawn{fakeSpawn: fakeSpawn{pid: 4242}, find: ff}
	m := New(cfg, newTestRegistry(), WithFinder(ff), WithTerminator(&fakeTerm{}), WithSpawner(sp))

	var wg sync.WaitGroup
	results := make([]Status, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := m.Start()
			if err != nil {
				t.Errorf("start: %v", err)
			}
			results[i] = st
		}(i)
	}
	wg.Wait()

	if sp.started != 1 {
		t.Fatalf("spawn count %d, want exactly 1", sp.started)
	}
	if results[0].AlreadyRunning == results[1].AlreadyRunning {
		t.Fatalf("exactly one caller must observe already running: %+v", results)
	}
	for _, st := range results {
		if !st.Running || st.PID != 4242 {
			t.Fatalf("unexpected status %+v", st)
		}
	}
}

func TestStartExecutableNotFound(t *testing.T) {
	cfg := Config{Kind: RenderEngine, NameHint: "zz-nothing", Executable: "zz-definitely-absent-exe", Port: 8188}
	m := New(cfg, newTestRegistry(), WithFinder(&fakeFind{}), WithTerminator(&fakeTerm{}), WithSpawner(&fakeSpawn{}))

	_, err := m.Start()
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestMarkerInstallUsesInterpreter(t *testing.T) {
	dir := installDir(t, "main.py")
	cfg := Config{Kind: RenderEngine, NameHint: "comfyui", Executable: "zz-absent",
		Marker: "main.py", Interpreter: "python3", Port: 8188, ExtraPaths: []string{dir}}
	sp := &fakeSpawn{pid: 7}
	m := New(cfg, newTestRegistry(), WithFinder(&fakeFind{}), WithTerminator(&fakeTerm{}), WithSpawner(sp))

	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sp.inst.Command != "python3" || len(sp.inst.Args) != 1 || sp.inst.Args[0] != "main.py" {
		t.Fatalf("marker install not run via interpreter: %+v", sp.inst)
	}
	if sp.inst.WorkDir != dir {
		t.Fatalf("work dir %q, want %q", sp.inst.WorkDir, dir)
	}
}

func TestStopCollectsFailuresWithoutAborting(t *testing.T) {
	ff := &fakeFind{byName: []int32{10, 20, 30}}
	ft := &fakeTerm{failPID: 20}
	m := New(DefaultConfigs()[LLMRuntime], newTestRegistry(), WithFinder(ff), WithTerminator(ft))

	rep, err := m.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(rep.Stopped) != 2 || len(rep.Failed) != 1 || rep.Failed[0] != 20 {
		t.Fatalf("unexpected report %+v", rep)
	}
	// The batch kept going past the failure.
	if len(ft.killed) != 2 {
		t.Fatalf("terminations %v", ft.killed)
	}
}

func TestStopNothingRunningIsNoOp(t *testing.T) {
	m := New(DefaultConfigs()[LLMRuntime], newTestRegistry(), WithFinder(&fakeFind{}), WithTerminator(&fakeTerm{}))
	rep, err := m.Stop()
	if err != nil || len(rep.Stopped) != 0 || len(rep.Failed) != 0 {
		t.Fatalf("stop on idle kind: rep=%+v err=%v", rep, err)
	}
}

func TestDiscoveryCachedUntilInvalidated(t *testing.T) {
	dir := installDir(t, "main.py")
	cfg := Config{Kind: RenderEngine, Executable: "zz-absent", Marker: "main.py",
		Interpreter: "python3", ExtraPaths: []string{dir}}
	m := New(cfg, newTestRegistry(), WithFinder(&fakeFind{}), WithTerminator(&fakeTerm{}))

	inst, err := m.DiscoverInstallation()
	if err != nil || inst == nil {
		t.Fatalf("discover: inst=%v err=%v", inst, err)
	}
	if err := os.Remove(filepath.Join(dir, "main.py")); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	inst, _ = m.DiscoverInstallation()
	if inst == nil {
		t.Fatalf("cached result lost after filesystem change")
	}
	m.InvalidateDiscovery()
	inst, _ = m.DiscoverInstallation()
	if inst != nil {
		t.Fatalf("invalidation did not force a re-probe")
	}
}
