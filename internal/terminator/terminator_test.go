package terminator

import (
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// startReaped starts cmd and reaps it in the background so the child does not
// linger as a zombie once it exits.
func startReaped(t *testing.T, cmd *exec.Cmd) int32 {
	t.Helper()
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	return int32(cmd.Process.Pid)
}

func TestTerminateGraceful(t *testing.T) {
	requireUnix(t)
	pid := startReaped(t, exec.Command("sleep", "30"))

	res, err := Terminate(pid, 2*time.Second)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if res.Method != Graceful || !res.Succeeded {
		t.Fatalf("expected graceful success, got %+v", res)
	}
}

func TestTerminateAlreadyGone(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := int32(cmd.Process.Pid)
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()

	res, err := Terminate(pid, time.Second)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if res.Method != AlreadyGone || !res.Succeeded {
		t.Fatalf("expected already_gone success, got %+v", res)
	}
}

func TestTerminateForcedWhenTermIgnored(t *testing.T) {
	requireUnix(t)
	pid := startReaped(t, exec.Command("sh", "-c", `trap "" TERM; sleep 30`))
	// Let the shell install its trap before signalling.
	time.Sleep(100 * time.Millisecond)

	res, err := Terminate(pid, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if res.Method != Forced || !res.Succeeded {
		t.Fatalf("expected forced success, got %+v", res)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	requireUnix(t)
	pid := startReaped(t, exec.Command("sleep", "30"))

	if _, err := Terminate(pid, 2*time.Second); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	res, err := Terminate(pid, time.Second)
	if err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if res.Method != AlreadyGone || !res.Succeeded {
		t.Fatalf("second terminate should be already_gone, got %+v", res)
	}
}
