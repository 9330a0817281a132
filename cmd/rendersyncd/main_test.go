package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootSubcommands(t *testing.T) {
	root := buildRoot()
	for _, path := range [][]string{
		{"serve"},
		{"status"},
		{"ports"},
		{"inspect-port"},
		{"inspect-pid"},
		{"apps", "status"},
		{"apps", "start"},
		{"apps", "stop"},
		{"connection", "enable"},
		{"connection", "disable"},
		{"connection", "status"},
		{"shutdown"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("command %v not found: %v", path, err)
		}
		if cmd == root {
			t.Fatalf("command %v resolved to root", path)
		}
	}
}

func TestInspectPortRejectsBadArg(t *testing.T) {
	root := buildRoot()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"inspect-port", "not-a-port"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Fatalf("expected invalid port error, got %v", err)
	}

	root = buildRoot()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"inspect-pid", "0"})
	err = root.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid pid") {
		t.Fatalf("expected invalid pid error, got %v", err)
	}
}

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rendersyncd.pid")
	if err := writePidFile(path, 4242); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(data) != "4242" {
		t.Fatalf("pid file content = %q", data)
	}
	if err := removePidFile(path); err != nil {
		t.Fatalf("remove pid file: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file still present")
	}
	if err := removePidFile(""); err != nil {
		t.Fatal("empty path should be a no-op")
	}
}
