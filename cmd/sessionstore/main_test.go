package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	configFile, logLevel, eventsFile = "", "", ""

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version returned unexpected error: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("output %q does not contain version %q", out, version)
	}
}

func TestProbeBadgerInMemory(t *testing.T) {
	t.Setenv("SESSIONSTORE_BACKEND", "badger")
	t.Setenv("SESSIONSTORE_BADGER_IN_MEMORY", "true")

	out, err := run(t, "probe", "--log-level", "error")
	if err != nil {
		t.Fatalf("probe returned unexpected error: %v", err)
	}
	if !strings.Contains(out, "store: durable") {
		t.Errorf("probe output = %q, want durable store", out)
	}
}

func TestProbeFailsWithoutBackend(t *testing.T) {
	t.Setenv("SESSIONSTORE_BACKEND", "memory")

	if _, err := run(t, "probe", "--log-level", "error"); err == nil {
		t.Fatal("probe with the memory backend should fail")
	}
}

func TestSweepPrintsKeyspaces(t *testing.T) {
	t.Setenv("SESSIONSTORE_BACKEND", "badger")
	t.Setenv("SESSIONSTORE_BADGER_IN_MEMORY", "true")

	out, err := run(t, "sweep", "--log-level", "error")
	if err != nil {
		t.Fatalf("sweep returned unexpected error: %v", err)
	}
	for _, want := range []string{"session", "memory_history", "security_flags", "total: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("sweep output missing %q:\n%s", want, out)
		}
	}
}

func TestSweepWritesEvents(t *testing.T) {
	t.Setenv("SESSIONSTORE_BACKEND", "badger")
	t.Setenv("SESSIONSTORE_BADGER_IN_MEMORY", "true")
	path := filepath.Join(t.TempDir(), "events.jsonl")

	if _, err := run(t, "sweep", "--log-level", "error", "--events-file", path); err != nil {
		t.Fatalf("sweep returned unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("events file not written: %v", err)
	}
	for _, want := range []string{`"store.connected"`, `"cleanup.completed"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("events file missing %s:\n%s", want, data)
		}
	}
}
