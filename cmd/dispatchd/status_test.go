package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyDaemon(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy": true,
			"state":   "running",
			"pid":     4242,
		})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_DegradedDaemon(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy": false,
			"state":   "shutting_down",
		})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), []string{"-json"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for a degraded daemon", code)
	}
}

func TestRunStatusCommand_DaemonNotRunning(t *testing.T) {
	// Port 1 is never listening in the test environment.
	setTestConfig(t, "127.0.0.1:1")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18990")

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir, points
// DISPATCHD_HOME at it, and returns the dir.
func setTestConfig(t *testing.T, addr string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DISPATCHD_HOME", home)
	t.Setenv("DISPATCHD_BIND_ADDR", "")
	yaml := "bind_addr: \"" + addr + "\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

// setTestConfigWithAgent is setTestConfig plus one configured agent
// named main.
func setTestConfigWithAgent(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DISPATCHD_HOME", home)
	t.Setenv("DISPATCHD_BIND_ADDR", "")
	yaml := "agents:\n  - id: main\n    working_dir: " + home + "\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
