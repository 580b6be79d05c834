//go:build ignore

// sigkill_chaos is a standalone chaos test for the daemon's crash
// recovery guarantees. It builds the dispatchd binary, seeds the file
// queue with pending entries, a claimed entry from a "crashed" process,
// and a corrupt file, then verifies that:
//   - startup recovery returns the claimed entry to pending
//   - the corrupt entry is quarantined to errors, not retried forever
//   - every valid entry is dispatched and settled
//   - a SIGKILL leaves no crash record and its stale pid file does not
//     block the next start
//   - a SIGTERM shuts down cleanly and removes the pid file
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/dispatchd/internal/lifecycle"
	"github.com/basket/dispatchd/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	// 1. Build the dispatchd binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "dispatchd")

	fmt.Println("BUILD dispatchd binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/dispatchd")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp DISPATCHD_HOME. cat echoes each message back, so
	// every dispatch succeeds with deterministic output.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf(`bind_addr: %q
poll_interval_seconds: 1
runner:
  command: cat
agents:
  - id: main
    working_dir: %q
`, addr, home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// 3. Seed the queue: three valid entries, one of them claimed as a
	// crashed daemon would leave it, plus a corrupt file.
	q, err := queue.NewStore(filepath.Join(home, "queue"), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	for i := 0; i < 3; i++ {
		name, err := q.WriteIncoming(queue.IncomingMessage{
			Channel:  "cli",
			Sender:   "chaos",
			SenderID: "cli",
			Message:  fmt.Sprintf("chaos-entry-%d", i),
			AgentID:  "main",
		})
		if err != nil {
			return fmt.Errorf("write entry %d: %w", i, err)
		}
		fmt.Printf("QUEUED %s\n", name)
	}
	claimed, err := q.ReadIncoming(nil)
	if err != nil || claimed == nil {
		return fmt.Errorf("claim entry: %v (entry=%v)", err, claimed)
	}
	fmt.Printf("CLAIMED %s (left unsettled, simulating a crash)\n", claimed.Name())
	corrupt := filepath.Join(home, "queue", "incoming", "00000000000000000000-garbage.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		return fmt.Errorf("write corrupt entry: %w", err)
	}

	daemonEnv := append(os.Environ(), "DISPATCHD_HOME="+home)

	// 4. Start the daemon.
	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath, "-quiet")
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	kill := func(cmd *exec.Cmd) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	fmt.Println("WAIT for /healthz...")
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		kill(daemon)
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// 5. Wait for the queue to drain: the recovered entry plus the two
	// pending ones must dispatch; the corrupt file must be quarantined.
	if err := waitDrained(q, 30*time.Second); err != nil {
		kill(daemon)
		return err
	}
	depths, err := q.Depths()
	if err != nil {
		kill(daemon)
		return fmt.Errorf("queue depths: %w", err)
	}
	fmt.Printf("DRAINED pending=%d in_flight=%d outgoing=%d errors=%d\n",
		depths.Pending, depths.InFlight, depths.Outgoing, depths.Errors)
	if depths.Errors != 1 {
		kill(daemon)
		return fmt.Errorf("expected exactly 1 quarantined entry, got %d", depths.Errors)
	}
	if depths.Outgoing != 3 {
		kill(daemon)
		return fmt.Errorf("expected 3 outgoing responses, got %d", depths.Outgoing)
	}

	pidPath := filepath.Join(home, "dispatchd.pid")
	pid, err := lifecycle.ReadPIDFile(pidPath)
	if err != nil {
		kill(daemon)
		return fmt.Errorf("read pid file: %w", err)
	}
	if pid != daemon.Process.Pid {
		kill(daemon)
		return fmt.Errorf("pid file has %d, daemon is %d", pid, daemon.Process.Pid)
	}

	// 6. SIGKILL: no cleanup, no crash record, stale pid file left behind.
	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	if _, err := os.Stat(pidPath); err != nil {
		return fmt.Errorf("stale pid file should survive SIGKILL: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "crashes.json")); !os.IsNotExist(err) {
		return fmt.Errorf("SIGKILL must not produce a crash record (err=%v)", err)
	}
	time.Sleep(500 * time.Millisecond) // let the port release

	// 7. Restart: the stale pid file must not block startup.
	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath, "-quiet")
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		kill(daemon2)
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")
	pid2, err := lifecycle.ReadPIDFile(pidPath)
	if err != nil {
		kill(daemon2)
		return fmt.Errorf("read pid file after restart: %w", err)
	}
	if pid2 != daemon2.Process.Pid {
		kill(daemon2)
		return fmt.Errorf("stale pid not overwritten: file has %d, daemon is %d", pid2, daemon2.Process.Pid)
	}

	// 8. Graceful shutdown removes the pid file.
	fmt.Println("SIGTERM daemon...")
	if err := daemon2.Process.Signal(syscall.SIGTERM); err != nil {
		kill(daemon2)
		return fmt.Errorf("sigterm: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- daemon2.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("daemon exit after SIGTERM: %w", err)
		}
	case <-time.After(10 * time.Second):
		kill(daemon2)
		return fmt.Errorf("daemon did not exit within 10s of SIGTERM")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		return fmt.Errorf("pid file should be removed on graceful shutdown (err=%v)", err)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func waitDrained(q *queue.Store, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		depths, err := q.Depths()
		if err == nil && depths.Pending == 0 && depths.InFlight == 0 {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("queue not drained after %v", timeout)
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
