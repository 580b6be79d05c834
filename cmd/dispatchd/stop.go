package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/lifecycle"
)

// runStopCommand implements `dispatchd stop`: SIGTERM the pid recorded
// by the running daemon. With -wait it blocks until the process is gone.
func runStopCommand(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	wait := fs.Bool("wait", false, "block until the daemon exits (10s cap)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s stop [-wait]\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	pid, err := lifecycle.ReadPIDFile(cfg.PIDFilePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "daemon is not running")
		} else {
			fmt.Fprintf(os.Stderr, "read pid file: %v\n", err)
		}
		return 1
	}
	if !lifecycle.Alive(pid) {
		fmt.Fprintf(os.Stderr, "pid %d is not running; removing stale pid file\n", pid)
		_ = lifecycle.RemovePIDFile(cfg.PIDFilePath())
		return 1
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "find process %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal pid %d: %v\n", pid, err)
		return 1
	}

	if !*wait {
		fmt.Printf("sent SIGTERM to pid %d\n", pid)
		return 0
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !lifecycle.Alive(pid) {
			fmt.Printf("daemon pid %d stopped\n", pid)
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "daemon pid %d still running after 10s\n", pid)
	return 1
}
