package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/health"
	"github.com/basket/dispatchd/internal/lifecycle"
)

// runStatusCommand implements `dispatchd status`. It reads the health
// snapshot from the loopback endpoint and falls back to the PID file
// when the endpoint does not answer. Exit code 0 means healthy.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "print the raw health snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s status [-json]\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	snap, err := health.Fetch(fetchCtx, cfg.BindAddr)
	if err != nil {
		if pid, perr := lifecycle.ReadPIDFile(cfg.PIDFilePath()); perr == nil && lifecycle.Alive(pid) {
			fmt.Fprintf(os.Stderr, "daemon pid %d is alive but %s is not answering: %v\n", pid, cfg.BindAddr, err)
			return 1
		}
		fmt.Fprintln(os.Stderr, "daemon is not running")
		return 1
	}

	if *jsonOut || !isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	} else {
		printSnapshot(snap)
	}
	if !snap.Healthy {
		return 1
	}
	return 0
}

func printSnapshot(snap health.Snapshot) {
	fmt.Printf("state:    %s\n", snap.State)
	fmt.Printf("version:  %s\n", snap.Version)
	fmt.Printf("pid:      %d\n", snap.PID)
	fmt.Printf("uptime:   %s\n", time.Duration(snap.UptimeSeconds)*time.Second)
	fmt.Printf("queue:    %d pending, %d in flight, %d outgoing, %d errors\n",
		snap.Queue.Pending, snap.Queue.InFlight, snap.Queue.Outgoing, snap.Queue.Errors)
	if len(snap.BusyAgents) > 0 {
		fmt.Printf("busy:     %s\n", strings.Join(snap.BusyAgents, ", "))
	}
}
