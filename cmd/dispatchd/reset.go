package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/reset"
)

// runResetCommand implements `dispatchd reset`: drop the agent's session
// marker so its next dispatch starts a fresh conversation.
func runResetCommand(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	agentID := fs.String("agent", "", "agent id to reset (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agentID == "" || fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s reset -agent <id>\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if cfg.Agent(*agentID) == nil {
		fmt.Fprintf(os.Stderr, "unknown agent %q (configured: %s)\n", *agentID, strings.Join(cfg.AgentIDs(), ", "))
		return 1
	}

	rs, err := reset.NewStore(cfg.ResetDir(), quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open reset store: %v\n", err)
		return 1
	}
	if err := rs.Signal(*agentID); err != nil {
		fmt.Fprintf(os.Stderr, "signal reset: %v\n", err)
		return 1
	}
	fmt.Printf("reset signalled for agent %s; applies on its next dispatch\n", *agentID)
	return 0
}
