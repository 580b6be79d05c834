package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/queue"
)

// runSendCommand implements `dispatchd send`: queue a message for an
// agent as if it had arrived over a channel. The daemon picks it up on
// its next tick; the response lands in the outgoing partition since
// there is no live chat to answer to.
func runSendCommand(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	agentID := fs.String("agent", "", "target agent id (required)")
	message := fs.String("message", "", "message body (required; \"-\" reads stdin)")
	mode := fs.String("session-mode", "", "session mode: default, current or isolated")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agentID == "" || *message == "" || fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s send -agent <id> -message <text> [-session-mode <mode>]\n", os.Args[0])
		return 2
	}
	switch *mode {
	case "", queue.SessionModeDefault, queue.SessionModeCurrent, queue.SessionModeIsolated:
	default:
		fmt.Fprintf(os.Stderr, "invalid session mode %q\n", *mode)
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

	body := *message
	if body == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			return 1
		}
		body = strings.TrimSpace(string(raw))
		if body == "" {
			fmt.Fprintln(os.Stderr, "empty message on stdin")
			return 2
		}
	}

	q, err := queue.NewStore(cfg.QueueDir(), quietLogger(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open queue: %v\n", err)
		return 1
	}
	name, err := q.WriteIncoming(queue.IncomingMessage{
		Channel:     "cli",
		Sender:      "operator",
		SenderID:    "cli",
		Message:     body,
		AgentID:     *agentID,
		SessionMode: *mode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue message: %v\n", err)
		return 1
	}
	fmt.Printf("queued %s for agent %s\n", name, *agentID)
	return 0
}
