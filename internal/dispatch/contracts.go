// Package dispatch resolves queued messages to agent executions. The
// dispatcher owns session-mode resolution, reset-signal consumption,
// and the bridge from streamed execution output to a channel adapter.
// It never propagates per-message failures: every dispatch settles with
// an Outcome so one failing agent cannot destabilize the poll loop.
package dispatch

import (
	"context"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/persistence"
	"github.com/basket/dispatchd/internal/queue"
)

// HeartbeatOK is the sentinel an agent prints when a heartbeat check
// found nothing to report. Matching is exact after trimming whitespace;
// any other output is delivered to the agent's chat.
const HeartbeatOK = "HEARTBEAT_OK"

// ExecuteOptions is constructed fresh for every dispatch and handed to
// the execution backend.
type ExecuteOptions struct {
	AgentID    string
	Config     *config.Config
	SessionID  string
	NewSession bool
	Reset      bool
}

// Result is the outcome of one backend execution.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
}

// StreamCallbacks receive progress from a streaming execution. The
// backend calls OnChunk zero or more times, then exactly one of
// OnComplete or OnError.
type StreamCallbacks struct {
	OnChunk    func(text string)
	OnComplete func(res Result)
	OnError    func(err error)
}

// Handle controls an in-flight streaming execution.
type Handle interface {
	Cancel()
}

// Executor is the execution backend contract.
type Executor interface {
	// ExecuteStreaming starts an execution in workDir and streams
	// output through cb. The returned handle can cancel it.
	ExecuteStreaming(ctx context.Context, workDir, message string, cb StreamCallbacks, opts ExecuteOptions) (Handle, error)
	// ExecuteOnce runs to completion and returns the collected result.
	ExecuteOnce(ctx context.Context, workDir, message string, opts ExecuteOptions) (Result, error)
}

// ChannelAdapter renders execution output to one external chat.
type ChannelAdapter interface {
	// AppendChunk adds streamed text to the in-progress message.
	AppendChunk(text string)
	// Finalize replaces the in-progress message with the full output.
	Finalize(output string) error
}

// AdapterFactory creates channel adapters keyed by chat and agent.
type AdapterFactory interface {
	MakeAdapter(chatID int64, agentID, sessionID string) (ChannelAdapter, error)
}

// SessionStore is the slice of the persistence layer the dispatcher
// uses for session continuity.
type SessionStore interface {
	ReadSessionID(ctx context.Context, agentID string) (string, error)
	WriteSessionID(ctx context.Context, agentID, sessionID string) error
	GetOrCreateSessionID(ctx context.Context, agentID string) (string, bool, error)
}

// ResetSource consumes one-shot per-agent reset markers.
type ResetSource interface {
	Consume(agentID string) bool
}

// OutgoingWriter persists responses that could not be delivered through
// a live transport.
type OutgoingWriter interface {
	WriteOutgoing(msg queue.OutgoingMessage) (string, error)
}

// HistoryRecorder archives settled dispatches.
type HistoryRecorder interface {
	RecordDispatch(ctx context.Context, rec persistence.DispatchRecord) error
}

// Status classifies how a dispatch settled.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
	StatusDropped    Status = "dropped"
)

// Outcome summarizes a settled dispatch. Err is set only for
// StatusFailed and is informational; HandleMessage itself never fails.
type Outcome struct {
	Status   Status
	ExitCode int
	Err      error
}
