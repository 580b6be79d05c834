package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/persistence"
	"github.com/basket/dispatchd/internal/queue"
)

// Deps wires a Dispatcher. Adapters may be nil when no channel
// transport is up; telegram-bound output then lands in the outgoing
// partition. Events and History may be nil in tests.
type Deps struct {
	Config   *config.Config
	Executor Executor
	Adapters AdapterFactory
	Sessions SessionStore
	Resets   ResetSource
	Outgoing OutgoingWriter
	History  HistoryRecorder
	Events   *bus.Bus
	Logger   *slog.Logger
}

// Dispatcher resolves and executes queued messages.
type Dispatcher struct {
	cfg      *config.Config
	executor Executor
	adapters AdapterFactory
	sessions SessionStore
	resets   ResetSource
	outgoing OutgoingWriter
	history  HistoryRecorder
	events   *bus.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher from its dependencies.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		cfg:      deps.Config,
		executor: deps.Executor,
		adapters: deps.Adapters,
		sessions: deps.Sessions,
		resets:   deps.Resets,
		outgoing: deps.Outgoing,
		history:  deps.History,
		events:   deps.Events,
		logger:   deps.Logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.events != nil {
		d.events.Publish(topic, payload)
	}
}

// HandleMessage resolves and executes one message, blocking until the
// dispatch settles. It always returns an Outcome: unknown agents are
// dropped without any execution call, and every backend failure is
// caught, logged, and folded into the outcome.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg queue.IncomingMessage) Outcome {
	started := d.now()

	agent := d.cfg.Agent(msg.AgentID)
	if agent == nil {
		d.logger.Debug("message for unknown agent dropped", "agent_id", msg.AgentID, "message_id", msg.MessageID)
		d.publish(bus.TopicDispatchDropped, bus.DispatchEvent{AgentID: msg.AgentID, Channel: msg.Channel, Sender: msg.Sender})
		return Outcome{Status: StatusDropped}
	}

	opts := ExecuteOptions{
		AgentID: agent.ID,
		Config:  d.cfg,
		Reset:   d.resets.Consume(agent.ID),
	}

	sessionID, isNew, err := d.resolveSession(ctx, agent.ID, msg.SessionMode)
	if err != nil {
		d.logger.Error("session resolution failed", "agent_id", agent.ID, "error", err)
		return d.finish(ctx, msg, opts, started, Outcome{Status: StatusFailed, Err: fmt.Errorf("resolve session: %w", err)})
	}
	opts.SessionID = sessionID
	opts.NewSession = isNew

	d.publish(bus.TopicDispatchStarted, bus.DispatchEvent{AgentID: agent.ID, Channel: msg.Channel, Sender: msg.Sender})

	if msg.Sender == queue.SenderHeartbeat {
		return d.handleHeartbeat(ctx, msg, agent, opts, started)
	}
	return d.handleStandard(ctx, msg, agent, opts, started)
}

// resolveSession applies the message's session mode. Isolated sessions
// are never persisted; current falls back to get-or-create when no
// session has been stored yet.
func (d *Dispatcher) resolveSession(ctx context.Context, agentID, mode string) (string, bool, error) {
	switch mode {
	case queue.SessionModeIsolated:
		return uuid.NewString(), true, nil
	case queue.SessionModeCurrent:
		id, err := d.sessions.ReadSessionID(ctx, agentID)
		if err != nil {
			return "", false, err
		}
		if id != "" {
			return id, false, nil
		}
		return d.sessions.GetOrCreateSessionID(ctx, agentID)
	default:
		return d.sessions.GetOrCreateSessionID(ctx, agentID)
	}
}

// handleHeartbeat runs the non-streaming backend. The HEARTBEAT_OK
// sentinel suppresses delivery entirely; any other output is treated as
// a report and sent to the agent's chat.
func (d *Dispatcher) handleHeartbeat(ctx context.Context, msg queue.IncomingMessage, agent *config.Agent, opts ExecuteOptions, started time.Time) Outcome {
	res, err := d.executor.ExecuteOnce(ctx, agent.WorkingDir, msg.Message, opts)
	if err != nil {
		d.logger.Error("heartbeat execution failed", "agent_id", agent.ID, "error", err)
		return d.finish(ctx, msg, opts, started, Outcome{Status: StatusFailed, Err: err})
	}
	if strings.TrimSpace(res.Output) == HeartbeatOK {
		return d.finish(ctx, msg, opts, started, Outcome{Status: StatusSuppressed, ExitCode: res.ExitCode})
	}
	if msg.Channel == queue.ChannelTelegram {
		d.deliver(msg, agent, opts.SessionID, res.Output)
	}
	return d.finish(ctx, msg, opts, started, Outcome{Status: StatusCompleted, ExitCode: res.ExitCode})
}

// handleStandard streams the execution through a channel adapter. The
// adapter is created before the backend starts so early chunks have
// somewhere to go.
func (d *Dispatcher) handleStandard(ctx context.Context, msg queue.IncomingMessage, agent *config.Agent, opts ExecuteOptions, started time.Time) Outcome {
	var adapter ChannelAdapter
	if msg.Channel == queue.ChannelTelegram {
		adapter = d.adapterFor(msg, agent, opts.SessionID)
	}

	done := make(chan Outcome, 1)
	var once sync.Once
	settle := func(o Outcome) {
		once.Do(func() { done <- o })
	}

	cb := StreamCallbacks{
		OnChunk: func(text string) {
			if adapter != nil {
				adapter.AppendChunk(text)
			}
		},
		OnComplete: func(res Result) {
			if adapter != nil {
				if err := adapter.Finalize(res.Output); err != nil {
					d.logger.Error("finalize delivery failed", "agent_id", agent.ID, "error", err)
					d.writeOutgoing(msg, res.Output)
				}
			} else {
				// No live transport for this message; park the output
				// in the outgoing partition instead of losing it.
				d.writeOutgoing(msg, res.Output)
			}
			settle(Outcome{Status: StatusCompleted, ExitCode: res.ExitCode})
		},
		OnError: func(err error) {
			d.logger.Error("execution failed", "agent_id", agent.ID, "error", err)
			settle(Outcome{Status: StatusFailed, Err: err})
		},
	}

	if _, err := d.executor.ExecuteStreaming(ctx, agent.WorkingDir, msg.Message, cb, opts); err != nil {
		d.logger.Error("execution start failed", "agent_id", agent.ID, "error", err)
		return d.finish(ctx, msg, opts, started, Outcome{Status: StatusFailed, Err: err})
	}

	select {
	case o := <-done:
		return d.finish(ctx, msg, opts, started, o)
	case <-ctx.Done():
		return d.finish(ctx, msg, opts, started, Outcome{Status: StatusFailed, Err: ctx.Err()})
	}
}

// adapterFor builds a channel adapter for the message's chat, or nil
// when no transport is available or the sender id is not a chat id.
func (d *Dispatcher) adapterFor(msg queue.IncomingMessage, agent *config.Agent, sessionID string) ChannelAdapter {
	if d.adapters == nil {
		return nil
	}
	chatID, err := strconv.ParseInt(msg.SenderID, 10, 64)
	if err != nil {
		d.logger.Warn("sender id is not a chat id", "agent_id", agent.ID, "sender_id", msg.SenderID)
		return nil
	}
	adapter, err := d.adapters.MakeAdapter(chatID, agent.ID, sessionID)
	if err != nil {
		d.logger.Error("channel adapter unavailable", "agent_id", agent.ID, "error", err)
		return nil
	}
	return adapter
}

// deliver finalizes output to the message's chat, falling back to the
// outgoing partition when no adapter can be built.
func (d *Dispatcher) deliver(msg queue.IncomingMessage, agent *config.Agent, sessionID, output string) {
	if output == "" {
		return
	}
	adapter := d.adapterFor(msg, agent, sessionID)
	if adapter == nil {
		d.writeOutgoing(msg, output)
		return
	}
	if err := adapter.Finalize(output); err != nil {
		d.logger.Error("finalize delivery failed", "agent_id", agent.ID, "error", err)
		d.writeOutgoing(msg, output)
	}
}

func (d *Dispatcher) writeOutgoing(msg queue.IncomingMessage, output string) {
	if d.outgoing == nil || output == "" {
		return
	}
	_, err := d.outgoing.WriteOutgoing(queue.OutgoingMessage{
		Channel:   msg.Channel,
		Recipient: msg.SenderID,
		AgentID:   msg.AgentID,
		Content:   output,
	})
	if err != nil {
		d.logger.Error("outgoing write failed", "agent_id", msg.AgentID, "error", err)
	}
}

// finish logs, archives, and publishes the settled outcome.
func (d *Dispatcher) finish(ctx context.Context, msg queue.IncomingMessage, opts ExecuteOptions, started time.Time, o Outcome) Outcome {
	duration := d.now().Sub(started)

	attrs := []any{
		"agent_id", opts.AgentID,
		"message_id", msg.MessageID,
		"status", string(o.Status),
		"duration_ms", duration.Milliseconds(),
	}
	if o.Err != nil {
		d.logger.Warn("dispatch settled", append(attrs, "error", o.Err)...)
	} else {
		d.logger.Info("dispatch settled", attrs...)
	}

	if d.history != nil {
		rec := persistence.DispatchRecord{
			MessageID:  msg.MessageID,
			AgentID:    opts.AgentID,
			Channel:    msg.Channel,
			Sender:     msg.Sender,
			SessionID:  opts.SessionID,
			NewSession: opts.NewSession,
			Reset:      opts.Reset,
			Status:     string(o.Status),
			ExitCode:   o.ExitCode,
			DurationMS: duration.Milliseconds(),
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		if err := d.history.RecordDispatch(ctx, rec); err != nil {
			d.logger.Warn("dispatch history write failed", "agent_id", opts.AgentID, "error", err)
		}
	}

	event := bus.DispatchEvent{
		AgentID:  opts.AgentID,
		Channel:  msg.Channel,
		Sender:   msg.Sender,
		Duration: duration,
	}
	if o.Err != nil {
		event.Error = o.Err.Error()
	}
	d.publish(topicFor(o.Status), event)
	return o
}

func topicFor(status Status) string {
	switch status {
	case StatusFailed:
		return bus.TopicDispatchFailed
	case StatusSuppressed:
		return bus.TopicDispatchSuppressed
	case StatusDropped:
		return bus.TopicDispatchDropped
	default:
		return bus.TopicDispatchCompleted
	}
}
