// Package daemon drives the dispatch core. Run owns the poll loop and
// the state machine around it: the crash guard, the PID file, per-agent
// busy locks, and a shutdown that lets in-flight dispatches settle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/dispatch"
	"github.com/basket/dispatchd/internal/health"
	"github.com/basket/dispatchd/internal/lifecycle"
	otelPkg "github.com/basket/dispatchd/internal/otel"
	"github.com/basket/dispatchd/internal/queue"
	"github.com/basket/dispatchd/internal/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is the daemon's lifecycle phase, published on the bus and
// reported by the health endpoint.
type State string

const (
	StateInit         State = "init"
	StateAborted      State = "aborted"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// MessageHandler settles one claimed message. *dispatch.Dispatcher is
// the production implementation.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg queue.IncomingMessage) dispatch.Outcome
}

// HeartbeatSource yields synthesized heartbeat messages that are due.
// *heartbeat.Generator is the production implementation.
type HeartbeatSource interface {
	Due(busy map[string]bool) []queue.IncomingMessage
}

// TaskScheduler fires due scheduled tasks once per poll cycle. Tick
// results are informational; scheduler failures never stop the daemon.
type TaskScheduler interface {
	Tick(now time.Time) scheduler.TickResult
}

// Deps wires a Daemon. Heartbeats, Scheduler, Events, and Tracer may be
// nil; the corresponding tick steps are then skipped.
type Deps struct {
	Config     *config.Config
	Queue      *queue.Store
	Handler    MessageHandler
	Heartbeats HeartbeatSource
	Scheduler  TaskScheduler
	Events     *bus.Bus
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

type Daemon struct {
	cfg        *config.Config
	queue      *queue.Store
	handler    MessageHandler
	heartbeats HeartbeatSource
	scheduler  TaskScheduler
	events     *bus.Bus
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	state     State
	busy      map[string]bool
	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(deps Deps) *Daemon {
	return &Daemon{
		cfg:        deps.Config,
		queue:      deps.Queue,
		handler:    deps.Handler,
		heartbeats: deps.Heartbeats,
		scheduler:  deps.Scheduler,
		events:     deps.Events,
		tracer:     deps.Tracer,
		logger:     deps.Logger.With("component", "daemon"),
		now:        time.Now,
		state:      StateInit,
		busy:       make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

// Run drives the state machine until ctx is canceled or Shutdown is
// called. The crash guard is consulted before the PID file is written;
// a tripped guard returns lifecycle.ErrCrashLoop (wrapped) with no PID
// file and no poll loop. A clean stop returns nil. Call Run once per
// Daemon.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(StateInit)

	window := time.Duration(d.cfg.CrashLoopWindowMinutes) * time.Minute
	if err := lifecycle.CheckCrashLoop(d.cfg.CrashLogPath(), d.cfg.CrashLoopThreshold, window, d.now()); err != nil {
		if errors.Is(err, lifecycle.ErrCrashLoop) {
			d.setState(StateAborted)
			return fmt.Errorf("startup blocked: %w", err)
		}
		// An unreadable crash log cannot keep the daemon down.
		d.logger.Warn("crash log unreadable, continuing", "error", err)
	}

	if _, err := d.queue.Recover(); err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	}

	if err := lifecycle.WritePIDFile(d.cfg.PIDFilePath()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	d.mu.Lock()
	d.startedAt = d.now()
	d.mu.Unlock()
	d.setState(StateRunning)

	ticker := time.NewTicker(time.Duration(d.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-d.stopCh:
			break loop
		case <-ticker.C:
			d.tick(d.now())
		}
	}

	d.setState(StateShuttingDown)
	// In-flight dispatches settle on their own time; shutdown never
	// cancels them.
	d.wg.Wait()
	if err := lifecycle.RemovePIDFile(d.cfg.PIDFilePath()); err != nil {
		d.logger.Error("remove pid file failed", "error", err)
	}
	d.setState(StateStopped)
	return nil
}

// Shutdown asks a running daemon to stop. It returns immediately; Run
// finishes settling in-flight dispatches before it returns.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// tick runs one poll cycle: claim at most one incoming entry for a
// non-busy agent, give the scheduler its pass, then route due
// heartbeats through the same busy-lock path.
func (d *Daemon) tick(now time.Time) {
	entry, err := d.queue.ReadIncoming(d.busySnapshot())
	if err != nil {
		d.logger.Error("queue scan failed", "error", err)
	} else if entry != nil {
		d.startDispatch(entry)
	}

	if d.scheduler != nil {
		res := d.scheduler.Tick(now)
		if res.Executed > 0 || res.Errors > 0 {
			d.logger.Debug("scheduler tick", "executed", res.Executed, "skipped", res.Skipped, "errors", res.Errors)
		}
	}

	if d.heartbeats != nil {
		for _, msg := range d.heartbeats.Due(d.busySnapshot()) {
			d.startHeartbeat(msg)
		}
	}
}

// startDispatch marks the entry's agent busy and settles the dispatch
// on its own goroutine. The agent stays busy until the entry has been
// deleted or moved to errors, which is what keeps per-agent ordering
// strict.
func (d *Daemon) startDispatch(entry *queue.Entry) {
	agentID := entry.Message.AgentID
	d.setBusy(agentID)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcome := d.runDispatch(entry.Message, entry.Name())
		d.settle(entry, outcome)
		d.clearBusy(agentID)
	}()
}

// startHeartbeat routes a synthesized heartbeat through the dispatch
// path. There is no queue entry behind it, so nothing to settle.
func (d *Daemon) startHeartbeat(msg queue.IncomingMessage) {
	agentID := msg.AgentID
	d.setBusy(agentID)
	chatID, _ := strconv.ParseInt(msg.SenderID, 10, 64)
	d.publish(bus.TopicHeartbeatSent, bus.HeartbeatEvent{AgentID: agentID, ChatID: chatID})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runDispatch(msg, "")
		d.clearBusy(agentID)
	}()
}

// runDispatch invokes the handler with a background-derived context so
// shutdown cannot cancel in-flight work. Panics are recovered and fold
// into a failed outcome; a panicking dispatch must not take the daemon
// down or leave its agent busy forever.
func (d *Daemon) runDispatch(msg queue.IncomingMessage, entryName string) (o dispatch.Outcome) {
	ctx := context.Background()
	var span trace.Span
	if d.tracer != nil {
		attrs := []attribute.KeyValue{
			otelPkg.AttrAgentID.String(msg.AgentID),
			otelPkg.AttrChannel.String(msg.Channel),
			otelPkg.AttrSender.String(msg.Sender),
		}
		if entryName != "" {
			attrs = append(attrs, otelPkg.AttrEntryName.String(entryName))
		}
		ctx, span = otelPkg.StartSpan(ctx, d.tracer, "dispatch", attrs...)
		defer span.End()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", "agent_id", msg.AgentID, "message_id", msg.MessageID, "panic", r)
			o = dispatch.Outcome{Status: dispatch.StatusFailed, Err: fmt.Errorf("dispatch panic: %v", r)}
		}
	}()
	o = d.handler.HandleMessage(ctx, msg)
	if span != nil {
		span.SetAttributes(otelPkg.AttrStatus.String(string(o.Status)))
	}
	return o
}

// settle removes the queue entry once its dispatch finished. Failed
// dispatches keep the entry in the errors partition; every other
// outcome deletes it.
func (d *Daemon) settle(entry *queue.Entry, o dispatch.Outcome) {
	var err error
	if o.Status == dispatch.StatusFailed {
		reason := "dispatch failed"
		if o.Err != nil {
			reason = o.Err.Error()
		}
		err = d.queue.MoveToErrors(entry, reason)
	} else {
		err = d.queue.Delete(entry)
	}
	if err != nil {
		d.logger.Error("queue settle failed", "entry", entry.Name(), "error", err)
	}
}

func (d *Daemon) setBusy(agentID string) {
	d.mu.Lock()
	d.busy[agentID] = true
	d.mu.Unlock()
}

func (d *Daemon) clearBusy(agentID string) {
	d.mu.Lock()
	delete(d.busy, agentID)
	d.mu.Unlock()
}

func (d *Daemon) busySnapshot() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(d.busy))
	for id := range d.busy {
		out[id] = true
	}
	return out
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.logger.Info("daemon state", "state", string(s))
	d.publish(bus.TopicDaemonState, bus.StateEvent{State: string(s)})
}

// State returns the daemon's current lifecycle phase.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) publish(topic string, payload any) {
	if d.events != nil {
		d.events.Publish(topic, payload)
	}
}

// Snapshot builds the health endpoint payload.
func (d *Daemon) Snapshot() health.Snapshot {
	d.mu.Lock()
	state := d.state
	started := d.startedAt
	busy := make([]string, 0, len(d.busy))
	for id := range d.busy {
		busy = append(busy, id)
	}
	d.mu.Unlock()
	sort.Strings(busy)

	depths, err := d.queue.Depths()
	if err != nil {
		d.logger.Warn("queue depth scan failed", "error", err)
	}

	now := d.now()
	var uptime int64
	if !started.IsZero() {
		uptime = int64(now.Sub(started).Seconds())
	}
	return health.Snapshot{
		Healthy:       state == StateRunning,
		State:         string(state),
		Version:       otelPkg.Version,
		PID:           os.Getpid(),
		UptimeSeconds: uptime,
		BusyAgents:    busy,
		Queue:         depths,
		ConfigHash:    d.cfg.Fingerprint(),
		TimeUnix:      now.Unix(),
	}
}
