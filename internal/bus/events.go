package bus

import "time"

// Dispatch lifecycle topics.
const (
	TopicDispatchStarted    = "dispatch.started"
	TopicDispatchCompleted  = "dispatch.completed"
	TopicDispatchFailed     = "dispatch.failed"
	TopicDispatchSuppressed = "dispatch.suppressed"
	TopicDispatchDropped    = "dispatch.dropped"
)

// Queue topics.
const (
	TopicQueueCorrupt   = "queue.corrupt"
	TopicQueueRecovered = "queue.recovered"
)

// Heartbeat and scheduler topics.
const (
	TopicHeartbeatSent = "heartbeat.sent"
	TopicSchedulerRun  = "scheduler.run"
)

// Channel transport topic. Payload is a ChannelInboundEvent.
const TopicChannelInbound = "channel.inbound"

// Daemon lifecycle topic. Payload is a StateEvent.
const TopicDaemonState = "daemon.state"

// DispatchEvent describes one message dispatch. Published on the
// dispatch.* topics as the dispatcher moves a message through its
// lifecycle.
type DispatchEvent struct {
	AgentID  string
	Channel  string
	Sender   string
	Duration time.Duration
	Error    string
}

// QueueCorruptEvent is published when an incoming entry fails to decode
// and is moved to the errors partition.
type QueueCorruptEvent struct {
	Name   string
	Reason string
}

// QueueRecoveredEvent is published once at startup after claimed entries
// from a previous run are returned to the pending pool.
type QueueRecoveredEvent struct {
	Count int
}

// HeartbeatEvent is published when a due heartbeat message is handed to
// the dispatcher.
type HeartbeatEvent struct {
	AgentID string
	ChatID  int64
}

// ChannelInboundEvent is published when a transport accepts an external
// message into the incoming queue.
type ChannelInboundEvent struct {
	Channel string
	ChatID  int64
	AgentID string
}

// SchedulerRunEvent summarizes one scheduler pass over the tasks
// directory.
type SchedulerRunEvent struct {
	Executed int
	Skipped  int
	Errors   int
}

// StateEvent is published on daemon state transitions.
type StateEvent struct {
	State string
}
