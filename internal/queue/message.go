package queue

import "time"

// Session modes carried by incoming messages. They control how the
// dispatcher resolves the session a message runs under.
const (
	SessionModeDefault  = "default"
	SessionModeCurrent  = "current"
	SessionModeIsolated = "isolated"
)

// SenderHeartbeat marks messages synthesized by the heartbeat generator
// rather than received from a channel.
const SenderHeartbeat = "heartbeat"

// ChannelTelegram is the channel value for messages bound to a telegram
// chat.
const ChannelTelegram = "telegram"

// IncomingMessage is the payload of one incoming queue entry. Field
// names match the JSON written by channel producers.
type IncomingMessage struct {
	Channel     string    `json:"channel"`
	Sender      string    `json:"sender"`
	SenderID    string    `json:"senderId"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	MessageID   string    `json:"messageId"`
	AgentID     string    `json:"agentId"`
	SessionMode string    `json:"sessionMode,omitempty"`
}

// OutgoingMessage is written to the outgoing partition when a response
// cannot be delivered through a live channel transport.
type OutgoingMessage struct {
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is a claimed incoming message. The claim is exclusive: the
// backing file has been renamed out of the pending pool, and no other
// reader can return it until it is deleted, moved to errors, or
// recovered after a restart.
type Entry struct {
	Message IncomingMessage

	name string // file name without the claim suffix
	path string // current path of the claimed file
}

// Name returns the queue file name of the entry.
func (e *Entry) Name() string { return e.name }
