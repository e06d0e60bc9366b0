package domain

import "time"

// InboundKind distinguishes a human turn from a timer-driven bot turn.
type InboundKind string

const (
	InboundChat  InboundKind = "chat"
	InboundNudge InboundKind = "nudge"
)

// InboundMessage asks the responder to produce a bot turn in a room.
type InboundMessage struct {
	Kind      InboundKind
	Channel   string // channel the human used; replies are echoed back there
	RoomID    string
	SenderID  string
	MessageID string
	Content   string
	Timestamp time.Time
}

// OutboundMessage is one delivered chunk of a bot reply.
type OutboundMessage struct {
	Channel    string
	RoomID     string
	SenderID   string
	Content    string
	ChunkIndex int
	ChunkCount int
}
