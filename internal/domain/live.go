package domain

import (
	"context"
	"time"
)

type QueryKind string

const (
	QueryRooms    QueryKind = "rooms"    // rooms of a member, latest activity first
	QueryMessages QueryKind = "messages" // messages of a room, oldest first
)

// Query describes a live result set a client wants to follow.
type Query struct {
	Kind     QueryKind `json:"kind"`
	RoomID   string    `json:"room_id,omitempty"`
	MemberID string    `json:"member_id,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Snapshot is the full current result of a Query.
type Snapshot struct {
	Query    Query         `json:"query"`
	Rooms    []Room        `json:"rooms,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	// Deleted is set on the final snapshot of a messages query whose room was removed.
	Deleted bool      `json:"deleted,omitempty"`
	At      time.Time `json:"at"`
}

// Subscription delivers snapshots until Unsubscribe is called or the
// subscribing context ends. Only the newest undelivered snapshot is kept.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Unsubscribe()
}

type Subscriber interface {
	Subscribe(ctx context.Context, q Query) (Subscription, error)
}
