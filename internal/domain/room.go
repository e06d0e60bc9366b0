package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

// Room is a chat room. The Last* fields are the teaser shown in room lists.
type Room struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	BotID         string     `json:"bot_id,omitempty"`
	CreatedBy     string     `json:"created_by"`
	Members       []string   `json:"members,omitempty"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastSenderID  string     `json:"last_sender_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ChatMessage is one persisted chat bubble.
type ChatMessage struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	SenderID     string    `json:"sender_id"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Text         string    `json:"text"`
	AttachmentID string    `json:"attachment_id,omitempty"`
	GifURL       string    `json:"gif_url,omitempty"`
	IsBot        bool      `json:"is_bot"`
	CreatedAt    time.Time `json:"created_at"`
}

// Preferences are per-user UI settings.
type Preferences struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
}

type User struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	IsBot       bool        `json:"is_bot"`
	Blocked     bool        `json:"blocked"`
	BlockedAt   *time.Time  `json:"blocked_at,omitempty"`
	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RoomNote is a key/value annotation a bot left on a room via /meta lines.
type RoomNote struct {
	RoomID    string    `json:"room_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Attachment struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoomStore persists rooms and memberships. Getters return (nil, nil) when
// the row does not exist; mutations of a missing room return ErrNotFound.
type RoomStore interface {
	CreateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	// ListRooms returns rooms ordered by latest activity. An empty memberID lists all rooms.
	ListRooms(ctx context.Context, memberID string, limit int) ([]Room, error)
	// QuietBotRooms returns rooms with a bot whose last message is older than before.
	QuietBotRooms(ctx context.Context, before time.Time) ([]Room, error)
	UpdateRoomTitle(ctx context.Context, id, title string) error
	// DeleteRoom removes the room together with its messages, members and notes.
	DeleteRoom(ctx context.Context, id string) error
	AddMember(ctx context.Context, roomID, userID string) error
	ListMembers(ctx context.Context, roomID string) ([]string, error)
}

type MessageStore interface {
	// AppendMessage persists msg and moves the room teaser to it.
	AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
	// ListMessages returns the latest limit messages of a room, oldest first.
	ListMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error)
	SearchMessages(ctx context.Context, query, roomID string, limit int) ([]ChatMessage, error)
}

type UserStore interface {
	UpsertUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SetBlocked(ctx context.Context, id string, blocked bool, at time.Time) error
	SetPreferences(ctx context.Context, id string, prefs Preferences) error
}

type NoteStore interface {
	SetNote(ctx context.Context, note RoomNote) error
	ListNotes(ctx context.Context, roomID string) ([]RoomNote, error)
}

type AttachmentStore interface {
	SaveAttachment(ctx context.Context, att Attachment) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)
}

// Store is the full persistence surface used by the application.
type Store interface {
	RoomStore
	MessageStore
	UserStore
	NoteStore
	AttachmentStore
	AuditLogger
	Close() error
}
