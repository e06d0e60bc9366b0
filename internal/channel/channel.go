// Package channel holds the user-facing transports: the HTTP API with SSE,
// WebSocket, the Telegram bridge, the terminal REPL and the remote watcher.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"roomchat/internal/domain"
	"roomchat/internal/room"
)

// RoomService is the room surface the transports drive. *room.Service
// implements it.
type RoomService interface {
	CreateRoom(ctx context.Context, in room.CreateRoomInput) (*domain.Room, error)
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	ListRooms(ctx context.Context, memberID string, limit int) ([]domain.Room, error)
	RenameRoom(ctx context.Context, roomID, title string) error
	DeleteRoom(ctx context.Context, roomID string) error
	AddMember(ctx context.Context, roomID, userID string) error
	PostMessage(ctx context.Context, in room.PostInput) (*domain.ChatMessage, error)
	ListMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error)
	Search(ctx context.Context, query, roomID string, limit int) ([]domain.ChatMessage, error)
	UpsertUser(ctx context.Context, u domain.User) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	BlockUser(ctx context.Context, userID string) error
	UnblockUser(ctx context.Context, userID string) error
	Preferences(ctx context.Context, userID string) (domain.Preferences, error)
	SetPreferences(ctx context.Context, userID string, prefs domain.Preferences) error
}

var _ RoomService = (*room.Service)(nil)

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// writeError maps service errors onto HTTP status codes.
func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalid):
		status = http.StatusBadRequest
	}
	writeJSON(rw, status, map[string]string{"error": err.Error()})
}
