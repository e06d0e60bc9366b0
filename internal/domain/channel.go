package domain

import "context"

// Channel is the interface for user-facing I/O (Web, WebSocket, Telegram, CLI).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, roomID string, content string) error
}
