// Package bus holds the in-process plumbing: the bot-turn queue with
// per-channel reply routing, the internal event bus, and live queries.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"roomchat/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus queues bot turns for the responder and routes delivered reply
// chunks back to the channel the turn came from.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	handlers map[string][]func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

var _ domain.MessageBus = (*InMemoryBus)(nil)

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		handlers: make(map[string][]func(domain.OutboundMessage)),
		logger:   logger,
	}
}

// Publish blocks up to publishTimeout if the queue is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "room", msg.RoomID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound queue full, waiting", "channel", msg.Channel, "room", msg.RoomID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
		case <-timer.C:
			b.logger.Error("bot turn dropped: queue full",
				"channel", msg.Channel,
				"room", msg.RoomID,
				"sender", msg.SenderID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound hands a delivered chunk to every handler of its channel and
// to the "*" handlers. Channels that read rooms through live queries
// register no handler.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handlers := append(append([]func(domain.OutboundMessage){}, b.handlers[msg.Channel]...), b.handlers["*"]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no outbound handler for channel", "channel", msg.Channel, "room", msg.RoomID)
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = append(b.handlers[channelName], handler)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
