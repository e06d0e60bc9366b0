package bus

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Event is a store mutation or notification published inside the process.
type Event struct {
	Type      string         // e.g. "message.created", "room.deleted", "command.failed"
	Source    string         // originating component
	Payload   map[string]any // room_id, message_id, user_id, ...
	Timestamp time.Time
	Seq       uint64 // assigned by Emit, increasing per bus
}

// PayloadString reads a string field from an event payload.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// InRoom reports whether the event concerns roomID. An empty roomID matches
// every event.
func (e Event) InRoom(roomID string) bool {
	return roomID == "" || e.PayloadString("room_id") == roomID
}

// EventHandler is a callback for events.
type EventHandler func(Event)

const defaultMaxHistory = 1000

// EventBus is a topic pub/sub for store mutations and notifications.
// Handlers registered under "*" receive every event. The most recent events
// are kept for replay.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	logger     *slog.Logger
	history    []Event
	maxHistory int
	seq        uint64
}

type namedHandler struct {
	id      string
	handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: defaultMaxHistory,
	}
}

// On registers a handler for the given event type and returns its ID.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = slices.DeleteFunc(eb.handlers[eventType], func(h namedHandler) bool {
		return h.id == handlerID
	})
}

// Watch registers handler for several event types, calling it only for
// events in roomID (all rooms when empty). The returned func unregisters it.
func (eb *EventBus) Watch(types []string, roomID string, handler EventHandler) (stop func()) {
	ids := make([]string, len(types))
	for i, t := range types {
		ids[i] = eb.On(t, func(e Event) {
			if e.InRoom(roomID) {
				handler(e)
			}
		})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i, t := range types {
				eb.Off(t, ids[i])
			}
		})
	}
}

// Emit records the event and calls every matching handler synchronously.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.seq++
	event.Seq = eb.seq
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.dispatch(event, h)
	}
}

func (eb *EventBus) dispatch(event Event, h namedHandler) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(event)
}

// Replay returns recorded events of the given types (all types when empty)
// emitted at or after since, limited to roomID when it is set.
func (eb *EventBus) Replay(types []string, roomID string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) || !e.InRoom(roomID) {
			continue
		}
		if len(types) == 0 || slices.Contains(types, e.Type) {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventRoomCreated    = "room.created"
	EventRoomUpdated    = "room.updated"
	EventRoomDeleted    = "room.deleted"
	EventMemberAdded    = "room.member_added"
	EventMessageCreated = "message.created"
	EventUserUpdated    = "user.updated"
	EventNoteUpdated    = "note.updated"
	EventCommandFailed  = "command.failed"
	EventProviderError  = "provider.error"
	EventReplyDelivered = "reply.delivered"
)
