package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"roomchat/internal/bus"
	"roomchat/internal/domain"
)

const defaultNudgePrompt = "Nobody has said anything here for a while. Send one short, friendly message to restart the conversation."

// NeglectConfig configures quiet-room nudges.
type NeglectConfig struct {
	Enabled       bool
	After         time.Duration // silence before a nudge
	CheckInterval time.Duration
	Prompt        string
	Logger        *slog.Logger
}

// Neglect periodically looks for bot rooms that have gone quiet and asks the
// bot to speak up. A room is nudged at most once until a human writes again.
type Neglect struct {
	enabled  bool
	after    time.Duration
	interval time.Duration
	prompt   string
	rooms    domain.RoomStore
	bus      domain.MessageBus
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	nudged map[string]bool
}

func NewNeglect(cfg NeglectConfig, rooms domain.RoomStore, msgBus domain.MessageBus, events *bus.EventBus) *Neglect {
	if cfg.After <= 0 {
		cfg.After = 60 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultNudgePrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Neglect{
		enabled:  cfg.Enabled,
		after:    cfg.After,
		interval: cfg.CheckInterval,
		prompt:   cfg.Prompt,
		rooms:    rooms,
		bus:      msgBus,
		logger:   cfg.Logger,
		now:      time.Now,
		nudged:   make(map[string]bool),
	}
	if events != nil {
		events.On(bus.EventMessageCreated, n.onMessage)
	}
	return n
}

// onMessage re-arms the nudge for a room once a human writes in it.
func (n *Neglect) onMessage(e bus.Event) {
	if isBot, _ := e.Payload["is_bot"].(bool); isBot {
		return
	}
	n.mu.Lock()
	delete(n.nudged, e.PayloadString("room_id"))
	n.mu.Unlock()
}

// Start runs the check loop. Blocks until context is cancelled.
func (n *Neglect) Start(ctx context.Context) {
	if !n.enabled {
		return
	}
	n.logger.Info("neglect nudges started", "after", n.after, "interval", n.interval)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("neglect nudges stopped")
			return
		case <-ticker.C:
			n.Check(ctx)
		}
	}
}

// Check publishes a nudge turn for every quiet bot room. It returns the
// number of rooms nudged.
func (n *Neglect) Check(ctx context.Context) int {
	now := n.now()
	rooms, err := n.rooms.QuietBotRooms(ctx, now.Add(-n.after))
	if err != nil {
		n.logger.Warn("neglect check failed", "error", err)
		return 0
	}

	count := 0
	for _, room := range rooms {

		n.mu.Lock()
		already := n.nudged[room.ID]
		n.nudged[room.ID] = true
		n.mu.Unlock()
		if already {
			continue
		}

		n.bus.Publish(domain.InboundMessage{
			Kind:      domain.InboundNudge,
			RoomID:    room.ID,
			Content:   n.prompt,
			Timestamp: now,
		})
		n.logger.Debug("nudge sent", "room", room.ID)
		count++
	}
	return count
}
