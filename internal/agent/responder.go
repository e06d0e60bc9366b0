package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"roomchat/internal/bus"
	"roomchat/internal/domain"
	"roomchat/internal/metrics"
	"roomchat/internal/persona"
)

const (
	defaultConcurrency  = 3
	defaultHistoryLimit = 30
	defaultFallback     = "I'm experiencing technical difficulties right now. Please try again in a moment."
)

// ReplyStore is the persistence a Responder reads and writes.
type ReplyStore interface {
	domain.RoomStore
	domain.MessageStore
	domain.UserStore
	domain.NoteStore
}

// ProviderResolver resolves a provider by name for personas that pin one.
type ProviderResolver interface {
	Get(name string) (domain.Provider, error)
}

// ResponderConfig holds all dependencies and tuning parameters for the responder.
type ResponderConfig struct {
	Provider     domain.Provider
	Providers    ProviderResolver // optional
	Store        ReplyStore
	Personas     *persona.Registry
	Executor     *CommandExecutor
	Prompt       *PromptBuilder // optional
	Limiter      *RoomLimiter   // optional
	Bus          domain.MessageBus
	Events       *bus.EventBus // optional
	Logger       *slog.Logger
	Concurrency  int // rooms answered in parallel (default 3)
	HistoryLimit int
	MinDelay     time.Duration // pause between chunks of one reply
	MaxDelay     time.Duration
	Fallback     string
}

// Responder turns inbound bot turns into delivered replies: build the prompt,
// call the provider, split the reply, then run each chunk's commands and
// persist its text before moving to the next chunk.
type Responder struct {
	provider     domain.Provider
	providers    ProviderResolver
	store        ReplyStore
	personas     *persona.Registry
	executor     *CommandExecutor
	prompt       *PromptBuilder
	limiter      *RoomLimiter
	bus          domain.MessageBus
	events       *bus.EventBus
	logger       *slog.Logger
	concurrency  int
	historyLimit int
	minDelay     time.Duration
	maxDelay     time.Duration
	fallback     string

	locksMu   sync.Mutex
	roomLocks map[string]*roomLock
	inflight  sync.WaitGroup
	startedAt time.Time
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Fallback == "" {
		cfg.Fallback = defaultFallback
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder("")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRoomLimiter(0, 1)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{
		provider:     cfg.Provider,
		providers:    cfg.Providers,
		store:        cfg.Store,
		personas:     cfg.Personas,
		executor:     cfg.Executor,
		prompt:       cfg.Prompt,
		limiter:      cfg.Limiter,
		bus:          cfg.Bus,
		events:       cfg.Events,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
		historyLimit: cfg.HistoryLimit,
		minDelay:     cfg.MinDelay,
		maxDelay:     cfg.MaxDelay,
		fallback:     cfg.Fallback,
		roomLocks:    make(map[string]*roomLock),
		startedAt:    time.Now(),
	}
}

// Run consumes bot turns and processes them with bounded concurrency.
// Turns for the same room are serialised by Handle.
func (r *Responder) Run(ctx context.Context) {
	r.logger.Info("responder started", "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("responder stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, responder stopping")
				return
			}
			sem <- struct{}{}
			r.inflight.Add(1)
			go func(m domain.InboundMessage) {
				defer func() {
					<-sem
					r.inflight.Done()
				}()
				if err := r.Handle(ctx, m); err != nil {
					r.logger.Error("bot turn failed", "room", m.RoomID, "kind", m.Kind, "error", err)
				}
			}(msg)
		}
	}
}

// Wait blocks until every in-flight turn started by Run has finished.
func (r *Responder) Wait() { r.inflight.Wait() }

// roomLock serialises turns of one room. refs counts holders and waiters;
// the entry is dropped when it reaches zero.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Responder) lockRoom(roomID string) func() {
	r.locksMu.Lock()
	l, ok := r.roomLocks[roomID]
	if !ok {
		l = &roomLock{}
		r.roomLocks[roomID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.roomLocks, roomID)
		}
		r.locksMu.Unlock()
	}
}

// lockedRooms reports how many rooms currently hold a turn lock.
func (r *Responder) lockedRooms() int {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	return len(r.roomLocks)
}

// Handle produces and delivers one bot turn synchronously.
func (r *Responder) Handle(ctx context.Context, msg domain.InboundMessage) error {
	unlock := r.lockRoom(msg.RoomID)
	defer unlock()

	room, err := r.store.GetRoom(ctx, msg.RoomID)
	if err != nil {
		return fmt.Errorf("load room: %w", err)
	}
	if room == nil || room.BotID == "" {
		r.logger.Debug("no bot in room, ignoring turn", "room", msg.RoomID)
		return nil
	}
	bot, ok := r.personas.Get(room.BotID)
	if !ok {
		r.logger.Warn("room bot has no persona", "room", room.ID, "bot", room.BotID)
		return nil
	}

	if msg.Kind != domain.InboundNudge {
		sender, err := r.store.GetUser(ctx, msg.SenderID)
		if err != nil {
			return fmt.Errorf("load sender: %w", err)
		}
		if sender != nil && (sender.Blocked || sender.IsBot) {
			r.logger.Info("not answering sender", "room", room.ID, "sender", sender.ID, "blocked", sender.Blocked)
			return nil
		}
		if cmd := ParseCommand(msg.Content); cmd != nil {
			if res := r.HandleCommand(ctx, cmd, room, bot); res.Handled {
				return r.Deliver(ctx, msg.Channel, room, bot, res.Response)
			}
		}
	}

	if !r.limiter.Allow(room.ID) {
		metrics.RateLimited.Inc()
		r.logger.Warn("room rate limit reached, skipping bot turn", "room", room.ID)
		return nil
	}

	reply := r.complete(ctx, msg, room, bot)
	return r.Deliver(ctx, msg.Channel, room, bot, reply)
}

// resolveProvider returns the persona's pinned provider, or the default.
func (r *Responder) resolveProvider(bot persona.Persona) domain.Provider {
	if bot.Provider != "" && r.providers != nil {
		if p, err := r.providers.Get(bot.Provider); err == nil {
			return p
		}
		r.logger.Warn("persona provider not available, using default", "persona", bot.Name, "provider", bot.Provider)
	}
	return r.provider
}

// complete asks the model for a reply. Any failure yields the fallback text.
func (r *Responder) complete(ctx context.Context, msg domain.InboundMessage, room *domain.Room, bot persona.Persona) string {
	history, err := r.store.ListMessages(ctx, room.ID, r.historyLimit)
	if err != nil {
		r.logger.Warn("failed to load history, continuing without it", "room", room.ID, "error", err)
		history = nil
	}
	notes, err := r.store.ListNotes(ctx, room.ID)
	if err != nil {
		r.logger.Warn("failed to load room notes", "room", room.ID, "error", err)
		notes = nil
	}

	req := domain.ChatRequest{
		System:      r.prompt.BuildSystemPrompt(bot, room, notes, bot.AllowedCommands),
		Messages:    r.prompt.BuildMessages(history, bot.UserID()),
		Model:       bot.Model,
		Temperature: bot.Temperature,
	}
	if msg.Kind == domain.InboundNudge {
		req.Messages = append(req.Messages, domain.Message{Role: "user", Content: msg.Content})
	}
	if len(req.Messages) == 0 {
		req.Messages = []domain.Message{{Role: "user", Content: "(the room is empty; say hello)"}}
	}

	provider := r.resolveProvider(bot)
	if provider == nil {
		return r.fail(room.ID, "", errors.New("no provider configured"))
	}

	start := time.Now()
	resp, err := provider.Chat(ctx, req)
	metrics.CompletionLatency.ObserveSince(start)
	if err != nil {
		return r.fail(room.ID, provider.Name(), err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return r.fail(room.ID, provider.Name(), errors.New("empty completion"))
	}

	r.logger.Info("completion received",
		"room", room.ID,
		"provider", provider.Name(),
		"tokens", resp.Usage.TotalTokens,
		"latency", time.Since(start),
	)
	return resp.Content
}

func (r *Responder) fail(roomID, provider string, err error) string {
	metrics.CompletionFailures.Inc()
	r.logger.Error("completion failed, sending fallback", "room", roomID, "provider", provider, "error", err)
	r.emit(bus.EventProviderError, map[string]any{"room_id": roomID, "provider": provider, "error": err.Error()})
	return r.fallback
}

// Deliver splits text into chunks and delivers them in order. For each chunk
// the embedded commands run first, then its notes are saved, then its
// visible text is persisted and routed to channel.
func (r *Responder) Deliver(ctx context.Context, channel string, room *domain.Room, bot persona.Persona, text string) error {
	chunks := SplitMessage(text)
	scope := Scope{Actor: bot.Name, RoomID: room.ID, Allowed: bot.AllowedCommands}
	sender := bot.User()

	for i, chunk := range chunks {
		if i > 0 {
			if err := r.pause(ctx); err != nil {
				return err
			}
		}

		ext := ExtractCommands(chunk)
		roomGone := false
		if ext.ContainedCommands && r.executor != nil {
			for _, rep := range r.executor.ExecuteAll(ctx, scope, ext.Commands) {
				recordOutcome(rep.Outcome)
				if rep.Outcome == OutcomeApplied && rep.Command.Command == CmdDeleteRoom &&
					strings.TrimSpace(rep.Command.Params) == room.ID {
					roomGone = true
				}
			}
		}
		if roomGone {
			r.logger.Info("bot deleted its own room, ending reply", "room", room.ID, "chunk", i)
			return nil
		}

		for _, meta := range ext.MetaCommands {
			note := domain.RoomNote{RoomID: room.ID, Key: meta.Key, Value: meta.Value}
			if err := r.store.SetNote(ctx, note); err != nil {
				r.logger.Warn("failed to save room note", "room", room.ID, "key", meta.Key, "error", err)
				continue
			}
			r.emit(bus.EventNoteUpdated, map[string]any{"room_id": room.ID, "key": meta.Key})
		}

		if ext.ProcessedMessage == "" {
			continue
		}
		saved, err := r.store.AppendMessage(ctx, domain.ChatMessage{
			RoomID:      room.ID,
			SenderID:    sender.ID,
			DisplayName: sender.DisplayName,
			AvatarURL:   sender.AvatarURL,
			Text:        ext.ProcessedMessage,
			IsBot:       true,
		})
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Info("room no longer exists, dropping rest of reply", "room", room.ID, "chunk", i)
			return nil
		}
		if err != nil {
			return fmt.Errorf("persist chunk %d: %w", i, err)
		}
		metrics.ChunksTotal.Inc()
		r.emit(bus.EventMessageCreated, map[string]any{
			"room_id":    room.ID,
			"message_id": saved.ID,
			"sender_id":  sender.ID,
			"is_bot":     true,
		})
		r.bus.SendOutbound(domain.OutboundMessage{
			Channel:    channel,
			RoomID:     room.ID,
			SenderID:   sender.ID,
			Content:    ext.ProcessedMessage,
			ChunkIndex: i,
			ChunkCount: len(chunks),
		})
	}

	metrics.RepliesTotal.Inc()
	r.emit(bus.EventReplyDelivered, map[string]any{"room_id": room.ID, "chunks": len(chunks)})
	return nil
}

func recordOutcome(o Outcome) {
	switch o {
	case OutcomeApplied:
		metrics.CommandsExecuted.Inc()
	case OutcomeFailed:
		metrics.CommandsFailed.Inc()
	case OutcomeDenied:
		metrics.CommandsDenied.Inc()
	}
}

// pause waits a jittered delay between chunks so replies read like typing.
func (r *Responder) pause(ctx context.Context) error {
	d := r.minDelay
	if spread := r.maxDelay - r.minDelay; spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread)))
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Responder) emit(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "responder", Payload: payload})
}
