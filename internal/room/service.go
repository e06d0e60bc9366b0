// Package room implements the chat room operations shared by every transport.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"roomchat/internal/bus"
	"roomchat/internal/domain"
	"roomchat/internal/metrics"
	"roomchat/internal/persona"
)

const (
	maxTitleRunes   = 100
	maxMessageRunes = 4000
	defaultLimit    = 50
	maxLimit        = 500
)

// Store is the persistence the service needs.
type Store interface {
	domain.RoomStore
	domain.MessageStore
	domain.UserStore
}

type Config struct {
	Store    Store
	Events   *bus.EventBus
	Bus      domain.MessageBus // receives bot turns; optional
	Personas *persona.Registry // optional; validates bot names
	Logger   *slog.Logger
}

// Service owns room, message and user mutations. Every mutation emits an
// event on the event bus.
type Service struct {
	store    Store
	events   *bus.EventBus
	bus      domain.MessageBus
	personas *persona.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		events:   cfg.Events,
		bus:      cfg.Bus,
		personas: cfg.Personas,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateRoomInput struct {
	ID        string   `json:"id,omitempty"`
	Title     string   `json:"title"`
	CreatedBy string   `json:"created_by"`
	Members   []string `json:"members,omitempty"`
	Bot       string   `json:"bot,omitempty"` // persona name; empty for a human-only room
}

func (s *Service) CreateRoom(ctx context.Context, in CreateRoomInput) (*domain.Room, error) {
	title, err := cleanTitle(in.Title)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, fmt.Errorf("room creator is required: %w", domain.ErrInvalid)
	}

	room := domain.Room{
		ID:        strings.TrimSpace(in.ID),
		Title:     title,
		CreatedBy: in.CreatedBy,
		CreatedAt: s.now(),
	}
	if room.ID == "" {
		room.ID = uuid.New().String()
	}

	members := []string{in.CreatedBy}
	if in.Bot != "" {
		botID, err := s.resolveBot(ctx, in.Bot)
		if err != nil {
			return nil, err
		}
		room.BotID = botID
		members = append(members, botID)
	}
	for _, m := range in.Members {
		if m = strings.TrimSpace(m); m != "" && !slices.Contains(members, m) {
			members = append(members, m)
		}
	}
	room.Members = members

	if err := s.ensureUser(ctx, in.CreatedBy); err != nil {
		return nil, err
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	s.logger.Info("room created", "room", room.ID, "bot", room.BotID, "members", len(members))
	s.emit(bus.EventRoomCreated, map[string]any{"room_id": room.ID, "title": room.Title, "bot_id": room.BotID})
	return s.GetRoom(ctx, room.ID)
}

// resolveBot returns the bot user id for a persona name.
func (s *Service) resolveBot(ctx context.Context, name string) (string, error) {
	if s.personas == nil {
		return "", fmt.Errorf("no personas configured: %w", domain.ErrInvalid)
	}
	p, ok := s.personas.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown bot %q: %w", name, domain.ErrInvalid)
	}
	if err := s.store.UpsertUser(ctx, p.User()); err != nil {
		return "", fmt.Errorf("upsert bot user: %w", err)
	}
	return p.UserID(), nil
}

// GetRoom returns the room or ErrNotFound.
func (s *Service) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	return room, nil
}

// ListRooms returns the rooms of memberID (all rooms when empty), most recently active first.
func (s *Service) ListRooms(ctx context.Context, memberID string, limit int) ([]domain.Room, error) {
	return s.store.ListRooms(ctx, memberID, clampLimit(limit))
}

func (s *Service) RenameRoom(ctx context.Context, roomID, title string) error {
	title, err := cleanTitle(title)
	if err != nil {
		return err
	}
	if err := s.store.UpdateRoomTitle(ctx, roomID, title); err != nil {
		return fmt.Errorf("rename room: %w", err)
	}
	s.logger.Info("room renamed", "room", roomID, "title", title)
	s.emit(bus.EventRoomUpdated, map[string]any{"room_id": roomID, "title": title})
	return nil
}

// DeleteRoom removes the room together with its messages.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.logger.Info("room deleted", "room", roomID)
	s.emit(bus.EventRoomDeleted, map[string]any{"room_id": roomID})
	return nil
}

func (s *Service) AddMember(ctx context.Context, roomID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("member id is required: %w", domain.ErrInvalid)
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.ensureUser(ctx, userID); err != nil {
		return err
	}
	if err := s.store.AddMember(ctx, roomID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	s.emit(bus.EventMemberAdded, map[string]any{"room_id": roomID, "user_id": userID})
	return nil
}

func (s *Service) Members(ctx context.Context, roomID string) ([]string, error) {
	return s.store.ListMembers(ctx, roomID)
}

type PostInput struct {
	RoomID       string `json:"room_id"`
	SenderID     string `json:"sender_id"`
	Text         string `json:"text"`
	AttachmentID string `json:"attachment_id,omitempty"`
	GifURL       string `json:"gif_url,omitempty"`
	Channel      string `json:"-"` // transport the message arrived on; bot replies are routed back there
}

// PostMessage persists a human message. In a bot room the message is also
// handed to the responder, unless the sender is blocked.
func (s *Service) PostMessage(ctx context.Context, in PostInput) (*domain.ChatMessage, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.AttachmentID == "" && in.GifURL == "" {
		return nil, fmt.Errorf("message is empty: %w", domain.ErrInvalid)
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, fmt.Errorf("message longer than %d characters: %w", maxMessageRunes, domain.ErrInvalid)
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return nil, fmt.Errorf("sender is required: %w", domain.ErrInvalid)
	}

	room, err := s.GetRoom(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUser(ctx, in.SenderID); err != nil {
		return nil, err
	}
	sender, err := s.GetUser(ctx, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(room.Members, sender.ID) {
		if err := s.store.AddMember(ctx, room.ID, sender.ID); err != nil {
			return nil, fmt.Errorf("add member: %w", err)
		}
		s.emit(bus.EventMemberAdded, map[string]any{"room_id": room.ID, "user_id": sender.ID})
	}

	msg, err := s.store.AppendMessage(ctx, domain.ChatMessage{
		RoomID:       room.ID,
		SenderID:     sender.ID,
		DisplayName:  sender.DisplayName,
		AvatarURL:    sender.AvatarURL,
		Text:         text,
		AttachmentID: in.AttachmentID,
		GifURL:       in.GifURL,
		IsBot:        sender.IsBot,
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesTotal.Inc()
	s.emit(bus.EventMessageCreated, map[string]any{"room_id": room.ID, "message_id": msg.ID, "sender_id": sender.ID, "is_bot": sender.IsBot})

	switch {
	case room.BotID == "" || sender.IsBot || s.bus == nil:
	case sender.Blocked:
		s.logger.Info("ignoring message from blocked user", "room", room.ID, "user", sender.ID)
	default:
		s.bus.Publish(domain.InboundMessage{
			Kind:      domain.InboundChat,
			Channel:   in.Channel,
			RoomID:    room.ID,
			SenderID:  sender.ID,
			MessageID: msg.ID,
			Content:   text,
			Timestamp: msg.CreatedAt,
		})
	}
	return &msg, nil
}

// ListMessages returns the latest messages of a room, oldest first.
func (s *Service) ListMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, roomID, clampLimit(limit))
}

// Search finds messages whose text contains query, case-insensitively.
// An empty roomID searches every room.
func (s *Service) Search(ctx context.Context, query, roomID string, limit int) ([]domain.ChatMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty: %w", domain.ErrInvalid)
	}
	return s.store.SearchMessages(ctx, query, roomID, clampLimit(limit))
}

// UpsertUser creates or updates a user profile. Blocked state and
// preferences of an existing user are left unchanged.
func (s *Service) UpsertUser(ctx context.Context, u domain.User) (*domain.User, error) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalid)
	}
	if strings.TrimSpace(u.DisplayName) == "" {
		u.DisplayName = u.ID
	}
	if u.Preferences.Theme == "" {
		u.Preferences = defaultPreferences()
	}
	if err := s.store.UpsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	s.emit(bus.EventUserUpdated, map[string]any{"user_id": u.ID})
	return s.GetUser(ctx, u.ID)
}

// GetUser returns the user or ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

// BlockUser marks the user blocked. Bots ignore blocked users.
func (s *Service) BlockUser(ctx context.Context, userID string) error {
	return s.setBlocked(ctx, userID, true)
}

func (s *Service) UnblockUser(ctx context.Context, userID string) error {
	return s.setBlocked(ctx, userID, false)
}

func (s *Service) setBlocked(ctx context.Context, userID string, blocked bool) error {
	if err := s.store.SetBlocked(ctx, userID, blocked, s.now()); err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	s.logger.Info("user block state changed", "user", userID, "blocked", blocked)
	s.emit(bus.EventUserUpdated, map[string]any{"user_id": userID, "blocked": blocked})
	return nil
}

var themes = []string{"light", "dark", "system"}

func defaultPreferences() domain.Preferences {
	return domain.Preferences{Theme: "system", Notifications: true}
}

func (s *Service) Preferences(ctx context.Context, userID string) (domain.Preferences, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return domain.Preferences{}, err
	}
	return u.Preferences, nil
}

func (s *Service) SetPreferences(ctx context.Context, userID string, prefs domain.Preferences) error {
	if !slices.Contains(themes, prefs.Theme) {
		return fmt.Errorf("theme must be one of %v: %w", themes, domain.ErrInvalid)
	}
	if err := s.store.SetPreferences(ctx, userID, prefs); err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	s.emit(bus.EventUserUpdated, map[string]any{"user_id": userID, "theme": prefs.Theme})
	return nil
}

// ensureUser creates a bare user record the first time an id is seen.
func (s *Service) ensureUser(ctx context.Context, id string) error {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if u != nil {
		return nil
	}
	if err := s.store.UpsertUser(ctx, domain.User{ID: id, DisplayName: id, Preferences: defaultPreferences()}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Service) emit(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(bus.Event{Type: eventType, Source: "room", Payload: payload})
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("room title is required: %w", domain.ErrInvalid)
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return "", fmt.Errorf("room title longer than %d characters: %w", maxTitleRunes, domain.ErrInvalid)
	}
	return title, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}
