package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roomchat/internal/domain"
	"roomchat/internal/room"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramRoomPrefix     = "tg-"
)

// Telegram bridges Telegram chats into rooms. Chat 42 becomes room "tg-42"
// with the configured bot persona; the bot's reply chunks are sent back in order.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	parseMode string
	persona   string

	bot    *tgbotapi.BotAPI
	rooms  RoomService
	logger *slog.Logger

	knownUsers sync.Map // user id -> struct{}
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string
	Persona   string // bot answering in Telegram rooms
	Rooms     RoomService
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		persona:   cfg.Persona,
		rooms:     cfg.Rooms,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// TelegramRoomID returns the room id of a Telegram chat.
func TelegramRoomID(chatID int64) string {
	return telegramRoomPrefix + strconv.FormatInt(chatID, 10)
}

// telegramChatID parses a room id produced by TelegramRoomID.
func telegramChatID(roomID string) (int64, bool) {
	rest, ok := strings.CutPrefix(roomID, telegramRoomPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	// Replies to turns started elsewhere (nudges, other transports) are
	// forwarded too, so every chunk of a Telegram room reaches the chat.
	bus.OnOutbound("*", func(msg domain.OutboundMessage) {
		chatID, ok := telegramChatID(msg.RoomID)
		if !ok {
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context is
// cancelled and panics if called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, roomID string, content string) error {
	id, ok := telegramChatID(roomID)
	if !ok {
		return fmt.Errorf("room %s is not a telegram room: %w", roomID, domain.ErrInvalid)
	}
	t.sendMessage(id, content)
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	from := update.Message.From
	chatID := update.Message.Chat.ID

	if !t.isAllowed(from.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", from.ID,
			"username", from.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	if update.Message.IsCommand() {
		if update.Message.Command() == "start" {
			t.sendMessage(chatID, "Hello! Send me a message and the room bot will answer. Type /help for commands.")
			return
		}
		// Drop the @botname suffix so room commands parse.
		text = strings.TrimSpace("/" + update.Message.Command() + " " + update.Message.CommandArguments())
	}

	roomID, err := t.ensureRoom(ctx, update.Message.Chat, from)
	if err != nil {
		t.logger.Error("telegram room setup failed", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, "Sorry, this chat could not be opened.")
		return
	}

	t.logger.Info("telegram message received",
		"user_id", from.ID,
		"room", roomID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	_, err = t.rooms.PostMessage(ctx, room.PostInput{
		RoomID:   roomID,
		SenderID: telegramUserID(from.ID),
		Text:     text,
		Channel:  "telegram",
	})
	if err != nil {
		t.logger.Warn("telegram message rejected", "room", roomID, "err", err)
		if errors.Is(err, domain.ErrInvalid) {
			t.sendMessage(chatID, "Message rejected: "+err.Error())
		}
	}
}

func telegramUserID(id int64) string {
	return "tg:" + strconv.FormatInt(id, 10)
}

// ensureRoom returns the room of a chat, creating it and the sender's
// profile on first contact.
func (t *Telegram) ensureRoom(ctx context.Context, chat *tgbotapi.Chat, from *tgbotapi.User) (string, error) {
	userID := telegramUserID(from.ID)
	if _, seen := t.knownUsers.Load(userID); !seen {
		name := strings.TrimSpace(from.FirstName + " " + from.LastName)
		if name == "" {
			name = from.UserName
		}
		if _, err := t.rooms.UpsertUser(ctx, domain.User{ID: userID, DisplayName: name}); err != nil {
			return "", err
		}
		t.knownUsers.Store(userID, struct{}{})
	}

	roomID := TelegramRoomID(chat.ID)
	_, err := t.rooms.GetRoom(ctx, roomID)
	if err == nil {
		return roomID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	title := chat.Title
	if title == "" && from.UserName != "" {
		title = "Telegram @" + from.UserName
	}
	if title == "" {
		title = "Telegram " + strconv.FormatInt(chat.ID, 10)
	}
	if r := []rune(title); len(r) > 100 {
		title = string(r[:100])
	}
	if _, err := t.rooms.CreateRoom(ctx, room.CreateRoomInput{
		ID:        roomID,
		Title:     title,
		CreatedBy: userID,
		Bot:       t.persona,
	}); err != nil {
		return "", err
	}
	return roomID, nil
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitTelegram(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// splitTelegram cuts text into pieces of at most maxLen bytes, preferring
// newlines and never splitting a UTF-8 sequence.
func splitTelegram(text string, maxLen int) []string {
	var out []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			out = append(out, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		out = append(out, text[:cutAt])
		text = text[cutAt:]
	}
	return out
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Markdown is tried first; a parse error falls back to plain text.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		// Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
