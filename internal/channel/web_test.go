package channel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/attachment"
	"roomchat/internal/bus"
	"roomchat/internal/config"
	"roomchat/internal/domain"
	"roomchat/internal/persona"
	"roomchat/internal/room"
	"roomchat/internal/store"
)

type webFixture struct {
	web    *Web
	rooms  *room.Service
	live   *bus.LiveQuery
	events *bus.EventBus
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebFixture(t *testing.T, auth config.WebAuth) *webFixture {
	t.Helper()
	logger := testLogger()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "web.db"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	events := bus.NewEventBus(logger)
	msgBus := bus.New(64, logger)
	t.Cleanup(msgBus.Close)

	personas := persona.NewRegistry(logger)
	personas.RegisterBuiltins()

	rooms := room.New(room.Config{Store: st, Events: events, Bus: msgBus, Personas: personas, Logger: logger})
	live := bus.NewLiveQuery(bus.LiveQueryConfig{Rooms: st, Messages: st, Events: events, Logger: logger})
	t.Cleanup(live.Close)

	attachments, err := attachment.New(attachment.Config{Dir: t.TempDir(), MaxSizeBytes: 1 << 20, Store: st, Logger: logger})
	require.NoError(t, err)

	w := NewWeb(WebConfig{
		Auth:        auth,
		Version:     "0.1.0",
		Rooms:       rooms,
		Live:        live,
		Events:      events,
		Attachments: attachments,
		Personas:    personas,
		MetricsPath: "/metrics",
		Logger:      logger,
	})
	return &webFixture{web: w, rooms: rooms, live: live, events: events}
}

func (f *webFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.web.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus_ReturnsJSON(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodGet, "/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
	status := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, "0.1.0", status["version"])
}

func TestRooms_Lifecycle(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodPost, "/api/rooms", map[string]any{"title": "Lobby", "created_by": "alice", "bot": "assistant"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.Room](t, rec)
	assert.Equal(t, "bot:assistant", created.BotID)
	assert.Contains(t, created.Members, "alice")

	rec = f.do(t, http.MethodPatch, "/api/rooms/"+created.ID, map[string]any{"title": "Hall"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Hall", decode[domain.Room](t, rec).Title)

	rec = f.do(t, http.MethodGet, "/api/rooms?member=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Room](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/api/rooms/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/rooms/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "not found")
}

func TestRooms_CreateValidation(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodPost, "/api/rooms", map[string]any{"title": "", "created_by": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/rooms", map[string]any{"title": "x", "created_by": "alice", "bot": "nobody"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	f.web.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostMessage_JSON(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	rm, err := f.rooms.CreateRoom(context.Background(), room.CreateRoomInput{Title: "Plain", CreatedBy: "alice"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/messages", map[string]any{"sender_id": "alice", "text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/messages", map[string]any{"sender_id": "bob", "text": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "hello", decode[domain.ChatMessage](t, rec).Text)

	rec = f.do(t, http.MethodGet, "/api/rooms/"+rm.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]domain.ChatMessage](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].SenderID)

	rec = f.do(t, http.MethodGet, "/api/search?q=HELL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.ChatMessage](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/rooms/missing/messages", map[string]any{"sender_id": "bob", "text": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessage_MultipartAttachment(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	rm, err := f.rooms.CreateRoom(context.Background(), room.CreateRoomInput{Title: "Files", CreatedBy: "alice"})
	require.NoError(t, err)

	body := &bytes.Buffer{}
	mp := multipart.NewWriter(body)
	require.NoError(t, mp.WriteField("sender_id", "alice"))
	require.NoError(t, mp.WriteField("text", "see attached"))
	part, err := mp.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="a.txt"`},
		"Content-Type":        {"text/plain"},
	})
	require.NoError(t, err)
	_, _ = part.Write([]byte("file body"))
	require.NoError(t, mp.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/"+rm.ID+"/messages", body)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	rec := httptest.NewRecorder()
	f.web.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[domain.ChatMessage](t, rec)
	require.NotEmpty(t, msg.AttachmentID)

	rec = f.do(t, http.MethodGet, "/attachments/"+msg.AttachmentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "file body", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "a.txt")

	rec = f.do(t, http.MethodGet, "/attachments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsers_PreferencesAndBlock(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodPost, "/api/users", map[string]any{"id": "carol", "display_name": "Carol"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "system", decode[domain.User](t, rec).Preferences.Theme)

	rec = f.do(t, http.MethodPut, "/api/users/carol/preferences", map[string]any{"theme": "neon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/users/carol/preferences", map[string]any{"theme": "dark", "notifications": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/users/carol/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.Preferences{Theme: "dark", Notifications: false}, decode[domain.Preferences](t, rec))

	rec = f.do(t, http.MethodPost, "/api/users/carol/block", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/users/carol", nil)
	assert.True(t, decode[domain.User](t, rec).Blocked)

	rec = f.do(t, http.MethodDelete, "/api/users/carol/block", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/users/carol", nil)
	assert.False(t, decode[domain.User](t, rec).Blocked)

	rec = f.do(t, http.MethodGet, "/api/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBots_ListsPersonas(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodGet, "/api/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bots := decode[[]map[string]any](t, rec)
	require.NotEmpty(t, bots)
	assert.Equal(t, persona.DefaultName, bots[0]["name"])
	assert.Equal(t, "bot:"+persona.DefaultName, bots[0]["user_id"])
}

func TestBasicAuth(t *testing.T) {
	sum := sha256.Sum256([]byte("secret"))
	f := newWebFixture(t, config.WebAuth{Enabled: true, Username: "admin", PasswordHash: hex.EncodeToString(sum[:])})

	rec := f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "status stays public")

	rec = f.do(t, http.MethodGet, "/api/bots", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	for _, tc := range []struct {
		user, pass string
		want       int
	}{
		{"admin", "wrong", http.StatusUnauthorized},
		{"root", "secret", http.StatusUnauthorized},
		{"admin", "secret", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		rr := httptest.NewRecorder()
		f.web.Handler().ServeHTTP(rr, req)
		assert.Equal(t, tc.want, rr.Code, tc.user+"/"+tc.pass)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "roomchat_messages_total")
}

func TestEvents_RejectsUnknownStream(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodGet, "/events?stream=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/events?stream=room:missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_RoomStreamSendsSnapshots(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	ctx := context.Background()
	rm, err := f.rooms.CreateRoom(ctx, room.CreateRoomInput{Title: "Live", CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = f.rooms.PostMessage(ctx, room.PostInput{RoomID: rm.ID, SenderID: "alice", Text: "first"})
	require.NoError(t, err)

	srv := httptest.NewServer(f.web.Handler())
	defer srv.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/events?stream=room:"+rm.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	snap := readSnapshot(t, reader)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "first", snap.Messages[0].Text)

	_, err = f.rooms.PostMessage(ctx, room.PostInput{RoomID: rm.ID, SenderID: "bob", Text: "second"})
	require.NoError(t, err)
	snap = readSnapshot(t, reader)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "second", snap.Messages[1].Text)

	require.NoError(t, f.rooms.DeleteRoom(ctx, rm.ID))
	snap = readSnapshot(t, reader)
	assert.True(t, snap.Deleted)
}

func TestEvents_NotificationsReplayAndLive(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})

	rec := f.do(t, http.MethodGet, "/events?stream=notifications&since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.events.Emit(bus.Event{Type: bus.EventCommandFailed, Payload: map[string]any{"room_id": "r1", "command": "delete-room"}})
	f.events.Emit(bus.Event{Type: bus.EventCommandFailed, Payload: map[string]any{"room_id": "r2", "command": "delete-room"}})

	srv := httptest.NewServer(f.web.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	since := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?stream=notifications:r1&since="+since, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := readNotification(t, reader)
	assert.Equal(t, bus.EventCommandFailed, first["type"])

	f.events.Emit(bus.Event{Type: bus.EventProviderError, Payload: map[string]any{"room_id": "r1"}})
	second := readNotification(t, reader)
	assert.Equal(t, bus.EventProviderError, second["type"])
	assert.Equal(t, "r1", second["payload"].(map[string]any)["room_id"])
}

func TestNotificationStream_ReplayedEventNotRepeated(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	since := time.Now().Add(-time.Minute)

	stream := watchNotifications(events, "r1")
	defer stream.stop()

	// Lands in the live queue and in history before the replay runs.
	events.Emit(bus.Event{Type: bus.EventCommandFailed, Payload: map[string]any{"room_id": "r1"}})

	history := stream.replay(events, "r1", since)
	require.Len(t, history, 1)

	queued := <-stream.ch
	assert.Equal(t, history[0].Seq, queued.Seq)
	assert.False(t, stream.fresh(queued), "replayed event must not be sent twice")

	events.Emit(bus.Event{Type: bus.EventProviderError, Payload: map[string]any{"room_id": "r1"}})
	assert.True(t, stream.fresh(<-stream.ch))
}

// readNotification reads SSE lines until the next notification event.
func readNotification(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			var v map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &v))
			return v
		}
	}
}

// readSnapshot reads SSE lines until the next snapshot event.
func readSnapshot(t *testing.T, r *bufio.Reader) domain.Snapshot {
	t.Helper()
	var event string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "snapshot":
			var snap domain.Snapshot
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
			return snap
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatcher_PrintsMessagesUntilRoomDeleted(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	ctx := context.Background()
	rm, err := f.rooms.CreateRoom(ctx, room.CreateRoomInput{Title: "Watched", CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = f.rooms.PostMessage(ctx, room.PostInput{RoomID: rm.ID, SenderID: "alice", Text: "hello watcher"})
	require.NoError(t, err)

	srv := httptest.NewServer(f.web.Handler())
	defer srv.Close()

	out := &syncBuffer{}
	w := NewWatcher(WatchConfig{BaseURL: srv.URL, RoomID: rm.ID, Out: out, Logger: testLogger()})

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "hello watcher") }, 5*time.Second, 20*time.Millisecond)

	_, err = f.rooms.PostMessage(ctx, room.PostInput{RoomID: rm.ID, SenderID: "bob", Text: "second line"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "second line") }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.rooms.DeleteRoom(ctx, rm.ID))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after room deletion")
	}
	assert.Contains(t, out.String(), "was deleted")
	assert.Equal(t, 1, strings.Count(out.String(), "hello watcher"), "messages are printed once")
}

func TestSplitTelegram(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitTelegram("short", 10))

	parts := splitTelegram("aaaaaaa\nbbbbbbb", 10)
	assert.Equal(t, []string{"aaaaaaa", "\nbbbbbbb"}, parts)

	parts = splitTelegram(strings.Repeat("é", 6), 5)
	for _, p := range parts {
		assert.True(t, len(p) <= 5)
		assert.True(t, strings.Count(p, "é")*2 == len(p), "no split inside a rune")
	}
	assert.Equal(t, strings.Repeat("é", 6), strings.Join(parts, ""))
}

func TestTelegramRoomID(t *testing.T) {
	id := TelegramRoomID(-1001234)
	assert.Equal(t, "tg--1001234", id)
	chatID, ok := telegramChatID(id)
	assert.True(t, ok)
	assert.Equal(t, int64(-1001234), chatID)

	_, ok = telegramChatID("lobby")
	assert.False(t, ok)
}
