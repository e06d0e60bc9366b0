package channel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/attachment"
	"roomchat/internal/bus"
	"roomchat/internal/config"
	"roomchat/internal/domain"
	"roomchat/internal/metrics"
	"roomchat/internal/persona"
	"roomchat/internal/room"
)

const (
	maxBodySize       = 1 << 20 // 1MB
	sseHeartbeat      = 25 * time.Second
	notificationQueue = 32
)

// notificationEvents are forwarded on the notifications stream.
var notificationEvents = []string{bus.EventCommandFailed, bus.EventProviderError, bus.EventNoteUpdated}

// Web serves the JSON API and the SSE streams.
type Web struct {
	host    string
	port    int
	logger  *slog.Logger
	server  *http.Server
	version string

	rooms       RoomService
	live        domain.Subscriber
	events      *bus.EventBus
	attachments *attachment.Service
	personas    *persona.Registry

	metricsPath string
	wsPath      string
	ws          http.Handler

	// Auth settings
	authEnabled  bool
	authUser     string
	authPassHash string
}

type WebConfig struct {
	Host        string
	Port        int
	Auth        config.WebAuth
	Version     string
	Rooms       RoomService
	Live        domain.Subscriber
	Events      *bus.EventBus
	Attachments *attachment.Service // optional; disables uploads when nil
	Personas    *persona.Registry
	MetricsPath string       // empty disables the metrics endpoint
	WSPath      string       // mount point of WebSocket; defaults to /ws
	WebSocket   http.Handler // optional
	Logger      *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:         cfg.Host,
		port:         cfg.Port,
		logger:       cfg.Logger,
		version:      cfg.Version,
		rooms:        cfg.Rooms,
		live:         cfg.Live,
		events:       cfg.Events,
		attachments:  cfg.Attachments,
		personas:     cfg.Personas,
		metricsPath:  cfg.MetricsPath,
		wsPath:       cfg.WSPath,
		ws:           cfg.WebSocket,
		authEnabled:  cfg.Auth.Enabled,
		authUser:     cfg.Auth.Username,
		authPassHash: cfg.Auth.PasswordHash,
	}
}

func (w *Web) Name() string { return "web" }

// Handler returns the routed API.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", w.handleStatus) // public endpoint
	if w.metricsPath != "" {
		mux.HandleFunc("GET "+w.metricsPath, metrics.Collector.Handler())
	}

	mux.HandleFunc("GET /api/rooms", w.requireAuth(w.handleListRooms))
	mux.HandleFunc("POST /api/rooms", w.requireAuth(w.handleCreateRoom))
	mux.HandleFunc("GET /api/rooms/{id}", w.requireAuth(w.handleGetRoom))
	mux.HandleFunc("PATCH /api/rooms/{id}", w.requireAuth(w.handleRenameRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", w.requireAuth(w.handleDeleteRoom))
	mux.HandleFunc("POST /api/rooms/{id}/members", w.requireAuth(w.handleAddMember))
	mux.HandleFunc("GET /api/rooms/{id}/messages", w.requireAuth(w.handleListMessages))
	mux.HandleFunc("POST /api/rooms/{id}/messages", w.requireAuth(w.handlePostMessage))
	mux.HandleFunc("GET /api/search", w.requireAuth(w.handleSearch))

	mux.HandleFunc("POST /api/users", w.requireAuth(w.handleUpsertUser))
	mux.HandleFunc("GET /api/users/{id}", w.requireAuth(w.handleGetUser))
	mux.HandleFunc("GET /api/users/{id}/preferences", w.requireAuth(w.handleGetPreferences))
	mux.HandleFunc("PUT /api/users/{id}/preferences", w.requireAuth(w.handleSetPreferences))
	mux.HandleFunc("POST /api/users/{id}/block", w.requireAuth(w.handleBlock(true)))
	mux.HandleFunc("DELETE /api/users/{id}/block", w.requireAuth(w.handleBlock(false)))
	mux.HandleFunc("GET /api/bots", w.requireAuth(w.handleBots))

	mux.HandleFunc("GET /attachments/{id}", w.requireAuth(w.handleAttachment))
	mux.HandleFunc("GET /events", w.requireAuth(w.handleEvents))

	if w.ws != nil {
		mux.HandleFunc("GET "+w.wsPath, w.requireAuth(w.ws.ServeHTTP))
	}
	return mux
}

// Start serves until ctx is done.
func (w *Web) Start(ctx context.Context, _ domain.MessageBus) error {
	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web API started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Send is a no-op: web clients follow rooms through live queries.
func (w *Web) Send(ctx context.Context, roomID string, content string) error {
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="roomchat"`)
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against stored hash.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": w.version,
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (w *Web) handleListRooms(rw http.ResponseWriter, r *http.Request) {
	rooms, err := w.rooms.ListRooms(r.Context(), r.URL.Query().Get("member"), queryInt(r, "limit"))
	if err != nil {
		writeError(rw, err)
		return
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	writeJSON(rw, http.StatusOK, rooms)
}

func (w *Web) handleCreateRoom(rw http.ResponseWriter, r *http.Request) {
	var in room.CreateRoomInput
	if !decodeBody(rw, r, &in) {
		return
	}
	created, err := w.rooms.CreateRoom(r.Context(), in)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, created)
}

func (w *Web) handleGetRoom(rw http.ResponseWriter, r *http.Request) {
	rm, err := w.rooms.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, rm)
}

func (w *Web) handleRenameRoom(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := w.rooms.RenameRoom(r.Context(), id, body.Title); err != nil {
		writeError(rw, err)
		return
	}
	w.handleGetRoom(rw, r)
}

func (w *Web) handleDeleteRoom(rw http.ResponseWriter, r *http.Request) {
	if err := w.rooms.DeleteRoom(r.Context(), r.PathValue("id")); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Web) handleAddMember(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	if err := w.rooms.AddMember(r.Context(), r.PathValue("id"), body.UserID); err != nil {
		writeError(rw, err)
		return
	}
	w.handleGetRoom(rw, r)
}

func (w *Web) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	msgs, err := w.rooms.ListMessages(r.Context(), r.PathValue("id"), queryInt(r, "limit"))
	if err != nil {
		writeError(rw, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(rw, http.StatusOK, msgs)
}

// handlePostMessage accepts JSON, or multipart/form-data carrying an
// optional "file" part next to the sender_id and text fields.
func (w *Web) handlePostMessage(rw http.ResponseWriter, r *http.Request) {
	in := room.PostInput{RoomID: r.PathValue("id"), Channel: "web"}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if !w.readMultipartPost(rw, r, &in) {
			return
		}
	} else if !decodeBody(rw, r, &in) {
		return
	}
	in.RoomID = r.PathValue("id")
	in.Channel = "web"

	msg, err := w.rooms.PostMessage(r.Context(), in)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, msg)
}

func (w *Web) readMultipartPost(rw http.ResponseWriter, r *http.Request, in *room.PostInput) bool {
	if w.attachments == nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "uploads are disabled"})
		return false
	}
	if _, err := w.rooms.GetRoom(r.Context(), in.RoomID); err != nil {
		writeError(rw, err)
		return false
	}

	r.Body = http.MaxBytesReader(rw, r.Body, w.attachments.MaxSizeBytes()+maxBodySize)
	if err := r.ParseMultipartForm(maxBodySize); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid form: " + err.Error()})
		return false
	}
	in.SenderID = r.FormValue("sender_id")
	in.Text = r.FormValue("text")
	in.GifURL = r.FormValue("gif_url")

	file, header, err := r.FormFile("file")
	if err == http.ErrMissingFile {
		return true
	}
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "read file: " + err.Error()})
		return false
	}
	defer file.Close()

	att, err := w.attachments.Save(r.Context(), in.RoomID, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(rw, err)
		return false
	}
	in.AttachmentID = att.ID
	return true
}

func (w *Web) handleSearch(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, err := w.rooms.Search(r.Context(), q.Get("q"), q.Get("room"), queryInt(r, "limit"))
	if err != nil {
		writeError(rw, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(rw, http.StatusOK, msgs)
}

func (w *Web) handleUpsertUser(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	u, err := w.rooms.UpsertUser(r.Context(), domain.User{ID: body.ID, DisplayName: body.DisplayName, AvatarURL: body.AvatarURL})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, u)
}

func (w *Web) handleGetUser(rw http.ResponseWriter, r *http.Request) {
	u, err := w.rooms.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, u)
}

func (w *Web) handleGetPreferences(rw http.ResponseWriter, r *http.Request) {
	prefs, err := w.rooms.Preferences(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, prefs)
}

func (w *Web) handleSetPreferences(rw http.ResponseWriter, r *http.Request) {
	var prefs domain.Preferences
	if !decodeBody(rw, r, &prefs) {
		return
	}
	if err := w.rooms.SetPreferences(r.Context(), r.PathValue("id"), prefs); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, prefs)
}

func (w *Web) handleBlock(blocked bool) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		if blocked {
			err = w.rooms.BlockUser(r.Context(), id)
		} else {
			err = w.rooms.UnblockUser(r.Context(), id)
		}
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"user_id": id, "blocked": blocked})
	}
}

func (w *Web) handleBots(rw http.ResponseWriter, r *http.Request) {
	type bot struct {
		persona.Persona
		UserID string `json:"user_id"`
	}
	bots := []bot{}
	if w.personas != nil {
		for _, p := range w.personas.List() {
			bots = append(bots, bot{Persona: p, UserID: p.UserID()})
		}
	}
	writeJSON(rw, http.StatusOK, bots)
}

func (w *Web) handleAttachment(rw http.ResponseWriter, r *http.Request) {
	if w.attachments == nil {
		writeError(rw, fmt.Errorf("attachment: %w", domain.ErrNotFound))
		return
	}
	att, f, err := w.attachments.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	if att == nil {
		writeError(rw, fmt.Errorf("attachment %s: %w", r.PathValue("id"), domain.ErrNotFound))
		return
	}
	defer f.Close()

	rw.Header().Set("Content-Type", att.MimeType)
	rw.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": att.Filename}))
	rw.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeContent(rw, r, att.Filename, att.CreatedAt, f)
}

// handleEvents streams live query snapshots, or notification events, as SSE.
func (w *Web) handleEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	kind, arg, _ := strings.Cut(r.URL.Query().Get("stream"), ":")
	var q domain.Query
	switch kind {
	case "room":
		q = domain.Query{Kind: domain.QueryMessages, RoomID: arg, Limit: queryInt(r, "limit")}
	case "rooms":
		q = domain.Query{Kind: domain.QueryRooms, MemberID: arg, Limit: queryInt(r, "limit")}
	case "notifications":
		w.streamNotifications(rw, r, flusher, arg)
		return
	default:
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "stream must be room:<id>, rooms:<member> or notifications"})
		return
	}

	sub, err := w.live.Subscribe(r.Context(), q)
	if err != nil {
		writeError(rw, err)
		return
	}
	defer sub.Unsubscribe()

	startSSE(rw)
	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(rw, ": ping\n\n")
			flusher.Flush()
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			if err := writeSSE(rw, "snapshot", snap); err != nil {
				w.logger.Debug("sse write failed", "err", err)
				return
			}
			flusher.Flush()
			if snap.Deleted {
				return
			}
		}
	}
}

// streamNotifications forwards notification events, optionally limited to
// one room. A since=<RFC 3339> parameter replays recorded notifications first.
func (w *Web) streamNotifications(rw http.ResponseWriter, r *http.Request, flusher http.Flusher, roomID string) {
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(rw, fmt.Errorf("%w: since must be RFC 3339", domain.ErrInvalid))
			return
		}
		since = t
	}

	stream := watchNotifications(w.events, roomID)
	defer stream.stop()

	startSSE(rw)
	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	if !since.IsZero() {
		for _, e := range stream.replay(w.events, roomID, since) {
			if err := writeNotification(rw, e); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(rw, ": ping\n\n")
			flusher.Flush()
		case e := <-stream.ch:
			if !stream.fresh(e) {
				continue
			}
			if err := writeNotification(rw, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// notificationStream queues live notifications for one subscriber. The
// watch starts before history is replayed, so an event can arrive both ways;
// sent holds the replayed ones until their live copy is dropped.
type notificationStream struct {
	ch   chan bus.Event
	stop func()
	sent map[uint64]struct{}
}

func watchNotifications(events *bus.EventBus, roomID string) *notificationStream {
	s := &notificationStream{ch: make(chan bus.Event, notificationQueue)}
	s.stop = events.Watch(notificationEvents, roomID, func(e bus.Event) {
		select {
		case s.ch <- e:
		default:
		}
	})
	return s
}

func (s *notificationStream) replay(events *bus.EventBus, roomID string, since time.Time) []bus.Event {
	history := events.Replay(notificationEvents, roomID, since)
	s.sent = make(map[uint64]struct{}, len(history))
	for _, e := range history {
		s.sent[e.Seq] = struct{}{}
	}
	return history
}

// fresh reports whether e still has to be written.
func (s *notificationStream) fresh(e bus.Event) bool {
	if _, ok := s.sent[e.Seq]; ok {
		delete(s.sent, e.Seq)
		return false
	}
	return true
}

func writeNotification(rw io.Writer, e bus.Event) error {
	return writeSSE(rw, "notification", map[string]any{"type": e.Type, "payload": e.Payload, "at": e.Timestamp})
}

func startSSE(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
}

func writeSSE(rw io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// decodeBody reads a JSON request body into v, answering 400 on failure.
func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
