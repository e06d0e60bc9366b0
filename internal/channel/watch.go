package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"

	"roomchat/internal/domain"
)

// WatchConfig configures a Watcher.
type WatchConfig struct {
	BaseURL    string // e.g. http://127.0.0.1:8080
	RoomID     string
	Username   string // basic auth, optional
	Password   string
	MaxElapsed time.Duration // give up reconnecting after this long; 0 retries until ctx ends
	Out        io.Writer
	Logger     *slog.Logger
}

// Watcher follows a room of a running server over SSE and prints every
// message it has not printed before.
type Watcher struct {
	cfg  WatchConfig
	seen map[string]bool
}

func NewWatcher(cfg WatchConfig) *Watcher {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Watcher{cfg: cfg, seen: make(map[string]bool)}
}

// Run blocks until ctx ends, the room is deleted or reconnecting gives up.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := sse.NewClient(w.cfg.BaseURL + "/events")
	client.Headers = map[string]string{
		"Accept":        "text/event-stream",
		"Cache-Control": "no-cache",
	}
	if w.cfg.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(w.cfg.Username + ":" + w.cfg.Password))
		client.Headers["Authorization"] = "Basic " + creds
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = w.cfg.MaxElapsed
	client.ReconnectStrategy = backoff.WithContext(expBackoff, ctx)
	client.ReconnectNotify = func(err error, d time.Duration) {
		w.cfg.Logger.Warn("watch connection lost, reconnecting", "room", w.cfg.RoomID, "err", err, "delay", d)
	}

	var deleted atomic.Bool
	err := client.SubscribeWithContext(ctx, "room:"+w.cfg.RoomID, func(ev *sse.Event) {
		if string(ev.Event) != "snapshot" {
			return
		}
		if w.handleSnapshot(ev.Data) {
			deleted.Store(true)
			cancel()
		}
	})
	if deleted.Load() {
		fmt.Fprintf(w.cfg.Out, "room %s was deleted\n", w.cfg.RoomID)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch room %s: %w", w.cfg.RoomID, err)
	}
	return nil
}

// handleSnapshot prints unseen messages and reports whether the room is gone.
func (w *Watcher) handleSnapshot(data []byte) bool {
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		w.cfg.Logger.Warn("invalid snapshot", "err", err)
		return false
	}
	for _, m := range snap.Messages {
		if w.seen[m.ID] {
			continue
		}
		w.seen[m.ID] = true
		fmt.Fprintln(w.cfg.Out, formatMessage(m))
	}
	return snap.Deleted
}

func formatMessage(m domain.ChatMessage) string {
	var b strings.Builder
	b.WriteString(m.CreatedAt.Local().Format("15:04"))
	b.WriteString(" ")
	name := m.DisplayName
	if name == "" {
		name = m.SenderID
	}
	b.WriteString(name)
	if m.IsBot {
		b.WriteString(" [bot]")
	}
	b.WriteString(": ")
	b.WriteString(m.Text)
	if m.AttachmentID != "" {
		b.WriteString(" [attachment " + m.AttachmentID + "]")
	}
	if m.GifURL != "" {
		b.WriteString(" [gif " + m.GifURL + "]")
	}
	return b.String()
}
