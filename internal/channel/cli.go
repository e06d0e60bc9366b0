package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/room"
)

// CLI is an interactive terminal chat in a single room.
type CLI struct {
	rooms     RoomService
	roomID    string
	title     string
	userID    string
	persona   string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	outMu     sync.Mutex
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
}

type CLIConfig struct {
	Rooms   RoomService
	RoomID  string
	Title   string // used when the room has to be created
	UserID  string
	Persona string // bot of a newly created room
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserID == "" {
		cfg.UserID = "local"
	}
	if cfg.Title == "" {
		cfg.Title = cfg.RoomID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		rooms:   cfg.Rooms,
		roomID:  cfg.RoomID,
		title:   cfg.Title,
		userID:  cfg.UserID,
		persona: cfg.Persona,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until context is cancelled or
// the input ends.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	rm, err := c.openRoom(ctx)
	if err != nil {
		return err
	}

	bus.OnOutbound("*", func(msg domain.OutboundMessage) {
		if msg.RoomID != c.roomID {
			return
		}
		c.stopThinking()
		c.outMu.Lock()
		defer c.outMu.Unlock()
		fmt.Fprint(c.out, "\r\033[K") // Clear spinner line
		fmt.Fprintf(c.out, "%s> %s\n", msg.SenderID, msg.Content)
		if msg.ChunkIndex >= msg.ChunkCount-1 {
			fmt.Fprint(c.out, "You> ")
		}
	})

	c.printf("Room %q (%s). Type a message and press Enter. Type /quit to exit.\n", rm.Title, rm.ID)
	c.printf("You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.printf("You> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		_, err := c.rooms.PostMessage(ctx, room.PostInput{
			RoomID:   c.roomID,
			SenderID: c.userID,
			Text:     line,
			Channel:  "cli",
		})
		switch {
		case err != nil:
			c.printf("error: %v\nYou> ", err)
		case rm.BotID != "":
			c.startThinking()
		default:
			c.printf("You> ")
		}
	}
}

// openRoom loads the room, creating it when it does not exist yet.
func (c *CLI) openRoom(ctx context.Context) (*domain.Room, error) {
	rm, err := c.rooms.GetRoom(ctx, c.roomID)
	if err == nil {
		return rm, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return c.rooms.CreateRoom(ctx, room.CreateRoomInput{
		ID:        c.roomID,
		Title:     c.title,
		CreatedBy: c.userID,
		Bot:       c.persona,
	})
}

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.printf("\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, roomID string, content string) error {
	c.printf("%s\n", content)
	return nil
}
