// Package app assembles the roomchat runtime: storage, buses, the room
// service, the bot responder and the enabled channels.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"roomchat/internal/agent"
	"roomchat/internal/attachment"
	"roomchat/internal/bus"
	"roomchat/internal/channel"
	"roomchat/internal/config"
	"roomchat/internal/domain"
	"roomchat/internal/persona"
	"roomchat/internal/provider"
	"roomchat/internal/room"
	"roomchat/internal/security"
	"roomchat/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Options tune New beyond what the config file holds.
type Options struct {
	Version string
	Logger  *slog.Logger
	// Provider replaces the configured provider chain when set.
	Provider domain.Provider
}

// App owns every long-lived component of a running server.
type App struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	Store       *store.SQLStore
	Bus         *bus.InMemoryBus
	Events      *bus.EventBus
	Live        *bus.LiveQuery
	Personas    *persona.Registry
	Rooms       *room.Service
	Attachments *attachment.Service
	Security    *security.Engine
	Providers   *provider.Factory
	Provider    domain.Provider
	Responder   *agent.Responder
	Neglect     *agent.Neglect

	channels  []domain.Channel
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the store and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = agent.Version()
	}
	logger := opts.Logger

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	st, err := store.Open(store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfg:     cfg,
		version: opts.Version,
		logger:  logger,
		Store:   st,
	}
	if err := a.build(ctx, opts); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg, logger := a.cfg, a.logger

	a.Bus = bus.New(cfg.General.MaxConcurrentReplies*20, logger)
	a.Events = bus.NewEventBus(logger)
	a.Live = bus.NewLiveQuery(bus.LiveQueryConfig{
		Rooms:    a.Store,
		Messages: a.Store,
		Events:   a.Events,
		Logger:   logger,
	})

	a.Personas = persona.NewRegistry(logger)
	if err := a.Personas.Load(cfg.Bot.PersonaDir); err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	if err := a.Personas.Sync(ctx, a.Store); err != nil {
		return fmt.Errorf("sync bot users: %w", err)
	}

	var err error
	a.Security, err = security.NewEngine(cfg.Security, a.Store, logger)
	if err != nil {
		return fmt.Errorf("security engine: %w", err)
	}

	a.Rooms = room.New(room.Config{
		Store:    a.Store,
		Events:   a.Events,
		Bus:      a.Bus,
		Personas: a.Personas,
		Logger:   logger,
	})

	a.Attachments, err = attachment.New(attachment.Config{
		Dir:          cfg.Attachments.Dir,
		MaxSizeBytes: int64(cfg.Attachments.MaxSizeMB) << 20,
		Store:        a.Store,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("attachments: %w", err)
	}

	a.Providers = provider.NewFactory(cfg, logger)
	a.Provider = opts.Provider
	if a.Provider == nil {
		a.Provider, err = a.Providers.Chain()
		if err != nil {
			logger.Warn("no default provider, falling back to ollama", "err", err)
			a.Provider = provider.NewOllama("", "", provider.SharedHTTPClient(0), logger)
		}
	}

	executor := agent.NewCommandExecutor(agent.ExecutorConfig{
		Target: a.Rooms,
		Policy: a.Security,
		Events: a.Events,
		Audit:  a.Security,
		Logger: logger,
	})

	a.Responder = agent.NewResponder(agent.ResponderConfig{
		Provider:     a.Provider,
		Providers:    a.Providers,
		Store:        a.Store,
		Personas:     a.Personas,
		Executor:     executor,
		Limiter:      agent.NewRoomLimiter(cfg.Bot.RatePerMinute, cfg.Bot.RateBurst),
		Bus:          a.Bus,
		Events:       a.Events,
		Logger:       logger,
		Concurrency:  cfg.General.MaxConcurrentReplies,
		HistoryLimit: cfg.Store.HistoryLimit,
		MinDelay:     time.Duration(cfg.Bot.MinDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Bot.MaxDelayMs) * time.Millisecond,
		Fallback:     cfg.Bot.FallbackMessage,
	})

	n := cfg.Bot.Neglect
	a.Neglect = agent.NewNeglect(agent.NeglectConfig{
		Enabled:       n.Enabled,
		After:         time.Duration(n.AfterMinutes) * time.Minute,
		CheckInterval: time.Duration(n.CheckIntervalSeconds) * time.Second,
		Prompt:        n.Prompt,
		Logger:        logger,
	}, a.Store, a.Bus, a.Events)

	a.channels = a.serverChannels()
	return nil
}

// serverChannels builds the network channels enabled in the config.
func (a *App) serverChannels() []domain.Channel {
	cfg := a.cfg.Channels
	var out []domain.Channel

	if cfg.Web.Enabled {
		var ws *channel.WebSocketChannel
		if cfg.WebSocket.Enabled {
			ws = channel.NewWebSocketChannel(channel.WSConfig{
				Rooms:   a.Rooms,
				Live:    a.Live,
				Origins: cfg.WebSocket.Origins,
				Logger:  a.logger,
			})
		}
		webCfg := channel.WebConfig{
			Host:        cfg.Web.Host,
			Port:        cfg.Web.Port,
			Auth:        cfg.Web.Auth,
			Version:     a.version,
			Rooms:       a.Rooms,
			Live:        a.Live,
			Events:      a.Events,
			Attachments: a.Attachments,
			Personas:    a.Personas,
			WSPath:      cfg.WebSocket.Path,
			Logger:      a.logger,
		}
		if a.cfg.Metrics.Enabled {
			webCfg.MetricsPath = a.cfg.Metrics.Endpoint
		}
		if ws != nil {
			webCfg.WebSocket = ws
			out = append(out, ws)
		}
		out = append(out, channel.NewWeb(webCfg))
	} else if cfg.WebSocket.Enabled {
		a.logger.Warn("websocket channel needs the web channel, skipping")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		bot := cfg.Telegram.Bot
		if bot == "" {
			bot = a.cfg.Bot.DefaultPersona
		}
		out = append(out, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			Persona:   bot,
			Rooms:     a.Rooms,
			Logger:    a.logger,
		}))
	} else {
		a.logger.Info("telegram channel disabled")
	}
	return out
}

// Channels returns the network channels Start launches.
func (a *App) Channels() []domain.Channel { return a.channels }

// Start launches the responder, the neglect checker and every network
// channel. It returns immediately; everything stops when ctx ends.
func (a *App) Start(ctx context.Context) {
	a.startWorkers(ctx)

	if err := a.Provider.Healthy(ctx); err != nil {
		a.logger.Warn("provider unhealthy at startup", "provider", a.Provider.Name(), "err", err)
	} else {
		a.logger.Info("provider healthy", "provider", a.Provider.Name())
	}

	for _, ch := range a.channels {
		a.wg.Add(1)
		go func(ch domain.Channel) {
			defer a.wg.Done()
			if err := ch.Start(ctx, a.Bus); err != nil {
				a.logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		a.logger.Info("channel enabled", "channel", ch.Name())
	}
}

func (a *App) startWorkers(ctx context.Context) {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Responder.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Neglect.Start(ctx)
	}()
}

// Serve starts the app and blocks until ctx ends, then shuts down.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)
	a.logger.Info("roomchat started. Press Ctrl+C to stop.", "version", a.version)

	<-ctx.Done()
	a.logger.Info("shutting down...")
	return a.Shutdown()
}

// Chat runs an interactive terminal session in one room.
func (a *App) Chat(ctx context.Context, roomID, title, userID string) error {
	a.startWorkers(ctx)
	if userID == "" {
		userID = a.cfg.Channels.CLI.UserID
	}
	cli := channel.NewCLI(channel.CLIConfig{
		Rooms:   a.Rooms,
		RoomID:  roomID,
		Title:   title,
		UserID:  userID,
		Persona: a.cfg.Bot.DefaultPersona,
		Logger:  a.logger,
	})
	return cli.Start(ctx, a.Bus)
}

// Shutdown stops the channels, waits for in-flight replies and closes the
// store, giving up after a fixed timeout.
func (a *App) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range a.channels {
			if err := ch.Stop(); err != nil {
				a.logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		a.Responder.Wait()
		a.wg.Wait()
	}()

	var shutdownErr error
	select {
	case <-done:
		a.logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		a.logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = errors.New("shutdown timed out")
	}
	return errors.Join(shutdownErr, a.Close())
}

// Close releases the bus and the store. It is safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Live != nil {
			a.Live.Close()
		}
		if a.Bus != nil {
			a.Bus.Close()
		}
		err = a.Store.Close()
	})
	return err
}
