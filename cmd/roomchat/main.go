package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/agent"
	"roomchat/internal/app"
	"roomchat/internal/channel"
	"roomchat/internal/config"
	"roomchat/internal/persona"
	"roomchat/internal/provider"
	"roomchat/internal/room"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	logCloser  io.Closer
	configPath string // overridable via --config flag
)

func main() {
	logger = app.NewLogger(os.Stderr, "info", "text")
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "roomchat",
		Short: "roomchat: chat rooms with AI bot members",
		Long:  "roomchat is a chat backend where bots take part in rooms over the web, WebSocket, Telegram and the terminal.",
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.roomchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(roomsCmd())
	root.AddCommand(replyCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file and switches the global logger to the
// configured level, format and file. With fallback set, a missing or broken
// file yields the defaults instead of an error.
func loadConfig(fallback bool) (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !fallback {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.ResolvePaths()
	}

	l, closer, err := app.SetupLogging(cfg.General)
	if err != nil {
		return nil, err
	}
	logger, logCloser = l, closer
	slog.SetDefault(logger)
	return cfg, nil
}

// openApp loads the config and builds the app container.
func openApp(ctx context.Context, fallback bool) (*app.App, *config.Config, error) {
	cfg, err := loadConfig(fallback)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, app.Options{Version: version, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config, workspace and an example bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			cfg.ResolvePaths()
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				return err
			}
			example, err := persona.WriteExample(cfg.Bot.PersonaDir)
			if err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace, "example_bot", example)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the server (Web + WebSocket + Telegram + bot responder)",
		Long:  "Starts all enabled channels and the bot responder. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, _, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			return a.Serve(ctx)
		},
	}
}

func chatCmd() *cobra.Command {
	var (
		title  string
		userID string
	)
	cmd := &cobra.Command{
		Use:   "chat [room]",
		Short: "Chat in a room from the terminal",
		Long:  "Opens an interactive session in a room, creating it with the default bot when it does not exist.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID := "terminal"
			if len(args) == 1 {
				roomID = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Chat(ctx, roomID, title, userID)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title of the room when it is created")
	cmd.Flags().StringVar(&userID, "user", "", "user id to post as (default: channels.cli.userId)")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		url      string
		user     string
		password string
		giveUp   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <room>",
		Short: "Follow a room of a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if url == "" {
				cfg, err := loadConfig(true)
				if err != nil {
					return err
				}
				url = fmt.Sprintf("http://%s:%d", cfg.Channels.Web.Host, cfg.Channels.Web.Port)
			}
			w := channel.NewWatcher(channel.WatchConfig{
				BaseURL:    url,
				RoomID:     args[0],
				Username:   user,
				Password:   password,
				MaxElapsed: giveUp,
				Out:        cmd.OutOrStdout(),
				Logger:     logger,
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "server base URL (default: from channels.web)")
	cmd.Flags().StringVar(&user, "user", "", "basic auth username")
	cmd.Flags().StringVar(&password, "password", "", "basic auth password")
	cmd.Flags().DurationVar(&giveUp, "give-up", 0, "stop reconnecting after this long (0 retries forever)")
	return cmd
}

func roomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List, create and delete rooms",
	}

	var member string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List rooms, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			rooms, err := a.Rooms.ListRooms(ctx, member, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range rooms {
				bot := r.BotID
				if bot == "" {
					bot = "-"
				}
				fmt.Fprintf(out, "%-38s %-30s %-20s %s\n", r.ID, r.Title, bot, r.LastMessage)
			}
			return nil
		},
	}
	list.Flags().StringVar(&member, "member", "", "only rooms this user belongs to")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of rooms")

	var (
		bot     string
		creator string
		members []string
	)
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.Rooms.CreateRoom(ctx, room.CreateRoomInput{
				Title:     args[0],
				CreatedBy: creator,
				Members:   members,
				Bot:       bot,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.ID)
			return nil
		},
	}
	create.Flags().StringVar(&bot, "bot", "", "bot persona answering in the room")
	create.Flags().StringVar(&creator, "creator", "local", "user id of the creator")
	create.Flags().StringSliceVar(&members, "member", nil, "additional member user ids")

	del := &cobra.Command{
		Use:   "delete <room>",
		Short: "Delete a room and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Rooms.DeleteRoom(ctx, args[0]); err != nil {
				return err
			}
			logger.Info("room deleted", "room", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

func replyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Run the bot reply processor on text from stdin",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "split",
		Short: "Split a reply into chat-sized chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent.SplitMessage(string(text)))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "extract",
		Short: "Extract /system and /meta commands from a reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent.ExtractCommands(string(text)))
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			factory := provider.NewFactory(cfg, logger)
			logger.Info("providers", "configured", factory.Names())
			if prov := factory.HealthyProvider(ctx); prov != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			} else {
				logger.Info("provider", "healthy", false)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. bot.defaultPersona sunny)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), config.Sanitize(cfg))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
