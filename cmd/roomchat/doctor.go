package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/persona"
	"roomchat/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your roomchat installation",
		Long: `Verifies that roomchat's configuration, providers, database, bots and
workspace are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			d := &doctor{out: cmd.OutOrStdout()}
			fmt.Fprintf(d.out, "roomchat doctor v%s\n", version)
			fmt.Fprintf(d.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			if _, err := os.Stat(cfgPath); err != nil {
				d.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(d.out, "\nRun 'roomchat init' to create a default configuration.\n")
				return nil
			}
			d.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				d.fail("Config validation", err.Error())
				fmt.Fprintf(d.out, "\n%d passed, %d failed\n", d.passed, d.failed)
				return nil
			}
			d.pass("Config validation", "valid")

			if info, err := os.Stat(cfg.General.Workspace); err != nil {
				d.fail("Workspace", fmt.Sprintf("not found: %s", cfg.General.Workspace))
			} else if !info.IsDir() {
				d.fail("Workspace", fmt.Sprintf("not a directory: %s", cfg.General.Workspace))
			} else {
				d.pass("Workspace", cfg.General.Workspace)
			}

			if err := checkDatabase(cfg.Store); err != nil {
				d.fail("Database", err.Error())
			} else {
				d.pass("Database", storeTarget(cfg.Store))
			}

			d.checkProviders(cfg)
			d.checkBots(cfg)

			if cfg.Channels.Web.Enabled {
				port := cfg.Channels.Web.Port
				if err := checkPort(cfg.Channels.Web.Host, port); err != nil {
					d.warn("Web port", fmt.Sprintf("port %d may be in use: %v", port, err))
				} else {
					d.pass("Web port", fmt.Sprintf(":%d available", port))
				}
			}
			if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
				d.fail("Telegram", "enabled but no token configured")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					d.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(d.out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(d.out, "Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
			if d.failed > 0 {
				fmt.Fprintf(d.out, "\nPlease fix the failed checks before running roomchat.\n")
				return fmt.Errorf("%d check(s) failed", d.failed)
			}
			if d.warned > 0 {
				fmt.Fprintf(d.out, "\nroomchat should work but consider fixing the warnings.\n")
			} else {
				fmt.Fprintf(d.out, "\nAll checks passed! roomchat is ready to run.\n")
			}
			return nil
		},
	}
}

type doctor struct {
	out                    io.Writer
	passed, failed, warned int
}

func (d *doctor) checkProviders(cfg *config.Config) {
	enabled := 0
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		kind := p.Kind(name)
		if kind != "ollama" && p.APIKey == "" && p.APIBase == "" {
			d.warn("Provider: "+name, "enabled but no API key/base configured")
		} else {
			d.pass("Provider: "+name, kind)
		}
	}
	if enabled == 0 {
		d.fail("Providers", "no providers enabled")
	}
}

func (d *doctor) checkBots(cfg *config.Config) {
	personas, err := persona.LoadFromDirectory(cfg.Bot.PersonaDir, logger)
	if err != nil {
		d.warn("Bots", err.Error())
		return
	}
	d.pass("Bots", fmt.Sprintf("%d custom persona(s) in %s", len(personas), cfg.Bot.PersonaDir))

	if cfg.Bot.DefaultPersona == persona.DefaultName {
		return
	}
	for _, p := range personas {
		if p.Name == cfg.Bot.DefaultPersona {
			return
		}
	}
	d.fail("Default bot", fmt.Sprintf("persona %q not found", cfg.Bot.DefaultPersona))
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Fprintf(d.out, "  [PASS] %-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Fprintf(d.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Fprintf(d.out, "  [WARN] %-20s %s\n", check, detail)
}

// checkDatabase opens the configured store, which also applies pending
// migrations, and pings it.
func checkDatabase(cfg config.StoreConfig) error {
	st, err := store.Open(store.Config{
		Driver: cfg.Driver,
		Path:   cfg.Path,
		DSN:    cfg.DSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func storeTarget(cfg config.StoreConfig) string {
	if cfg.Driver == store.DriverPostgres {
		return "postgres"
	}
	return cfg.Path
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
