// Package config loads the JSON configuration file, with ${VAR} expansion and
// an optional .env file next to it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for roomchat.
type Config struct {
	General     GeneralConfig             `json:"general"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Store       StoreConfig               `json:"store"`
	Channels    ChannelsConfig            `json:"channels"`
	Bot         BotConfig                 `json:"bot"`
	Security    SecurityConfig            `json:"security"`
	Attachments AttachmentsConfig         `json:"attachments"`
	Metrics     MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	Workspace            string   `json:"workspace"`
	LogLevel             string   `json:"logLevel"`
	LogFormat            string   `json:"logFormat"`         // "text" | "json"
	LogFile              string   `json:"logFile,omitempty"` // optional log file path
	DefaultProvider      string   `json:"defaultProvider"`
	FailoverChain        []string `json:"failoverChain,omitempty"` // provider failover order
	MaxConcurrentReplies int      `json:"maxConcurrentReplies"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	Type         string `json:"type,omitempty"` // openai | claude | gemini | ollama; defaults to the provider name
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
	MaxTokens    int    `json:"maxTokens,omitempty"`
	MaxRetries   int    `json:"maxRetries,omitempty"`
}

// Kind returns the backend implementation for a provider entry.
func (p ProviderConfig) Kind(name string) string {
	if p.Type != "" {
		return p.Type
	}
	return name
}

type StoreConfig struct {
	Driver       string `json:"driver"` // "sqlite" | "postgres"
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	HistoryLimit int    `json:"historyLimit"` // messages of context sent to the model
}

type ChannelsConfig struct {
	Web       WebConfig       `json:"web"`
	WebSocket WebSocketConfig `json:"websocket"`
	Telegram  TelegramConfig  `json:"telegram"`
	CLI       CLIConfig       `json:"cli"`
}

type WebConfig struct {
	Enabled bool    `json:"enabled"`
	Host    string  `json:"host"`
	Port    int     `json:"port"`
	Auth    WebAuth `json:"auth"`
}

type WebAuth struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // hex sha256 of the password
}

type WebSocketConfig struct {
	Enabled bool     `json:"enabled"`
	Path    string   `json:"path"`
	Origins []string `json:"origins,omitempty"` // allowed Origin headers; empty allows same host only
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	Bot       string         `json:"bot,omitempty"` // persona answering in Telegram rooms
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type CLIConfig struct {
	Enabled bool   `json:"enabled"`
	UserID  string `json:"userId"`
}

// BotConfig tunes how bot replies are produced and delivered.
type BotConfig struct {
	DefaultPersona  string        `json:"defaultPersona"`
	PersonaDir      string        `json:"personaDir,omitempty"` // defaults to <workspace>/bots
	MinDelayMs      int           `json:"minDelayMs"`           // pause between reply chunks
	MaxDelayMs      int           `json:"maxDelayMs"`
	FallbackMessage string        `json:"fallbackMessage"`
	RatePerMinute   float64       `json:"ratePerMinute"` // completions per room; 0 disables limiting
	RateBurst       int           `json:"rateBurst"`
	Neglect         NeglectConfig `json:"neglect"`
}

// NeglectConfig makes a bot speak up when a room has gone quiet.
type NeglectConfig struct {
	Enabled              bool   `json:"enabled"`
	AfterMinutes         int    `json:"afterMinutes"`
	CheckIntervalSeconds int    `json:"checkIntervalSeconds"`
	Prompt               string `json:"prompt"`
}

type SecurityConfig struct {
	DefaultPolicy   string   `json:"defaultPolicy"` // "allow" | "deny"
	AllowedCommands []string `json:"allowedCommands,omitempty"`
	DeniedCommands  []string `json:"deniedCommands,omitempty"`
	ProtectedRooms  []string `json:"protectedRooms,omitempty"` // room id patterns bots may not delete or rename
	AuditLog        bool     `json:"auditLog"`
}

type AttachmentsConfig struct {
	Dir       string `json:"dir,omitempty"` // defaults to <workspace>/attachments
	MaxSizeMB int    `json:"maxSizeMB"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.roomchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roomchat"
	}
	return filepath.Join(home, ".roomchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config at path. A .env file in the same directory is
// loaded first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.ResolvePaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv exports the variables of a .env file that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	vars, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s from %s: %w", k, path, err)
		}
	}
	return nil
}

// ResolvePaths expands ~/ and fills workspace-relative defaults.
func (c *Config) ResolvePaths() {
	c.General.Workspace = ExpandPath(c.General.Workspace)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Store.Path = ExpandPath(c.Store.Path)
	if c.Bot.PersonaDir == "" {
		c.Bot.PersonaDir = filepath.Join(c.General.Workspace, "bots")
	}
	c.Bot.PersonaDir = ExpandPath(c.Bot.PersonaDir)
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = filepath.Join(c.General.Workspace, "attachments")
	}
	c.Attachments.Dir = ExpandPath(c.Attachments.Dir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		def, hasDefault := groups[2], groups[2] != ""

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var knownProviderKinds = map[string]bool{"openai": true, "claude": true, "gemini": true, "ollama": true}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentReplies < 1 || cfg.General.MaxConcurrentReplies > 100 {
		errs = append(errs, "general.maxConcurrentReplies must be between 1 and 100")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}
	if cfg.Store.HistoryLimit < 1 {
		errs = append(errs, "store.historyLimit must be >= 1")
	}

	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	if cfg.Bot.MinDelayMs < 0 || cfg.Bot.MaxDelayMs < cfg.Bot.MinDelayMs {
		errs = append(errs, "bot.minDelayMs must be >= 0 and <= bot.maxDelayMs")
	}
	if cfg.Bot.RatePerMinute < 0 {
		errs = append(errs, "bot.ratePerMinute must be >= 0")
	}
	if cfg.Bot.Neglect.Enabled && cfg.Bot.Neglect.AfterMinutes < 1 {
		errs = append(errs, "bot.neglect.afterMinutes must be >= 1")
	}

	switch cfg.Security.DefaultPolicy {
	case "allow", "deny":
	default:
		errs = append(errs, "security.defaultPolicy must be one of: allow, deny")
	}

	if cfg.Attachments.MaxSizeMB < 1 {
		errs = append(errs, "attachments.maxSizeMB must be >= 1")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok && cfg.General.DefaultProvider != "" {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, name := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.Providers {
		if !knownProviderKinds[pc.Kind(name)] {
			errs = append(errs, fmt.Sprintf("providers.%s: unknown type %q (set providers.%s.type)", name, pc.Kind(name), name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
