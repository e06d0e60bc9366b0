package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:            "~/.roomchat/workspace",
			LogLevel:             "info",
			LogFormat:            "text",
			DefaultProvider:      "openai",
			MaxConcurrentReplies: 5,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
				MaxTokens:    1024,
				MaxRetries:   2,
			},
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			Path:         "~/.roomchat/roomchat.db",
			HistoryLimit: 30,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			WebSocket: WebSocketConfig{
				Enabled: true,
				Path:    "/ws",
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
			CLI: CLIConfig{
				Enabled: true,
				UserID:  "local",
			},
		},
		Bot: BotConfig{
			DefaultPersona:  "assistant",
			MinDelayMs:      1000,
			MaxDelayMs:      1500,
			FallbackMessage: DefaultFallbackMessage,
			RatePerMinute:   20,
			RateBurst:       5,
			Neglect: NeglectConfig{
				Enabled:              false,
				AfterMinutes:         30,
				CheckIntervalSeconds: 60,
				Prompt:               "The room has been quiet for a while. Say something short to re-engage the people here.",
			},
		},
		Security: SecurityConfig{
			DefaultPolicy: "allow",
			AuditLog:      true,
		},
		Attachments: AttachmentsConfig{
			MaxSizeMB: 10,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

// DefaultFallbackMessage is posted when no provider could produce a reply.
const DefaultFallbackMessage = "I'm experiencing technical difficulties right now. Please try again in a moment."
