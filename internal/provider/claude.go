package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"roomchat/internal/domain"
)

const claudeDefaultMaxTokens = 1024

// Claude implements domain.Provider for the Anthropic Messages API.
type Claude struct {
	apiKey     string
	apiBase    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger

	once    sync.Once
	client  *anthropic.Client
	initErr error
}

type ClaudeConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = claudeDefaultMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Claude{
		apiKey:     cfg.APIKey,
		apiBase:    cfg.APIBase,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Models() []string {
	return []string{"claude-sonnet-4-0", "claude-3-7-sonnet-latest", "claude-3-5-haiku-latest"}
}

func (c *Claude) lazyClient() (*anthropic.Client, error) {
	c.once.Do(func() {
		if c.apiKey == "" {
			c.initErr = fmt.Errorf("claude: API key not configured")
			return
		}
		opts := []option.RequestOption{
			option.WithAPIKey(c.apiKey),
			option.WithHTTPClient(c.httpClient),
			option.WithMaxRetries(0),
		}
		if c.apiBase != "" {
			opts = append(opts, option.WithBaseURL(c.apiBase))
		}
		client := anthropic.NewClient(opts...)
		c.client = &client
		c.logger.Debug("provider client initialised", "provider", "claude")
	})
	return c.client, c.initErr
}

// Healthy only verifies configuration; the Messages API has no free probe.
func (c *Claude) Healthy(ctx context.Context) error {
	_, err := c.lazyClient()
	return err
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	client, err := c.lazyClient()
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude chat: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	finish := "stop"
	if message.StopReason == "max_tokens" {
		finish = "length"
	}
	in, out := int(message.Usage.InputTokens), int(message.Usage.OutputTokens)
	return &domain.ChatResponse{
		Content:      sb.String(),
		FinishReason: finish,
		Usage: domain.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
