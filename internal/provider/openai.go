package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"roomchat/internal/domain"
)

// OpenAI implements domain.Provider for OpenAI and any OpenAI-compatible
// endpoint (Ollama, LM Studio, vLLM) reachable through APIBase.
type OpenAI struct {
	name       string
	apiKey     string
	apiBase    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger

	once    sync.Once
	client  *openai.Client
	initErr error
}

type OpenAIConfig struct {
	Name       string // "openai" unless the entry is an Ollama or other compatible backend
	APIKey     string
	APIBase    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		apiBase:    cfg.APIBase,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// NewOllama returns an OpenAI-compatible client pointed at a local Ollama server.
func NewOllama(apiBase, model string, httpClient *http.Client, logger *slog.Logger) *OpenAI {
	if apiBase == "" {
		apiBase = "http://localhost:11434/v1"
	}
	if model == "" {
		model = "llama3.2"
	}
	return NewOpenAI(OpenAIConfig{
		Name:       "ollama",
		APIKey:     "ollama",
		APIBase:    apiBase,
		Model:      model,
		HTTPClient: httpClient,
		Logger:     logger,
	})
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Models() []string {
	if o.name == "ollama" {
		return []string{o.model}
	}
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini"}
}

// lazyClient builds the SDK client on first use so a misconfigured entry
// only fails when it is actually selected.
func (o *OpenAI) lazyClient() (*openai.Client, error) {
	o.once.Do(func() {
		if o.apiKey == "" {
			o.initErr = fmt.Errorf("%s: API key not configured", o.name)
			return
		}
		opts := []option.RequestOption{
			option.WithAPIKey(o.apiKey),
			option.WithHTTPClient(o.httpClient),
			option.WithMaxRetries(0),
		}
		if o.apiBase != "" {
			opts = append(opts, option.WithBaseURL(o.apiBase))
		}
		client := openai.NewClient(opts...)
		o.client = &client
		o.logger.Debug("provider client initialised", "provider", o.name, "base", o.apiBase)
	})
	return o.client, o.initErr
}

func (o *OpenAI) Healthy(ctx context.Context) error {
	client, err := o.lazyClient()
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	return nil
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	client, err := o.lazyClient()
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = o.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	start := time.Now()
	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", o.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", o.name)
	}

	choice := completion.Choices[0]
	return &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
