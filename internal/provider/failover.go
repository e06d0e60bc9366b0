package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"roomchat/internal/domain"
)

// FailoverProvider answers bot turns from the first provider in its chain
// that succeeds. Only the head of the chain sees a persona's model override;
// later links use their own default model.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{providers: providers, logger: logger}
}

func (fp *FailoverProvider) Name() string {
	var b strings.Builder
	b.WriteString("failover(")
	for i, p := range fp.providers {
		if i > 0 {
			b.WriteString("→")
		}
		b.WriteString(p.Name())
	}
	b.WriteString(")")
	return b.String()
}

// Models lists every model of the chain once, in chain order.
func (fp *FailoverProvider) Models() []string {
	var models []string
	for _, p := range fp.providers {
		for _, m := range p.Models() {
			if !slices.Contains(models, m) {
				models = append(models, m)
			}
		}
	}
	return models
}

// Healthy succeeds as soon as one link is reachable.
func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no reachable provider for bot turns: %w", errors.Join(errs...))
}

func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.providers) == 0 {
		return nil, errors.New("no providers configured for bot turns")
	}

	var errs []error
	for i, p := range fp.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		turn := req
		if i > 0 {
			turn.Model = ""
		}

		resp, err := p.Chat(ctx, turn)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			fp.logger.Warn("bot turn provider failed", "provider", p.Name(), "link", i+1, "of", len(fp.providers), "error", err)
			continue
		}
		if i > 0 {
			fp.logger.Info("bot turn answered by backup provider", "provider", p.Name(), "link", i+1)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("every provider failed the bot turn: %w", errors.Join(errs...))
}
