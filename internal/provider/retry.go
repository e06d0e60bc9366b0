package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gopkg.in/cenkalti/backoff.v1"

	"roomchat/internal/domain"
)

const defaultMaxRetries = 3

// RetryingProvider retries transient Chat failures with exponential backoff.
// Context cancellation and deadline errors are returned immediately.
type RetryingProvider struct {
	inner      domain.Provider
	maxRetries int
	initial    time.Duration
	logger     *slog.Logger
}

func NewRetryingProvider(inner domain.Provider, maxRetries int, logger *slog.Logger) *RetryingProvider {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingProvider{
		inner:      inner,
		maxRetries: maxRetries,
		initial:    500 * time.Millisecond,
		logger:     logger,
	}
}

func (r *RetryingProvider) Name() string                      { return r.inner.Name() }
func (r *RetryingProvider) Models() []string                  { return r.inner.Models() }
func (r *RetryingProvider) Healthy(ctx context.Context) error { return r.inner.Healthy(ctx) }

// Unwrap returns the wrapped provider.
func (r *RetryingProvider) Unwrap() domain.Provider { return r.inner }

func (r *RetryingProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var (
		resp     *domain.ChatResponse
		attempts int
		permErr  error
	)

	op := func() error {
		attempts++
		var err error
		resp, err = r.inner.Chat(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			permErr = err
			return nil
		}
		if attempts > r.maxRetries {
			permErr = err
			return nil
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("provider call failed, will retry",
			"provider", r.inner.Name(),
			"attempt", attempts,
			"backoff", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	if permErr != nil {
		return nil, permErr
	}
	return resp, nil
}
