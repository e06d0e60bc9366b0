package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomchat/internal/domain"
)

// flakyProvider fails the first n calls.
type flakyProvider struct {
	mockProvider
	failures int
}

func (f *flakyProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failures {
		return nil, errors.New("503 service unavailable")
	}
	return &domain.ChatResponse{Content: "ok"}, nil
}

func fastRetry(inner domain.Provider, max int) *RetryingProvider {
	r := NewRetryingProvider(inner, max, testLogger())
	r.initial = time.Millisecond
	return r
}

func TestRetryingProvider_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyProvider{mockProvider: mockProvider{name: "flaky"}, failures: 2}
	r := fastRetry(inner, 3)

	resp, err := r.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected ok, got %q", resp.Content)
	}
	if inner.callCount() != 3 {
		t.Errorf("expected 3 calls, got %d", inner.callCount())
	}
}

func TestRetryingProvider_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyProvider{mockProvider: mockProvider{name: "down"}, failures: 100}
	r := fastRetry(inner, 2)

	if _, err := r.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.callCount() != 3 {
		t.Errorf("expected 1 call + 2 retries, got %d", inner.callCount())
	}
}

func TestRetryingProvider_DoesNotRetryCancellation(t *testing.T) {
	inner := &mockProvider{name: "slow", chatErr: context.DeadlineExceeded}
	r := fastRetry(inner, 5)

	_, err := r.Chat(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("expected a single call, got %d", inner.callCount())
	}
}

func TestRetryingProvider_DelegatesMetadata(t *testing.T) {
	inner := &mockProvider{name: "inner", healthy: true}
	r := NewRetryingProvider(inner, 0, nil)

	if r.Name() != "inner" || r.maxRetries != defaultMaxRetries {
		t.Errorf("unexpected wrapper state: name=%s retries=%d", r.Name(), r.maxRetries)
	}
	if r.Unwrap() != inner {
		t.Error("Unwrap should return the inner provider")
	}
	if err := r.Healthy(context.Background()); err != nil {
		t.Errorf("unexpected health error: %v", err)
	}
}
