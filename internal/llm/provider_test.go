package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type stubProvider struct {
	name  string
	errs  []error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &CompletionResponse{Content: s.name + ":" + req.Messages[len(req.Messages)-1].Text()}, nil
}

func TestRouterFallback(t *testing.T) {
	deep := &stubProvider{name: "deep"}
	r := NewRouter(map[Tier]Provider{TierDeep: deep})

	resp, err := r.Complete(context.Background(), TierFast, CompletionRequest{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "deep:hi" {
		t.Errorf("content = %q, want deep:hi", resp.Content)
	}
	if got := r.ProviderName(TierFast); got != "deep" {
		t.Errorf("ProviderName(fast) = %q", got)
	}
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(nil)
	_, err := r.Complete(context.Background(), TierDeep, CompletionRequest{})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
	if !IsConfigurationError(err) {
		t.Error("missing provider should classify as configuration error")
	}
	if r.Configured(TierDeep) {
		t.Error("Configured should be false")
	}
}

func TestIsConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", &ConfigurationError{Reason: "no key"}, true},
		{"401", &ProviderError{Message: "unauthorized", StatusCode: 401}, true},
		{"403", &ProviderError{Message: "forbidden", StatusCode: 403}, true},
		{"gemini invalid key", &ProviderError{Message: `HTTP 400: {"reason":"API_KEY_INVALID"}`, StatusCode: 400}, true},
		{"wrapped", fmt.Errorf("turn: %w", &ProviderError{StatusCode: 401}), true},
		{"server error", &ProviderError{Message: "boom", StatusCode: 500}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfigurationError(tt.err); got != tt.want {
				t.Errorf("IsConfigurationError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &ProviderError{StatusCode: 429}, true},
		{"503", &ProviderError{StatusCode: 503}, true},
		{"400", &ProviderError{StatusCode: 400}, false},
		{"401", &ProviderError{StatusCode: 401}, false},
		{"net", &ProviderError{Message: "http request", Err: netErr}, true},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	stub := &stubProvider{name: "flaky", errs: []error{
		&ProviderError{StatusCode: 503},
		&ProviderError{StatusCode: 429},
	}}
	p := WithRetry(stub, RetryPolicy{Attempts: 3, Backoff: time.Millisecond})

	resp, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{UserMessage("x")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "flaky:x" {
		t.Errorf("content = %q", resp.Content)
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want 3", stub.calls)
	}
}

func TestWithRetrySkipsConfigurationErrors(t *testing.T) {
	stub := &stubProvider{name: "bad-key", errs: []error{&ProviderError{StatusCode: 401}}}
	p := WithRetry(stub, RetryPolicy{Attempts: 5, Backoff: time.Millisecond})

	_, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{UserMessage("x")}})
	if !IsConfigurationError(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1", stub.calls)
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleAssistant, Blocks: []ContentBlock{
		{Type: "text", Text: "Hello, "},
		{Type: "image"},
		{Type: "text", Text: "world"},
	}}
	if got := m.Text(); got != "Hello, world" {
		t.Errorf("Text() = %q", got)
	}
	m.Content = "override"
	if got := m.Text(); got != "override" {
		t.Errorf("Text() = %q, want Content to win", got)
	}
}
