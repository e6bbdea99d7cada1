package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/visitorparse/pkg/provider/llm"
	llmmock "github.com/MrWong99/visitorparse/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	if secondary != nil {
		fb.AddFallback("secondary", secondary)
	}
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"block":"2座"}`},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"block":"3座"}`},
	}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{JSONOutput: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"block":"2座"}` {
		t.Fatalf("content = %q, want the primary's reply", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
	if !primary.CompleteCalls[0].Req.JSONOutput {
		t.Error("request was not forwarded unchanged")
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q, want 'from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{CompleteErr: errors.New("primary down")},
		&llmmock.Provider{CompleteErr: errors.New("secondary down")},
	)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_CountTokens(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{CountTokensErr: errors.New("count failed")},
		&llmmock.Provider{TokenCount: 42},
	)

	count, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestLLMFallback_CountTokens_AllFail(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{CountTokensErr: errors.New("one")},
		&llmmock.Provider{CountTokensErr: errors.New("two")},
	)
	if _, err := fb.CountTokens(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		primary   llm.ModelCapabilities
		secondary *llm.ModelCapabilities
		want      llm.ModelCapabilities
	}{
		{
			name:    "single provider",
			primary: llm.ModelCapabilities{ContextWindow: 128000, MaxOutputTokens: 4096, SupportsJSONMode: true},
			want:    llm.ModelCapabilities{ContextWindow: 128000, MaxOutputTokens: 4096, SupportsJSONMode: true},
		},
		{
			name:      "smallest window wins",
			primary:   llm.ModelCapabilities{ContextWindow: 1000000, MaxOutputTokens: 8192, SupportsJSONMode: true},
			secondary: &llm.ModelCapabilities{ContextWindow: 8192, MaxOutputTokens: 2048, SupportsJSONMode: false},
			want:      llm.ModelCapabilities{ContextWindow: 8192, MaxOutputTokens: 2048, SupportsJSONMode: false},
		},
		{
			name:      "unknown limits ignored",
			primary:   llm.ModelCapabilities{ContextWindow: 0, SupportsJSONMode: true},
			secondary: &llm.ModelCapabilities{ContextWindow: 32000, SupportsJSONMode: true},
			want:      llm.ModelCapabilities{ContextWindow: 32000, SupportsJSONMode: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var secondary llm.Provider
			if tt.secondary != nil {
				secondary = &llmmock.Provider{ModelCapabilities: *tt.secondary}
			}
			fb := newLLMFallback(&llmmock.Provider{ModelCapabilities: tt.primary}, secondary)
			if got := fb.Capabilities(); got != tt.want {
				t.Fatalf("Capabilities() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
