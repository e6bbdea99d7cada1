package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/visitorparse/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the provider names in the order they are tried.
func (f *LLMFallback) Names() []string {
	return f.group.Names()
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens returns the first successful count, trying providers in order.
// Counting is local to each client and does not touch the circuit breakers.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	var errList []error
	for _, e := range f.group.entries {
		n, err := e.value.CountTokens(messages)
		if err == nil {
			return n, nil
		}
		errList = append(errList, fmt.Errorf("%s: %w", e.name, err))
	}
	return 0, fmt.Errorf("resilience: count tokens: %w", errors.Join(errList...))
}

// Capabilities returns the limits every provider in the chain can honour: the
// smallest known context window and output limit, and JSON mode only when all
// providers support it. A prompt sized against these limits fits whichever
// provider ends up serving it.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var caps llm.ModelCapabilities
	for i, e := range f.group.entries {
		c := e.value.Capabilities()
		if i == 0 {
			caps = c
			continue
		}
		caps.ContextWindow = minKnown(caps.ContextWindow, c.ContextWindow)
		caps.MaxOutputTokens = minKnown(caps.MaxOutputTokens, c.MaxOutputTokens)
		caps.SupportsJSONMode = caps.SupportsJSONMode && c.SupportsJSONMode
	}
	return caps
}

// minKnown returns the smaller of a and b, treating zero as unknown.
func minKnown(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}
