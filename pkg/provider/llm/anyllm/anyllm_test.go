package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/visitorparse/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gemini-2.5-flash"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "extract visitor fields",
		Messages:     []llm.Message{{Role: "user", Content: "去2座15樓A室"}},
		Temperature:  0.1,
		MaxTokens:    256,
	})

	if params.Model != "gemini-2.5-flash" {
		t.Errorf("Model = %q, want gemini-2.5-flash", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[1].ContentString(); got != "去2座15樓A室" {
		t.Errorf("user content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "gemini-2.5-flash"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", *params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(params.Messages))
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
	}{
		{"gemini-2.5-flash", 1_048_576},
		{"GEMINI-2.5-FLASH", 1_048_576},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-pro", 128_000},
		{"claude-3-5-sonnet-latest", 200_000},
		{"qwen2.5:7b", 32_768},
		{"something-else", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.wantWindow)
			}
			if caps.SupportsJSONMode {
				t.Error("SupportsJSONMode = true, want false")
			}
		})
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_EmptyProviderName(t *testing.T) {
	if _, err := New("", "gemini-2.5-flash"); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("gemini", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", p.model)
	}
}

func TestNewOllama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("qwen2.5:7b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestCountTokens_CJKCountsPerRune(t *testing.T) {
	p := &Provider{model: "gemini-2.5-flash"}
	ascii, _ := p.CountTokens([]llm.Message{{Role: "user", Content: "abcdefgh"}})
	cjk, _ := p.CountTokens([]llm.Message{{Role: "user", Content: "我叫李先生送外賣"}})
	if cjk <= ascii {
		t.Errorf("CJK estimate %d should exceed ASCII estimate %d for equal rune counts", cjk, ascii)
	}
}
