package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/vocalix/vocalix/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptFirst checks that the system prompt becomes the
// leading message.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{name: "openai", model: "gpt-4o"}
	params := p.buildParams(llm.Request{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
			{Role: llm.RoleAssistant, Content: "hi"},
		},
	})
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].Role != llm.RoleUser {
		t.Errorf("expected second message role user, got %q", params.Messages[1].Role)
	}
}

// TestBuildParams_ModelOverride checks that a per-request model wins over the
// provider default.
func TestBuildParams_ModelOverride(t *testing.T) {
	p := &Provider{name: "anthropic", model: "claude-3-5-haiku-latest"}

	params := p.buildParams(llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if got, want := params.Model, "claude-3-5-haiku-latest"; got != want {
		t.Errorf("default model = %q, want %q", got, want)
	}

	params = p.buildParams(llm.Request{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if got, want := params.Model, "claude-3-5-sonnet-latest"; got != want {
		t.Errorf("override model = %q, want %q", got, want)
	}
}

// TestBuildParams_Tuning checks temperature and max-token plumbing.
func TestBuildParams_Tuning(t *testing.T) {
	p := &Provider{name: "openai", model: "gpt-4o"}
	params := p.buildParams(llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature: 0.4,
		MaxTokens:   256,
	})
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v, want 256", params.MaxTokens)
	}
}

// TestBuildParams_DefaultsUnset checks that zero tuning values stay unset.
func TestBuildParams_DefaultsUnset(t *testing.T) {
	p := &Provider{name: "openai", model: "gpt-4o"}
	params := p.buildParams(llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Errorf("expected nil temperature, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("expected nil max tokens, got %v", *params.MaxTokens)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_Name checks that Name reports the backend, not the wrapper.
func TestNew_Name(t *testing.T) {
	p, err := New("Anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := p.Name(), "anthropic"; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI returns an error when no API
// key is available. Relies on OPENAI_API_KEY not being set in the test env.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestConvenienceConstructors checks the convenience constructors delegate
// correctly.
func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewGroq", func() (*Provider, error) { return NewGroq("llama3", anyllmlib.WithAPIKey("gsk-test")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}
