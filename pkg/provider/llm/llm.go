// Package llm defines the Provider interface for streaming chat-completion
// backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic via
// any-llm, a local Ollama instance) behind one streaming call: StreamChat
// sends a conversation and returns a channel of incremental token chunks.
// The session engine pipes those chunks straight into sentence buffering and
// synthesis, so time-to-first-token is the latency that matters; there is no
// non-streaming path and no tool calling on the live voice path.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamChat are closed by the implementation when generation finishes or the
// supplied context is cancelled; callers must drain them.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError is the FinishReason of a chunk reporting a mid-stream failure.
// The chunk's Text carries the error message; the channel closes after it.
const FinishError = "error"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the text content of the message.
	Content string
}

// Request carries everything the model needs to produce a response. At
// minimum Messages must be non-empty.
type Request struct {
	// Model overrides the provider's configured default model. Empty uses
	// the default.
	Model string

	// SystemPrompt is injected before the conversation history, using the
	// provider's native system-prompt mechanism where one exists.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically user-role and drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on a chunk that
	// carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishError]. Empty on non-final chunks.
	FinishReason string
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Name identifies the provider for logging and agent configuration
	// ("openai", "anyllm").
	Name() string

	// StreamChat sends req to the model and returns a read-only channel
	// emitting chunks as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled.
	//
	// Errors that occur after the stream has started are surfaced as a
	// chunk with FinishReason [FinishError]; the initial error return is
	// non-nil only when the stream cannot be started at all.
	StreamChat(ctx context.Context, req Request) (<-chan Chunk, error)
}
