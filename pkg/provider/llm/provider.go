// Package llm defines the Provider interface for chat-completion backends.
//
// mnemo only needs non-streaming completions: the reflection loop sends one
// system prompt and one user prompt per batch and parses the full reply.
// Providers translate backend failures into the two error kinds callers act
// on: [ErrBudgetExceeded] when the prompt does not fit the model's input
// limit, and [ErrRequest] for everything transport- or service-related.
//
// Implementations must be safe for concurrent use and must return promptly
// when the context is cancelled.
package llm

import "context"

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// SystemPrompt is sent as a leading system message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation. Must not be empty.
	Messages []Message

	// Temperature in [0, 2]. Zero selects the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero selects the provider default.
	MaxTokens int

	// JSON asks the backend to constrain the reply to a JSON object when it
	// supports doing so. Callers must still validate the reply.
	JSON bool
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// ModelCapabilities describes static limits of the model behind a provider.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens generated in one completion.
	MaxOutputTokens int

	// SupportsJSONMode reports whether CompletionRequest.JSON is enforced by
	// the backend rather than only requested in the prompt.
	SupportsJSONMode bool
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req and waits for the full reply. Errors wrap
	// ErrBudgetExceeded or ErrRequest.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns the model's limits. Constant for the lifetime of
	// the provider.
	Capabilities() ModelCapabilities

	// ModelID returns the backend model name.
	ModelID() string
}
