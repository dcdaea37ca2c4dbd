// Package llm defines the provider-agnostic interface used for tool suggestions.
package llm

import "context"

// Provider is the abstraction over a chat-completion backend (Ollama, OpenAI, ...).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its reply.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "ollama").
	Name() string
}

// Request is a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64 // nil = backend default
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Content    string
	StopReason string // "end_turn", "max_tokens"
	Usage      Usage
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
