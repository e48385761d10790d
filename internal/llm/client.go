// Package llm contains the model clients steps talk to and the helpers that
// keep prompts inside a model's context window.
package llm

import (
	"context"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Message represents a chat message. Summary is a shorter stand-in for
// Content used when the history has to be squeezed into the context window.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages     []*Message `json:"messages"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Client is the interface for LLM clients
type Client interface {
	// CompleteWithRequest sends a completion request and returns the response
	CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// Complete is a simplified version for single prompt
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream sends a streaming completion request. Returning an error from
	// callback stops the stream and is returned unchanged.
	Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error
	// GetModelName returns the model name
	GetModelName() string
}

// CloneMessages deep-copies msgs so callers can rewrite contents freely.
func CloneMessages(msgs []*Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func normalizeRole(role string) string {
	switch role {
	case "":
		return RoleUser
	case RoleFunction:
		// providers without a function role see the result as user text
		return RoleUser
	default:
		return role
	}
}
