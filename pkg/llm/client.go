// Package llm provides the audited LLM client: every request is hashed
// and recorded in the landscape before its response may influence the
// pipeline, and recorded runs can be replayed without touching a provider.
package llm

import (
	"context"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral chat request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Seed        int64     `json:"seed,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage is provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a provider-neutral chat response.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Client dispatches chat requests to a provider.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// canonicalRequest is the hashable identity of a request. Same canonical
// form, same request: the replayer keys recorded calls on this.
func canonicalRequest(req Request) map[string]any {
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	return map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"seed":        req.Seed,
		"max_tokens":  req.MaxTokens,
	}
}
