// Package provider adapts model provider SDKs to a single streaming request
// capability. A Provider starts one request per call; callers serialize
// requests per conversation.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownProvider is returned by the factory for unsupported names.
var ErrUnknownProvider = errors.New("unsupported provider")

// Role of a prior conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a prior exchange sent as context with a request.
type Turn struct {
	Role    Role
	Content string
}

// Request is one prompt with its conversation context.
type Request struct {
	Prompt         string
	Model          string
	Tools          []string // capability names; adapters without a tool catalog ignore them
	History        []Turn
	ConversationID string
	SystemPrompt   string
	MaxTokens      int
}

// Response is the aggregated result of a finished stream.
type Response struct {
	Content        string
	ConversationID string
	InputTokens    int
	OutputTokens   int
}

// Stream yields text chunks until Next returns false. Response is valid
// only after Next returned false and Err is nil.
type Stream interface {
	Next() bool
	Chunk() string
	Response() *Response
	Err() error
	Close() error
}

// Provider starts streaming requests against a model API.
type Provider interface {
	Name() string
	StartRequest(ctx context.Context, req Request) (Stream, error)
}

// Config selects and authenticates a provider.
type Config struct {
	Name      string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// Factory creates providers by name.
type Factory struct{}

// New creates the provider named in cfg.
func (f *Factory) New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Name)
	}
}

// Collect drains a stream, calling onChunk for each chunk, and returns the
// aggregated response. The stream is closed before Collect returns.
func Collect(s Stream, onChunk func(string)) (*Response, error) {
	defer s.Close()

	for s.Next() {
		if onChunk != nil {
			if chunk := s.Chunk(); chunk != "" {
				onChunk(chunk)
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	resp := s.Response()
	if resp == nil {
		return nil, errors.New("stream ended without a response")
	}
	return resp, nil
}
