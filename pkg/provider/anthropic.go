package provider

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultMaxTokens = 4096

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	maxTokens int
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		maxTokens: cfg.MaxTokens,
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) StartRequest(ctx context.Context, req Request) (Stream, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}

	return &anthropicStream{stream: stream, conversationID: req.ConversationID}, nil
}

type anthropicStream struct {
	stream         *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message        anthropic.Message
	chunk          string
	text           strings.Builder
	conversationID string
	err            error
}

func (s *anthropicStream) Next() bool {
	for s.err == nil && s.stream.Next() {
		event := s.stream.Current()
		if err := s.message.Accumulate(event); err != nil {
			s.err = err
			return false
		}

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				s.chunk = text.Text
				s.text.WriteString(text.Text)
				return true
			}
		}
	}
	if s.err == nil {
		s.err = s.stream.Err()
	}
	s.chunk = ""
	return false
}

func (s *anthropicStream) Chunk() string {
	return s.chunk
}

func (s *anthropicStream) Err() error {
	return s.err
}

func (s *anthropicStream) Response() *Response {
	if s.err != nil {
		return nil
	}
	conversationID := s.conversationID
	if conversationID == "" {
		conversationID = s.message.ID
	}
	return &Response{
		Content:        s.text.String(),
		ConversationID: conversationID,
		InputTokens:    int(s.message.Usage.InputTokens),
		OutputTokens:   int(s.message.Usage.OutputTokens),
	}
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
