package provider

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider streams from the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client    openai.Client
	maxTokens int
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		maxTokens: cfg.MaxTokens,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) StartRequest(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}

	return &openaiStream{stream: stream, conversationID: req.ConversationID}, nil
}

type openaiStream struct {
	stream         *ssestream.Stream[openai.ChatCompletionChunk]
	acc            openai.ChatCompletionAccumulator
	chunk          string
	text           strings.Builder
	conversationID string
	err            error
}

func (s *openaiStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			s.chunk = chunk.Choices[0].Delta.Content
			s.text.WriteString(s.chunk)
			return true
		}
	}
	s.err = s.stream.Err()
	s.chunk = ""
	return false
}

func (s *openaiStream) Chunk() string {
	return s.chunk
}

func (s *openaiStream) Err() error {
	return s.err
}

func (s *openaiStream) Response() *Response {
	if s.err != nil {
		return nil
	}
	conversationID := s.conversationID
	if conversationID == "" {
		conversationID = s.acc.ID
	}
	return &Response{
		Content:        s.text.String(),
		ConversationID: conversationID,
		InputTokens:    int(s.acc.Usage.PromptTokens),
		OutputTokens:   int(s.acc.Usage.CompletionTokens),
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
