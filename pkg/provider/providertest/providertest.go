// Package providertest provides a scripted provider for tests.
package providertest

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/parley/pkg/provider"
)

// Reply scripts the outcome of one request.
type Reply struct {
	Chunks         []string
	StartErr       error // returned by StartRequest
	Err            error // returned by the stream after Chunks
	ConversationID string
	// Wait blocks the stream before its first chunk until closed or the
	// request context ends.
	Wait <-chan struct{}
	// IgnoreCancel keeps a waiting stream blocked after its context ends.
	IgnoreCancel bool
}

// Provider plays back scripted replies in order. Without a script it echoes
// the prompt. It records every request and the highest number of streams
// open at once, so tests can assert single-flight execution.
type Provider struct {
	name string

	mu            sync.Mutex
	script        []Reply
	requests      []provider.Request
	open          int
	maxConcurrent int
	started       chan provider.Request
}

// New creates a scripted provider.
func New() *Provider {
	return &Provider{
		name:    "scripted",
		started: make(chan provider.Request, 64),
	}
}

// Script appends replies consumed by subsequent requests.
func (p *Provider) Script(replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, replies...)
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) StartRequest(ctx context.Context, req provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)

	reply := Reply{Chunks: []string{"reply to ", req.Prompt}}
	if len(p.script) > 0 {
		reply = p.script[0]
		p.script = p.script[1:]
	}

	if reply.StartErr != nil {
		p.mu.Unlock()
		p.notify(req)
		return nil, reply.StartErr
	}

	p.open++
	if p.open > p.maxConcurrent {
		p.maxConcurrent = p.open
	}
	p.mu.Unlock()
	p.notify(req)

	conversationID := reply.ConversationID
	if conversationID == "" {
		conversationID = req.ConversationID
	}
	if conversationID == "" {
		conversationID = "conv-test"
	}

	return &stream{
		ctx:            ctx,
		owner:          p,
		reply:          reply,
		conversationID: conversationID,
	}, nil
}

func (p *Provider) notify(req provider.Request) {
	select {
	case p.started <- req:
	default:
	}
}

// Started receives each request as it starts.
func (p *Provider) Started() <-chan provider.Request {
	return p.started
}

// Requests returns every request received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

// Prompts returns the prompt of every request received so far.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, r := range p.requests {
		out[i] = r.Prompt
	}
	return out
}

// MaxConcurrent is the highest number of streams that were open at once.
func (p *Provider) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrent
}

type stream struct {
	ctx            context.Context
	owner          *Provider
	reply          Reply
	conversationID string

	pos     int
	waited  bool
	chunk   string
	text    strings.Builder
	err     error
	closed  bool
	closeMu sync.Mutex
}

func (s *stream) Next() bool {
	if s.err != nil {
		return false
	}

	if !s.waited && s.reply.Wait != nil {
		s.waited = true
		if s.reply.IgnoreCancel {
			<-s.reply.Wait
		} else {
			select {
			case <-s.reply.Wait:
			case <-s.ctx.Done():
				s.err = s.ctx.Err()
				return false
			}
		}
	}

	if err := s.ctx.Err(); err != nil && !s.reply.IgnoreCancel {
		s.err = err
		return false
	}

	if s.pos < len(s.reply.Chunks) {
		s.chunk = s.reply.Chunks[s.pos]
		s.pos++
		s.text.WriteString(s.chunk)
		return true
	}

	s.chunk = ""
	s.err = s.reply.Err
	return false
}

func (s *stream) Chunk() string {
	return s.chunk
}

func (s *stream) Err() error {
	return s.err
}

func (s *stream) Response() *provider.Response {
	if s.err != nil {
		return nil
	}
	return &provider.Response{
		Content:        s.text.String(),
		ConversationID: s.conversationID,
		OutputTokens:   s.pos,
	}
}

func (s *stream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.owner.mu.Lock()
	s.owner.open--
	s.owner.mu.Unlock()
	return nil
}
