package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/history"
	"github.com/harun/parley/pkg/session"
)

const defaultMessageLimit = 50

type agentRef struct {
	Agent string `json:"agent"`
	ID    string `json:"id"`
}

type createParams struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	MaxTokens    int      `json:"maxTokens"`
	Tools        []string `json:"tools"`
}

type queryParams struct {
	agentRef
	Prompt string `json:"prompt"`
}

type sendParams struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

type messagesParams struct {
	Limit    *int   `json:"limit"`
	ForAgent string `json:"forAgent"`
	MarkRead bool   `json:"markRead"`
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// QueryResult is returned by agent.query.
type QueryResult struct {
	TaskID  string         `json:"taskId"`
	Status  session.Status `json:"status"`
	Pending int            `json:"pending"`
}

// HistoryResult is returned by agent.history.
type HistoryResult struct {
	Agent    string            `json:"agent,omitempty"`
	ID       string            `json:"id"`
	Messages []history.Message `json:"messages"`
}

// MessagesResult is returned by chat.messages and chat.search.
type MessagesResult struct {
	Messages []chat.Message `json:"messages"`
	Cleared  int            `json:"cleared,omitempty"`
}

// decodeParams converts the generic params map into a typed struct.
func decodeParams(params map[string]interface{}, dst interface{}) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return invalidParams("Invalid params", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return invalidParams("Invalid params", err)
	}
	return nil
}

func (s *Server) registerBuiltinMethods() {
	methods := []struct {
		name    string
		schema  string
		handler RequestHandler
	}{
		{"agent.create", schemaAgentCreate, s.handleAgentCreate},
		{"agent.query", schemaAgentQuery, s.handleAgentQuery},
		{"agent.history", schemaAgentRef, s.handleAgentHistory},
		{"agent.clear", schemaAgentRef, s.handleAgentClear},
		{"agent.cancel", schemaAgentRef, s.handleAgentCancel},
		{"agent.remove", schemaAgentRef, s.handleAgentRemove},
		{"agent.list", "", s.handleAgentList},
		{"chat.send", schemaChatSend, s.handleChatSend},
		{"chat.messages", schemaChatMessages, s.handleChatMessages},
		{"chat.search", schemaChatSearch, s.handleChatSearch},
		{"queue.stats", "", s.handleQueueStats},
		{"gateway.clients", "", s.handleClients},
	}

	for _, m := range methods {
		if err := s.router.RegisterMethod(m.name, m.schema, m.handler); err != nil {
			// Built-in schemas are constants; a failure here is a programming error.
			panic(err)
		}
	}
}

func (s *Server) resolveSession(params map[string]interface{}) (*session.Session, error) {
	var ref agentRef
	if err := decodeParams(params, &ref); err != nil {
		return nil, err
	}

	var (
		sess *session.Session
		ok   bool
	)
	if ref.ID != "" {
		sess, ok = s.sessions.GetSessionByID(ref.ID)
	} else {
		sess, ok = s.sessions.GetSessionByName(ref.Agent)
	}
	if !ok {
		name := ref.Agent
		if name == "" {
			name = ref.ID
		}
		return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("Agent not found: %s", name)}
	}
	return sess, nil
}

func (s *Server) handleAgentCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p createParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	sess, err := s.sessions.CreateSession(ctx, p.Name, session.Options{
		Model:        p.Model,
		Tools:        p.Tools,
		SystemPrompt: p.SystemPrompt,
		MaxTokens:    p.MaxTokens,
	})
	switch {
	case errors.Is(err, session.ErrSessionExists):
		return nil, &RPCError{Code: Conflict, Message: err.Error()}
	case errors.Is(err, history.ErrInvalidAgentName), errors.Is(err, session.ErrReservedName):
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	case err != nil:
		return nil, err
	}
	return sess.Info(), nil
}

func (s *Server) handleAgentQuery(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.resolveSession(params)
	if err != nil {
		return nil, err
	}
	var p queryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	task, err := sess.Submit(ctx, p.Prompt, nil)
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	case errors.Is(err, session.ErrSessionClosed):
		return nil, &RPCError{Code: NotFound, Message: err.Error()}
	case err != nil:
		return nil, err
	}

	return QueryResult{
		TaskID:  task.ID,
		Status:  sess.Status(),
		Pending: len(sess.Pending()),
	}, nil
}

func (s *Server) handleAgentHistory(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return HistoryResult{Agent: sess.AgentName(), ID: sess.ID(), Messages: sess.History()}, nil
}

func (s *Server) handleAgentClear(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.resolveSession(params)
	if err != nil {
		return nil, err
	}
	sess.ClearHistory()
	return map[string]interface{}{"cleared": true}, nil
}

func (s *Server) handleAgentCancel(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": sess.Cancel()}, nil
}

func (s *Server) handleAgentRemove(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": s.sessions.RemoveSession(sess.ID())}, nil
}

func (s *Server) handleAgentList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions := s.sessions.Sessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return map[string]interface{}{"agents": infos}, nil
}

func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.chat == nil {
		return nil, &RPCError{Code: InternalError, Message: "chat is not configured"}
	}
	var p sendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	result, err := s.chat.Send(ctx, p.From, p.Content, p.To)
	if errors.Is(err, chat.ErrEmptyContent) || errors.Is(err, chat.ErrEmptySender) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleChatMessages(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if s.chat == nil {
		return nil, &RPCError{Code: InternalError, Message: "chat is not configured"}
	}
	var p messagesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	limit := defaultMessageLimit
	if p.Limit != nil {
		limit = *p.Limit
	}

	msgs, err := s.chat.Messages(limit, p.ForAgent)
	if err != nil {
		return nil, err
	}
	result := MessagesResult{Messages: msgs}
	if p.MarkRead && p.ForAgent != "" {
		cleared, err := s.chat.MarkRead(p.ForAgent)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent", p.ForAgent).Msg("Failed to clear unread messages")
		}
		result.Cleared = cleared
	}
	return result, nil
}

func (s *Server) handleChatSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.archive == nil {
		return nil, &RPCError{Code: InternalError, Message: "chat archive is disabled"}
	}
	var p searchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	msgs, err := s.archive.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return MessagesResult{Messages: msgs}, nil
}

func (s *Server) handleQueueStats(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if s.queue == nil {
		return map[string]interface{}{"lanes": map[string]interface{}{}}, nil
	}
	queued, running := s.queue.Totals()
	return map[string]interface{}{
		"lanes":   s.queue.GetStats(),
		"queued":  queued,
		"running": running,
	}, nil
}

func (s *Server) handleClients(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.GetConnectedClients()}, nil
}
