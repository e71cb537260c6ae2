package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/session"
)

// RPCClient calls a running gateway. It is what companion commands use to
// reach the daemon.
type RPCClient struct {
	baseURL string
	secret  string
	http    *http.Client
	seq     atomic.Int64
}

// NewClient creates a client for the gateway at baseURL, for example
// "http://127.0.0.1:7420".
func NewClient(baseURL, secret string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Call invokes method and decodes the result into out (which may be nil).
// RPC failures are returned as *RPCError.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	return c.call(ctx, RPCRequest{Method: method, Params: params}, out)
}

func (c *RPCClient) call(ctx context.Context, req RPCRequest, out interface{}) error {
	req.JSONRPC = "2.0"
	req.ID = fmt.Sprintf("%d", c.seq.Add(1))

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody*8))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Healthy reports whether the gateway answers /healthz.
func (c *RPCClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Send posts a chat message through the daemon so delivery happens there.
// idempotencyKey makes retries of the same send safe; empty disables it.
func (c *RPCClient) Send(ctx context.Context, from, content, to, idempotencyKey string) (chat.SendResult, error) {
	params := map[string]interface{}{"from": from, "content": content}
	if to != "" {
		params["to"] = to
	}
	var result chat.SendResult
	err := c.call(ctx, RPCRequest{Method: "chat.send", Params: params, IdempotencyKey: idempotencyKey}, &result)
	return result, err
}

// Query queues a prompt on a named agent.
func (c *RPCClient) Query(ctx context.Context, agent, prompt string) (QueryResult, error) {
	var result QueryResult
	err := c.Call(ctx, "agent.query", map[string]interface{}{"agent": agent, "prompt": prompt}, &result)
	return result, err
}

// Agents lists live sessions.
func (c *RPCClient) Agents(ctx context.Context) ([]session.Info, error) {
	var result struct {
		Agents []session.Info `json:"agents"`
	}
	err := c.Call(ctx, "agent.list", nil, &result)
	return result.Agents, err
}

// Search queries the chat archive.
func (c *RPCClient) Search(ctx context.Context, query string, limit int) ([]chat.Message, error) {
	var result MessagesResult
	err := c.Call(ctx, "chat.search", map[string]interface{}{"query": query, "limit": limit}, &result)
	return result.Messages, err
}
