package gateway

import (
	"context"
	"encoding/json"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RequestHandler handles one RPC method. Returning an *RPCError selects the
// error code; any other error is reported as InternalError.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32004
	Conflict               = -32009
)

// SecretHeader carries the shared secret on HTTP and websocket requests.
const SecretHeader = "X-Parley-Secret"

// TraceHeader carries an optional caller trace id.
const TraceHeader = "X-Trace-Id"

func invalidParams(format string, err error) *RPCError {
	return &RPCError{Code: InvalidParams, Message: format, Data: errString(err)}
}

func errString(err error) interface{} {
	if err == nil {
		return nil
	}
	return err.Error()
}
