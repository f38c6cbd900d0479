package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport performs one raw call against one node. Implementations exist for
// JSON-RPC POST endpoints; node-specific HTTP APIs can plug in the same way
// and share the retry/backoff/health logic in Client.
type Transport interface {
	Do(ctx context.Context, nodeURL, method string, params interface{}) (json.RawMessage, error)
}

type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

// HTTPTransport speaks JSON-RPC 2.0 over HTTP POST.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport with the given per-request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Do posts a single JSON-RPC request to nodeURL. Network and HTTP-level
// failures are temporary; an error object in the JSON-RPC envelope means the
// node understood and rejected the request, which is not retryable.
func (t *HTTPTransport) Do(ctx context.Context, nodeURL, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, &NodeError{Node: nodeURL, Code: ErrCodeValidation, Message: "marshal params", Temporary: false, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL, bytes.NewReader(body))
	if err != nil {
		return nil, &NodeError{Node: nodeURL, Code: ErrCodeValidation, Message: "build request", Temporary: false, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &NodeError{Node: nodeURL, Code: ErrCodeTransport, Message: "request failed", Temporary: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NodeError{
			Node:      nodeURL,
			Code:      ErrCodeHTTPStatus,
			Message:   fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Temporary: true,
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NodeError{Node: nodeURL, Code: ErrCodeTransport, Message: "read body", Temporary: true, Cause: err}
	}

	var envelope jsonrpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &NodeError{Node: nodeURL, Code: ErrCodeDecode, Message: "decode envelope", Temporary: true, Cause: err}
	}
	if envelope.Error != nil {
		return nil, &NodeError{
			Node:      nodeURL,
			Code:      ErrCodeRPC,
			Message:   fmt.Sprintf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message),
			Temporary: false,
		}
	}
	return envelope.Result, nil
}
