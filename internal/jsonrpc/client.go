// Package jsonrpc is a minimal JSON-RPC 2.0 client with batch support. A
// batch groups many named calls into one HTTP round trip; per-call results
// are addressed by a caller-chosen id and cached, so one call's failure
// never blocks retrieval of another's result.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	ErrTransport       = errors.New("jsonrpc: transport failure")
	ErrDuplicateCallID = errors.New("jsonrpc: duplicate call id")
	ErrUnknownCallID   = errors.New("jsonrpc: unknown call id")
)

// CallError is a per-call failure reported by the remote side, or a local
// condition (batch not sent) that makes the result unavailable.
type CallError struct {
	ID      string
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("jsonrpc: call %q failed: %s (code %d)", e.ID, e.Message, e.Code)
}

// Client posts JSON-RPC 2.0 requests to one endpoint URL.
type Client struct {
	url   string
	httpc *http.Client
	seq   atomic.Int64
}

// NewClient builds a client for url. A nil httpc gets a 30s-timeout default.
func NewClient(url string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, httpc: httpc}
}

type request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
	ID      int64           `json:"id"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call performs one non-batched request and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: c.seq.Add(1)}
	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if resp.Error != nil {
		return nil, &CallError{ID: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Batch starts an empty batch bound to this client.
func (c *Client) Batch() *Batch {
	return &Batch{
		client:  c,
		indexes: make(map[string]int),
	}
}

func (c *Client) post(ctx context.Context, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrTransport, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %s", ErrTransport, httpResp.Status)
	}
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	return body, nil
}
