package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Batch accumulates calls keyed by caller-chosen ids and sends them in one
// round trip. Queueing performs no I/O; Send performs exactly one exchange.
type Batch struct {
	client  *Client
	calls   []batchCall
	indexes map[string]int

	sent    bool
	sendErr error
	results map[string]callResult
}

type batchCall struct {
	callID string
	rpcID  int64
	method string
	params map[string]any
}

type callResult struct {
	result json.RawMessage
	err    *wireError
}

// CallWithID queues one call under id. The id must be unique within the
// batch.
func (b *Batch) CallWithID(id, method string, params map[string]any) error {
	if _, exists := b.indexes[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateCallID, id)
	}
	b.indexes[id] = len(b.calls)
	b.calls = append(b.calls, batchCall{
		callID: id,
		rpcID:  b.client.seq.Add(1),
		method: method,
		params: params,
	})
	return nil
}

// Len reports the number of queued calls.
func (b *Batch) Len() int {
	return len(b.calls)
}

// Send performs the round trip. Calling it again is a no-op that returns the
// first outcome. A transport-level failure is remembered and reported for
// every queued call id on Result.
func (b *Batch) Send(ctx context.Context) error {
	if b.sent {
		return b.sendErr
	}
	b.sent = true

	if len(b.calls) == 0 {
		b.results = map[string]callResult{}
		return nil
	}

	requests := make([]request, len(b.calls))
	byRPCID := make(map[int64]string, len(b.calls))
	for i, call := range b.calls {
		requests[i] = request{JSONRPC: "2.0", Method: call.method, Params: call.params, ID: call.rpcID}
		byRPCID[call.rpcID] = call.callID
	}

	body, err := b.client.post(ctx, requests)
	if err != nil {
		b.sendErr = err
		return err
	}
	var responses []response
	if err := json.Unmarshal(body, &responses); err != nil {
		b.sendErr = fmt.Errorf("%w: decode batch response: %v", ErrTransport, err)
		return b.sendErr
	}

	b.results = make(map[string]callResult, len(responses))
	for _, resp := range responses {
		callID, ok := byRPCID[resp.ID]
		if !ok {
			continue
		}
		b.results[callID] = callResult{result: resp.Result, err: resp.Error}
	}
	return nil
}

// Result returns the cached response for id. Safe to call repeatedly; it
// never triggers I/O.
func (b *Batch) Result(id string) (json.RawMessage, error) {
	if _, queued := b.indexes[id]; !queued {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallID, id)
	}
	if !b.sent {
		return nil, &CallError{ID: id, Message: "batch not sent"}
	}
	if b.sendErr != nil {
		return nil, fmt.Errorf("call %q: %w", id, b.sendErr)
	}
	res, ok := b.results[id]
	if !ok {
		return nil, &CallError{ID: id, Message: "no response for call"}
	}
	if res.err != nil {
		return nil, &CallError{ID: id, Code: res.err.Code, Message: res.err.Message}
	}
	return res.result, nil
}

// ResultInto decodes the result for id into out.
func (b *Batch) ResultInto(id string, out any) error {
	raw, err := b.Result(id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("jsonrpc: decode result for %q: %w", id, err)
	}
	return nil
}
