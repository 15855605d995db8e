package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// testServer answers JSON-RPC batches with handler-provided per-method
// results.
func testServer(t *testing.T, hits *atomic.Int64, handle func(method string, params map[string]any) (any, *wireError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		var reqs []request
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("decode batch: %v", err)
			return
		}
		resps := make([]map[string]any, 0, len(reqs))
		for _, req := range reqs {
			result, rpcErr := handle(req.Method, req.Params)
			entry := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if rpcErr != nil {
				entry["error"] = rpcErr
			} else {
				entry["result"] = result
			}
			resps = append(resps, entry)
		}
		if err := json.NewEncoder(w).Encode(resps); err != nil {
			t.Errorf("encode batch response: %v", err)
		}
	}))
}

func TestBatchDuplicateCallID(t *testing.T) {
	c := NewClient("http://127.0.0.1:0/", nil)
	b := c.Batch()
	if err := b.CallWithID("a", "x.one", nil); err != nil {
		t.Fatalf("queue call: %v", err)
	}
	if err := b.CallWithID("a", "x.two", nil); !errors.Is(err, ErrDuplicateCallID) {
		t.Fatalf("expected ErrDuplicateCallID, got %v", err)
	}
}

func TestBatchUnknownCallID(t *testing.T) {
	srv := testServer(t, nil, func(string, map[string]any) (any, *wireError) {
		return "ok", nil
	})
	defer srv.Close()

	b := NewClient(srv.URL, nil).Batch()
	if err := b.CallWithID("present", "x.one", nil); err != nil {
		t.Fatalf("queue call: %v", err)
	}
	if err := b.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Result("absent"); !errors.Is(err, ErrUnknownCallID) {
		t.Fatalf("expected ErrUnknownCallID, got %v", err)
	}
}

func TestBatchPerCallFailureIsolated(t *testing.T) {
	var hits atomic.Int64
	srv := testServer(t, &hits, func(method string, _ map[string]any) (any, *wireError) {
		if method == "x.bad" {
			return nil, &wireError{Code: 100, Message: "nope"}
		}
		return "fine", nil
	})
	defer srv.Close()

	b := NewClient(srv.URL, nil).Batch()
	for id, method := range map[string]string{"good": "x.good", "bad": "x.bad", "other": "x.other"} {
		if err := b.CallWithID(id, method, nil); err != nil {
			t.Fatalf("queue call: %v", err)
		}
	}
	if err := b.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	var callErr *CallError
	if _, err := b.Result("bad"); !errors.As(err, &callErr) || callErr.Code != 100 {
		t.Fatalf("expected CallError code 100, got %v", err)
	}
	var good string
	if err := b.ResultInto("good", &good); err != nil || good != "fine" {
		t.Fatalf("good result: %q err=%v", good, err)
	}
	if _, err := b.Result("other"); err != nil {
		t.Fatalf("other result: %v", err)
	}

	// Repeated lookups are cached, never re-sent.
	for i := 0; i < 5; i++ {
		if _, err := b.Result("good"); err != nil {
			t.Fatalf("repeat result: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one round trip, got %d", hits.Load())
	}
}

func TestBatchTransportFailurePoisonsAllIDs(t *testing.T) {
	srv := testServer(t, nil, func(string, map[string]any) (any, *wireError) { return nil, nil })
	srv.Close() // connection refused from here on

	b := NewClient(srv.URL, nil).Batch()
	if err := b.CallWithID("a", "x.one", nil); err != nil {
		t.Fatalf("queue call: %v", err)
	}
	if err := b.CallWithID("b", "x.two", nil); err != nil {
		t.Fatalf("queue call: %v", err)
	}
	if err := b.Send(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport from send, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := b.Result(id); !errors.Is(err, ErrTransport) {
			t.Fatalf("result %q: expected ErrTransport, got %v", id, err)
		}
	}
}

func TestBatchResultBeforeSend(t *testing.T) {
	b := NewClient("http://127.0.0.1:0/", nil).Batch()
	if err := b.CallWithID("a", "x.one", nil); err != nil {
		t.Fatalf("queue call: %v", err)
	}
	var callErr *CallError
	if _, err := b.Result("a"); !errors.As(err, &callErr) {
		t.Fatalf("expected CallError before send, got %v", err)
	}
}

func TestBatchSendIdempotent(t *testing.T) {
	var hits atomic.Int64
	srv := testServer(t, &hits, func(string, map[string]any) (any, *wireError) { return true, nil })
	defer srv.Close()

	b := NewClient(srv.URL, nil).Batch()
	if err := b.CallWithID("a", "x.one", nil); err != nil {
		t.Fatalf("queue call: %v", err)
	}
	if err := b.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(context.Background()); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("batch sent %d times", hits.Load())
	}
}

func TestSingleCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Method != "device.check_approval" {
			t.Errorf("unexpected method %q", req.Method)
		}
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"state": "pending"},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	raw, err := c.Call(context.Background(), "device.check_approval", map[string]any{"serial": "s1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var out struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.State != "pending" {
		t.Fatalf("unexpected state %q", out.State)
	}
}
