package bwp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/douglance/dbg-sub001/internal/errs"
)

// echoServer starts a websocket server that runs handler against each
// connection, and returns the ws:// URL to dial it.
func echoServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	url := echoServer(t, func(c *websocket.Conn) {
		var msg rpcMessage
		if err := websocket.JSON.Receive(c, &msg); err != nil {
			return
		}
		result, _ := json.Marshal(map[string]bool{"ok": true})
		websocket.JSON.Send(c, rpcMessage{ID: msg.ID, Result: result})
	})

	s, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	result, err := s.Call(context.Background(), "Runtime.enable", map[string]string{}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got map[string]bool
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got["ok"] {
		t.Fatalf("result = %v, want ok=true", got)
	}
}

func TestCallReturnsRemoteError(t *testing.T) {
	url := echoServer(t, func(c *websocket.Conn) {
		var msg rpcMessage
		if err := websocket.JSON.Receive(c, &msg); err != nil {
			return
		}
		websocket.JSON.Send(c, rpcMessage{ID: msg.ID, Error: &rpcError{Code: -32000, Message: "no such target"}})
	})

	s, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	_, err = s.Call(context.Background(), "Target.activate", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "no such target") {
		t.Fatalf("expected remote error message, got %v", err)
	}
}

func TestCallTimeoutWhenServerNeverResponds(t *testing.T) {
	block := make(chan struct{})
	url := echoServer(t, func(c *websocket.Conn) {
		<-block
	})
	defer close(block)

	s, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	_, err = s.Call(context.Background(), "Debugger.pause", nil, 20*time.Millisecond)
	if !errs.Is(err, errs.CodeDiscoveryTimeout) {
		t.Fatalf("expected ErrDiscoveryTimeout, got %v", err)
	}
}

func TestEventDispatchedToSubscriber(t *testing.T) {
	ready := make(chan struct{})
	url := echoServer(t, func(c *websocket.Conn) {
		<-ready
		websocket.JSON.Send(c, rpcMessage{Method: "Debugger.paused", Params: json.RawMessage(`{"reason":"breakpoint"}`)})
		<-ready
	})

	s, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	got := make(chan json.RawMessage, 1)
	s.Subscribe("Debugger.paused", func(method string, params json.RawMessage) { got <- params })
	close(ready)

	select {
	case params := <-got:
		var body map[string]string
		json.Unmarshal(params, &body)
		if body["reason"] != "breakpoint" {
			t.Fatalf("params = %s, want reason=breakpoint", params)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestCallAfterCloseIsRejected(t *testing.T) {
	url := echoServer(t, func(c *websocket.Conn) { <-c.Request().Context().Done() })

	s, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s.Close()

	_, err = s.Call(context.Background(), "Runtime.enable", nil, time.Second)
	if !errs.Is(err, errs.CodeBWPTransportClosed) {
		t.Fatalf("expected ErrBWPTransportClosed, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	block := make(chan struct{})
	url := echoServer(t, func(c *websocket.Conn) {
		<-block
	})

	s, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "Debugger.stepOver", nil, 2*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()
	close(block)

	select {
	case err := <-done:
		if !errs.Is(err, errs.CodeBWPTransportClosed) {
			t.Fatalf("expected ErrBWPTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close to fail the pending call")
	}
}
