package bwp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/douglance/dbg-sub001/internal/errs"
)

const defaultRequestTimeout = 30 * time.Second

// rpcMessage is the bidirectional JSON-RPC shape: outbound calls carry id
// and method/params, inbound responses carry id and result/error, and
// inbound events carry method/params with no id (spec §4.7).
type rpcMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EventHandler receives dispatched events for a subscribed method name.
type EventHandler func(method string, params json.RawMessage)

type pendingCall struct {
	resultCh chan rpcMessage
}

// Stream is a connected BWP websocket: id-correlated requests plus
// fire-and-forget events dispatched to per-method subscribers.
type Stream struct {
	conn *websocket.Conn

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool
	closeCh chan struct{}

	subsMu sync.Mutex
	subs   map[string][]EventHandler
}

// Dial connects to the target's websocket debugger URL and starts the
// receive loop.
func Dial(wsURL string, origin string) (*Stream, error) {
	conn, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnreachable, err, "dialing %s", wsURL)
	}
	s := &Stream{
		conn:    conn,
		pending: make(map[int64]*pendingCall),
		subs:    make(map[string][]EventHandler),
		closeCh: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Subscribe registers handler for an event method name, invoked in
// registration order; subscriber panics are recovered.
func (s *Stream) Subscribe(method string, handler EventHandler) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[method] = append(s.subs[method], handler)
}

func (s *Stream) dispatch(method string, params json.RawMessage) {
	s.subsMu.Lock()
	handlers := append([]EventHandler(nil), s.subs[method]...)
	s.subsMu.Unlock()
	for _, h := range handlers {
		s.safeInvoke(h, method, params)
	}
}

func (s *Stream) safeInvoke(h EventHandler, method string, params json.RawMessage) {
	defer func() { recover() }()
	h(method, params)
}

// Call sends a method with params and blocks for the matching id'd response.
func (s *Stream) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.New(errs.CodeBWPTransportClosed, "transport closed")
	}
	s.nextID++
	id := s.nextID
	call := &pendingCall{resultCh: make(chan rpcMessage, 1)}
	s.pending[id] = call
	s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("marshaling params: %w", err)
	}

	if err := websocket.JSON.Send(s.conn, rpcMessage{ID: id, Method: method, Params: paramsJSON}); err != nil {
		s.removePending(id)
		return nil, errs.Wrap(errs.CodeBWPTransportClosed, err, "sending request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-call.resultCh:
		if msg.Error != nil {
			return nil, errs.New(errs.CodeUnreachable, "%s", msg.Error.Message)
		}
		return msg.Result, nil
	case <-timer.C:
		s.removePending(id)
		return nil, errs.New(errs.CodeDiscoveryTimeout, "call %q timed out after %s", method, timeout)
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	case <-s.closeCh:
		return nil, errs.New(errs.CodeBWPTransportClosed, "transport closed")
	}
}

func (s *Stream) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Stream) readLoop() {
	for {
		var msg rpcMessage
		if err := websocket.JSON.Receive(s.conn, &msg); err != nil {
			s.Close()
			return
		}
		if msg.ID != 0 {
			s.mu.Lock()
			call, ok := s.pending[msg.ID]
			if ok {
				delete(s.pending, msg.ID)
			}
			s.mu.Unlock()
			if ok {
				call.resultCh <- msg
			}
			continue
		}
		if msg.Method != "" {
			s.dispatch(msg.Method, msg.Params)
		}
	}
}

// Close shuts down the stream, failing every pending call with
// BWP_TRANSPORT_CLOSED.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closeCh)
	return s.conn.Close()
}
