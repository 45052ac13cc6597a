// Package ndap implements the length-prefixed request/response+event
// transport used to talk to a native debug-adapter child process (spec
// §4.6). Framing is `Content-Length: <n>\r\n\r\n<n bytes of JSON>`; outbound
// messages carry a monotonically increasing seq, and request/response pairs
// are correlated by request_seq echoed from the peer.
package ndap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/douglance/dbg-sub001/internal/errs"
	"golang.org/x/sync/semaphore"
)

// State is the transport's lifecycle phase (spec §4.6).
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// defaultOutstandingCap bounds the number of in-flight requests (spec §9's
// DAP_TRANSPORT_BACKPRESSURE). Overridable via NewTransport's cap parameter.
const defaultOutstandingCap = 1024

const defaultRequestTimeout = 30 * time.Second

// Message is the wire shape shared by request/response/event frames.
type Message struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Command    string          `json:"command,omitempty"`
	RequestSeq int64           `json:"request_seq,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Event      string          `json:"event,omitempty"`
}

// EventHandler receives dispatched events for a subscribed name.
type EventHandler func(Message)

type pending struct {
	resultCh chan Message
	errCh    chan error
	timer    *time.Timer
}

// Transport manages one child process's NDAP stream: writing outbound
// requests, draining its stdout for responses/events, and tracking the last
// 4 KiB of its stderr for exit diagnostics.
type Transport struct {
	mu       sync.Mutex
	state    State
	writer   io.Writer
	seq      int64
	pendingM map[int64]*pending

	sem *semaphore.Weighted

	subsMu sync.Mutex
	subs   map[string][]EventHandler

	stderrMu  sync.Mutex
	stderrBuf []byte

	closedCh chan struct{}
}

// NewTransport returns an unattached transport. cap <= 0 uses
// defaultOutstandingCap. Reading begins only once Attach is called.
func NewTransport(cap int) *Transport {
	if cap <= 0 {
		cap = defaultOutstandingCap
	}
	return &Transport{
		state:    StateOpen,
		pendingM: make(map[int64]*pending),
		sem:      semaphore.NewWeighted(int64(cap)),
		subs:     make(map[string][]EventHandler),
		closedCh: make(chan struct{}),
	}
}

// Attach binds the transport to the child's stdin (for writes) and spawns
// the stdout/stderr reader goroutines.
func (t *Transport) Attach(stdin io.Writer, stdout io.Reader, stderr io.Reader) {
	t.mu.Lock()
	t.writer = stdin
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.drainStderr(stderr)
}

// Subscribe registers handler for a response command or an event name (""
// for every response and event), invoked in registration order. Subscriber panics are
// recovered so one bad subscriber cannot take down the transport or affect
// others (spec §4.6).
func (t *Transport) Subscribe(name string, handler EventHandler) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	t.subs[name] = append(t.subs[name], handler)
}

func (t *Transport) dispatch(name string, msg Message) {
	t.subsMu.Lock()
	handlers := append([]EventHandler(nil), t.subs[name]...)
	t.subsMu.Unlock()
	for _, h := range handlers {
		t.safeInvoke(h, msg)
	}
}

func (t *Transport) safeInvoke(h EventHandler, msg Message) {
	defer func() { recover() }()
	h(msg)
}

// Request sends a command and blocks until its response, timeout, or
// transport closure. timeout <= 0 uses defaultRequestTimeout.
func (t *Transport) Request(ctx context.Context, command string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	if !t.sem.TryAcquire(1) {
		return nil, errs.New(errs.CodeDAPTransportBackpressure, "too many outstanding NDAP requests")
	}
	defer t.sem.Release(1)

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil, errs.New(errs.CodeDAPTransportClosed, "transport closed")
	}
	t.seq++
	seq := t.seq

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.mu.Unlock()
		return nil, errs.Wrap(errs.CodeDAPRequestFailed, err, "marshaling request arguments")
	}

	p := &pending{resultCh: make(chan Message, 1), errCh: make(chan error, 1)}
	p.timer = time.AfterFunc(timeout, func() { t.failPending(seq, errs.New(errs.CodeDAPRequestTimeout, "request %q timed out after %s", command, timeout)) })
	t.pendingM[seq] = p
	writer := t.writer
	t.mu.Unlock()

	frame, err := encodeFrame(Message{Seq: seq, Type: "request", Command: command, Arguments: argsJSON})
	if err != nil {
		t.removePending(seq)
		return nil, errs.Wrap(errs.CodeDAPRequestFailed, err, "encoding request")
	}
	if _, err := writer.Write(frame); err != nil {
		t.removePending(seq)
		return nil, errs.Wrap(errs.CodeDAPTransportClosed, err, "writing request")
	}

	select {
	case msg := <-p.resultCh:
		p.timer.Stop()
		if !msg.Success {
			return nil, errs.New(errs.CodeDAPRequestFailed, "%s", msg.Message)
		}
		return msg.Body, nil
	case err := <-p.errCh:
		p.timer.Stop()
		return nil, err
	case <-ctx.Done():
		t.removePending(seq)
		p.timer.Stop()
		return nil, ctx.Err()
	case <-t.closedCh:
		return nil, errs.New(errs.CodeDAPTransportClosed, "transport closed")
	}
}

func (t *Transport) removePending(seq int64) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pendingM[seq]
	delete(t.pendingM, seq)
	return p
}

func (t *Transport) failPending(seq int64, err error) {
	p := t.removePending(seq)
	if p != nil {
		p.errCh <- err
	}
}

// failAllPending fails every outstanding request with err, used on close,
// process exit, and malformed-header protocol failures (spec §4.6).
func (t *Transport) failAllPending(err error) {
	t.mu.Lock()
	pendings := t.pendingM
	t.pendingM = make(map[int64]*pending)
	t.mu.Unlock()
	for _, p := range pendings {
		p.timer.Stop()
		p.errCh <- err
	}
}

func (t *Transport) readLoop(stdout io.Reader) {
	br := bufio.NewReader(stdout)
	for {
		msg, err := decodeFrame(br)
		if err != nil {
			if isHeaderError(err) {
				t.failAllPending(errs.Wrap(errs.CodeDAPProtocolHeaderInvalid, err, "malformed Content-Length header"))
				t.transitionClosed()
				return
			}
			t.handleProcessExit()
			return
		}
		t.handleMessage(msg)
	}
}

func (t *Transport) handleMessage(msg Message) {
	switch msg.Type {
	case "response":
		t.mu.Lock()
		p, ok := t.pendingM[msg.RequestSeq]
		if ok {
			delete(t.pendingM, msg.RequestSeq)
		}
		t.mu.Unlock()
		if ok {
			p.timer.Stop()
			p.resultCh <- msg
		}
		t.dispatch(msg.Command, msg)
		t.dispatch("", msg)
	case "event":
		t.dispatch(msg.Event, msg)
		t.dispatch("", msg)
	}
}

func (t *Transport) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			t.stderrMu.Lock()
			t.stderrBuf = append(t.stderrBuf, buf[:n]...)
			if len(t.stderrBuf) > 4096 {
				t.stderrBuf = t.stderrBuf[len(t.stderrBuf)-4096:]
			}
			t.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) lastStderr() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return string(t.stderrBuf)
}

// handleProcessExit transitions the transport to Closing then Closed and
// fails every pending request with DAP_PROCESS_EXITED carrying the last 4
// KiB of stderr (spec §4.6, §8 "NDAP exit semantics").
func (t *Transport) handleProcessExit() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosing
	t.mu.Unlock()

	stderr := t.lastStderr()
	t.failAllPending(errs.New(errs.CodeDAPProcessExited, "child process exited: %s", stderr))
	t.transitionClosed()
}

func (t *Transport) transitionClosed() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	t.mu.Unlock()
	close(t.closedCh)
}

// Close transitions the transport to Closed, failing every pending request
// with DAP_TRANSPORT_CLOSED (spec §5 "close(session) cancels all pending
// send operations").
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	t.mu.Unlock()
	t.failAllPending(errs.New(errs.CodeDAPTransportClosed, "transport closed"))
	close(t.closedCh)
}

func encodeFrame(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	return append([]byte(header), body...), nil
}

type headerError struct{ inner error }

func (e *headerError) Error() string { return e.inner.Error() }
func (e *headerError) Unwrap() error { return e.inner }

func isHeaderError(err error) bool {
	_, ok := err.(*headerError)
	return ok
}

func decodeFrame(br *bufio.Reader) (Message, error) {
	var contentLength int
	haveLength := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(name) == "Content-Length" {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return Message{}, &headerError{inner: err}
			}
			contentLength = n
			haveLength = true
		}
	}
	if !haveLength {
		return Message{}, &headerError{inner: fmt.Errorf("missing Content-Length header")}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
