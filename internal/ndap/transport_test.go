package ndap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/douglance/dbg-sub001/internal/errs"
)

// pipeChild simulates a child process's stdio: writes made by the
// transport land on stdinR; frames written to stdoutW are read by the
// transport's readLoop.
type pipeChild struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
}

func newTransportWithChild(t *testing.T, cap int) (*Transport, *pipeChild) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	tr := NewTransport(cap)
	tr.Attach(stdinW, stdoutR, stderrR)
	return tr, &pipeChild{stdinR: stdinR, stdoutW: stdoutW, stderrW: stderrW}
}

// readRequest reads one framed request the transport wrote to stdin. It
// returns a zero Message on error, which only happens if a test's own
// pipe is torn down early; callers that care about the decoded command
// check the error themselves via readRequestErr.
func readRequest(t *testing.T, r io.Reader) Message {
	t.Helper()
	msg, _ := readRequestErr(r)
	return msg
}

func readRequestErr(r io.Reader) (Message, error) {
	br := bufio.NewReader(r)
	return decodeFrame(br)
}

// writeFrame is used from both the test goroutine and helper goroutines
// simulating the child process, so failures are reported via t.Errorf
// (safe from any goroutine) rather than t.Fatalf.
func writeFrame(t *testing.T, w io.Writer, msg Message) {
	t.Helper()
	frame, err := encodeFrame(msg)
	if err != nil {
		t.Errorf("encodeFrame: %v", err)
		return
	}
	if _, err := w.Write(frame); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	tr, child := newTransportWithChild(t, 0)
	defer tr.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readRequest(t, child.stdinR)
		if req.Command != "threads" {
			t.Errorf("command = %q, want threads", req.Command)
		}
		body, _ := json.Marshal(map[string]int{"count": 1})
		writeFrame(t, child.stdoutW, Message{Type: "response", RequestSeq: req.Seq, Success: true, Command: req.Command, Body: body})
	}()

	body, err := tr.Request(context.Background(), "threads", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	<-done
	var got map[string]int
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got["count"] != 1 {
		t.Fatalf("count = %d, want 1", got["count"])
	}
}

func TestRequestFailureResponse(t *testing.T) {
	tr, child := newTransportWithChild(t, 0)
	defer tr.Close()

	go func() {
		req := readRequest(t, child.stdinR)
		writeFrame(t, child.stdoutW, Message{Type: "response", RequestSeq: req.Seq, Success: false, Message: "boom"})
	}()

	_, err := tr.Request(context.Background(), "evaluate", nil, time.Second)
	if !errs.Is(err, errs.CodeDAPRequestFailed) {
		t.Fatalf("expected ErrDAPRequestFailed, got %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	tr, child := newTransportWithChild(t, 0)
	defer tr.Close()

	go readRequest(t, child.stdinR) // drain the write so Request doesn't block on stdin

	_, err := tr.Request(context.Background(), "stepIn", nil, 20*time.Millisecond)
	if !errs.Is(err, errs.CodeDAPRequestTimeout) {
		t.Fatalf("expected ErrDAPRequestTimeout, got %v", err)
	}
}

func TestMalformedHeaderClosesTransport(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	_ = stderrW

	tr := NewTransport(0)
	tr.Attach(stdinW, stdoutR, stderrR)
	defer stdinR.Close()

	go func() {
		io.WriteString(stdoutW, "Content-Length: notanumber\r\n\r\n")
		stdoutW.Close()
	}()

	reqDone := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), "pause", nil, time.Second)
		reqDone <- err
	}()
	go readRequest(t, stdinR)

	select {
	case err := <-reqDone:
		if !errs.Is(err, errs.CodeDAPProtocolHeaderInvalid) && !errs.Is(err, errs.CodeDAPTransportClosed) {
			t.Fatalf("expected a header/closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for malformed-header failure")
	}
}

func TestProcessExitFailsPendingRequests(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	tr := NewTransport(0)
	tr.Attach(stdinW, stdoutR, stderrR)
	defer stdinR.Close()

	go func() {
		fmt.Fprint(stderrW, "child crashed")
		stderrW.Close()
		stdoutW.Close() // EOF on stdout simulates process exit
	}()

	reqDone := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), "next", nil, time.Second)
		reqDone <- err
	}()
	go readRequest(t, stdinR)

	select {
	case err := <-reqDone:
		if !errs.Is(err, errs.CodeDAPProcessExited) {
			t.Fatalf("expected ErrDAPProcessExited, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process-exit failure")
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	tr, child := newTransportWithChild(t, 0)
	go readRequest(t, child.stdinR)

	reqDone := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), "continue", nil, time.Second)
		reqDone <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Close()

	select {
	case err := <-reqDone:
		if !errs.Is(err, errs.CodeDAPTransportClosed) {
			t.Fatalf("expected ErrDAPTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close to fail the pending request")
	}
}

func TestRequestAfterCloseIsRejected(t *testing.T) {
	tr := NewTransport(0)
	tr.Attach(&bytes.Buffer{}, bytes.NewReader(nil), bytes.NewReader(nil))
	tr.Close()

	_, err := tr.Request(context.Background(), "threads", nil, time.Second)
	if !errs.Is(err, errs.CodeDAPTransportClosed) {
		t.Fatalf("expected ErrDAPTransportClosed, got %v", err)
	}
}

func TestEventSubscription(t *testing.T) {
	tr, child := newTransportWithChild(t, 0)
	defer tr.Close()

	got := make(chan Message, 1)
	tr.Subscribe("stopped", func(m Message) { got <- m })

	writeFrame(t, child.stdoutW, Message{Type: "event", Event: "stopped"})

	select {
	case m := <-got:
		if m.Event != "stopped" {
			t.Fatalf("event = %q, want stopped", m.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}
