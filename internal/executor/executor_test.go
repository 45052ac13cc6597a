package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/net/websocket"

	"github.com/douglance/dbg-sub001/internal/bwp"
	"github.com/douglance/dbg-sub001/internal/ndap"
	"github.com/douglance/dbg-sub001/internal/types"
)

// readNDAPRequest reads one Content-Length framed message off r, the way
// the child process side of an ndap.Transport would.
func readNDAPRequest(r *bufio.Reader) (ndap.Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return ndap.Message{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
	if err != nil {
		return ndap.Message{}, err
	}
	if _, err := r.ReadString('\n'); err != nil { // blank line
		return ndap.Message{}, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return ndap.Message{}, err
	}
	var msg ndap.Message
	err = json.Unmarshal(body, &msg)
	return msg, err
}

func writeNDAPFrame(w io.Writer, msg ndap.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return err
}

func TestNDAPExecutorSendRoundTrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, _ := io.Pipe()

	tr := ndap.NewTransport(0)
	tr.Attach(stdinW, stdoutR, stderrR)
	defer tr.Close()

	state := types.NewDebuggerState(types.ProtoNDAP)
	exec := NewNDAPExecutor(tr, state, nil)

	go func() {
		req, err := readNDAPRequest(bufio.NewReader(stdinR))
		if err != nil {
			return
		}
		body, _ := json.Marshal(map[string]int{"threadId": 1})
		writeNDAPFrame(stdoutW, ndap.Message{Type: "response", Success: true, RequestSeq: req.Seq, Command: req.Command, Body: body})
	}()

	result, err := exec.Send(context.Background(), "threads", nil, 1000)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v (raw %s)", err, result)
	}
	if got["threadId"] != 1 {
		t.Fatalf("threadId = %d, want 1", got["threadId"])
	}
}

func TestNDAPExecutorExposesProtocolAndCapabilities(t *testing.T) {
	tr := ndap.NewTransport(0)
	state := types.NewDebuggerState(types.ProtoNDAP)
	exec := NewNDAPExecutor(tr, state, nil)

	if exec.Protocol() != types.ProtoNDAP {
		t.Fatalf("Protocol() = %v, want NDAP", exec.Protocol())
	}
	if exec.GetState() != state {
		t.Fatal("GetState() did not return the bound state")
	}
	if !exec.Capabilities().Breakpoints {
		t.Fatal("expected NDAP capabilities to include breakpoints")
	}
}

func TestBWPExecutorSendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(c *websocket.Conn) {
		var env struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := websocket.JSON.Receive(c, &env); err != nil {
			return
		}
		result, _ := json.Marshal(map[string]bool{"enabled": true})
		websocket.JSON.Send(c, struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: env.ID, Result: result})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream, err := bwp.Dial(url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()

	state := types.NewDebuggerState(types.ProtoBWP)
	exec := NewBWPExecutor(stream, state, nil)

	result, err := exec.Send(context.Background(), "Runtime.enable", map[string]string{}, 1000)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got map[string]bool
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got["enabled"] {
		t.Fatalf("result = %v, want enabled=true", got)
	}
}

func TestBWPExecutorExposesProtocolAndCapabilities(t *testing.T) {
	exec := NewBWPExecutor(nil, types.NewDebuggerState(types.ProtoBWP), nil)
	if exec.Protocol() != types.ProtoBWP {
		t.Fatalf("Protocol() = %v, want BWP", exec.Protocol())
	}
	if !exec.Capabilities().DOM {
		t.Fatal("expected BWP capabilities to include dom")
	}
}
