package attachfsm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/ndap"
)

// fakeAdapter wires an ndap.Transport to an in-process goroutine that
// answers attach/threads/stackTrace in order, simulating a well-behaved
// debug adapter's stop-state handshake.
func fakeAdapter(t *testing.T) *ndap.Transport {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, _ := io.Pipe()

	tr := ndap.NewTransport(0)
	tr.Attach(stdinW, stdoutR, stderrR)

	go func() {
		br := bufio.NewReader(stdinR)
		for {
			req, err := readFrame(br)
			if err != nil {
				return
			}
			var body json.RawMessage
			switch req.Command {
			case "attach":
				body = json.RawMessage(`{}`)
			case "threads":
				body = json.RawMessage(`{"threads":[{"id":7}]}`)
			case "stackTrace":
				body = json.RawMessage(`{"stackFrames":[{"id":1}]}`)
			}
			writeFrame(stdoutW, ndap.Message{Type: "response", Success: true, RequestSeq: req.Seq, Command: req.Command, Body: body})
		}
	}()
	return tr
}

// brokenAdapter answers attach successfully but fails the threads request.
func brokenAdapter(t *testing.T) *ndap.Transport {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, _ := io.Pipe()

	tr := ndap.NewTransport(0)
	tr.Attach(stdinW, stdoutR, stderrR)

	go func() {
		br := bufio.NewReader(stdinR)
		for {
			req, err := readFrame(br)
			if err != nil {
				return
			}
			switch req.Command {
			case "attach":
				writeFrame(stdoutW, ndap.Message{Type: "response", Success: true, RequestSeq: req.Seq, Command: req.Command, Body: json.RawMessage(`{}`)})
			default:
				writeFrame(stdoutW, ndap.Message{Type: "response", Success: false, RequestSeq: req.Seq, Command: req.Command, Message: "not supported"})
			}
		}
	}()
	return tr
}

func readFrame(r *bufio.Reader) (ndap.Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return ndap.Message{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
	if err != nil {
		return ndap.Message{}, err
	}
	if _, err := r.ReadString('\n'); err != nil {
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

func writeFrame(w io.Writer, msg ndap.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return err
}

func TestRunSucceedsOnFirstStrategy(t *testing.T) {
	res := Resolution{
		Name: "main",
		PID:  123,
		Mode: ModeStrict,
		Launch: func(ctx context.Context, strategy Strategy) (*ndap.Transport, error) {
			if strategy != StrategyDeviceProcess {
				t.Fatalf("strategy = %v, want device-process", strategy)
			}
			return fakeAdapter(t), nil
		},
	}

	result := Run(context.Background(), res)
	if result.State != StateRegistered {
		t.Fatalf("state = %v, want registered (err=%v)", result.State, result.Err)
	}
	if len(result.StrategyHistory) != 1 || result.StrategyHistory[0] != StrategyDeviceProcess {
		t.Fatalf("strategy history = %v, want [device-process]", result.StrategyHistory)
	}
}

func TestRunWithNoPidOrDeviceFailsImmediately(t *testing.T) {
	res := Resolution{
		Name: "main",
		Mode: ModeStrict,
		Launch: func(ctx context.Context, strategy Strategy) (*ndap.Transport, error) {
			t.Fatal("Launch should not be called when resolution has no pid or device")
			return nil, nil
		},
	}

	result := Run(context.Background(), res)
	if result.State != StateFailed {
		t.Fatalf("state = %v, want failed", result.State)
	}
	if !errs.Is(result.Err, errs.CodeDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", result.Err)
	}
}

func TestRunStrictModeDoesNotFallBack(t *testing.T) {
	calls := 0
	res := Resolution{
		Name: "main",
		PID:  123,
		Mode: ModeStrict,
		Launch: func(ctx context.Context, strategy Strategy) (*ndap.Transport, error) {
			calls++
			return brokenAdapter(t), nil
		},
	}

	result := Run(context.Background(), res)
	if result.State != StateFailed {
		t.Fatalf("state = %v, want failed", result.State)
	}
	if calls != 1 {
		t.Fatalf("Launch called %d times, want 1 (strict mode must not fall back)", calls)
	}
	if len(result.StrategyHistory) != 1 || result.StrategyHistory[0] != StrategyDeviceProcess {
		t.Fatalf("strategy history = %v, want [device-process]", result.StrategyHistory)
	}
}

func TestRunAutoModeFallsBackToGDBRemote(t *testing.T) {
	var strategies []Strategy
	res := Resolution{
		Name: "main",
		PID:  123,
		Mode: ModeAuto,
		Launch: func(ctx context.Context, strategy Strategy) (*ndap.Transport, error) {
			strategies = append(strategies, strategy)
			if strategy == StrategyDeviceProcess {
				return brokenAdapter(t), nil
			}
			return fakeAdapter(t), nil
		},
	}

	result := Run(context.Background(), res)
	if result.State != StateRegistered {
		t.Fatalf("state = %v, want registered (err=%v)", result.State, result.Err)
	}
	if len(strategies) != 2 || strategies[0] != StrategyDeviceProcess || strategies[1] != StrategyGDBRemote {
		t.Fatalf("strategies = %v, want [device-process gdb-remote]", strategies)
	}
}

func TestRunLaunchErrorIsWrapped(t *testing.T) {
	res := Resolution{
		Name: "main",
		PID:  123,
		Mode: ModeStrict,
		Launch: func(ctx context.Context, strategy Strategy) (*ndap.Transport, error) {
			return nil, errs.New(errs.CodeLLDBDAPUnavailable, "no adapter binary")
		},
	}

	result := Run(context.Background(), res)
	if result.State != StateFailed {
		t.Fatalf("state = %v, want failed", result.State)
	}
	if !errs.Is(result.Err, errs.CodeAttachDeniedOrTimeout) {
		t.Fatalf("expected the failure to surface as ErrAttachDeniedOrTimeout, got %v", result.Err)
	}
}

func TestRunRespectsDeadline(t *testing.T) {
	res := Resolution{
		Name:     "main",
		PID:      123,
		Mode:     ModeStrict,
		Deadline: 10 * time.Millisecond,
		Launch: func(ctx context.Context, strategy Strategy) (*ndap.Transport, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	result := Run(context.Background(), res)
	if result.State != StateFailed {
		t.Fatalf("state = %v, want failed", result.State)
	}
}
