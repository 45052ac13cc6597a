// Package attachfsm implements the native attach-strategy state machine
// (spec §4.9): Resolving -> Launching -> Handshaking -> Registered|Failed,
// with a gdb-remote fallback in auto mode and a stop-state handshake that
// must fully pass before a session is announced as Registered.
package attachfsm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/ndap"
)

var tracer = otel.Tracer("dbgd/attachfsm")

// State is a phase of the attach-strategy FSM.
type State string

const (
	StateResolving    State = "resolving"
	StateLaunching    State = "launching"
	StateHandshaking  State = "handshaking"
	StateFallingBack  State = "falling_back"
	StateRegistered   State = "registered"
	StateFailed       State = "failed"
)

// Strategy names a way to establish the native transport (spec §4.9).
type Strategy string

const (
	StrategyDeviceProcess Strategy = "device-process"
	StrategyGDBRemote     Strategy = "gdb-remote"
)

// Mode selects whether a device-process failure falls back to gdb-remote.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeAuto   Mode = "auto"
)

// Resolution is the input to Run: everything needed to resolve a target
// process and launch a debug-adapter transport against it.
type Resolution struct {
	Name     string
	PID      int
	Device   string
	Mode     Mode
	Deadline time.Duration // overall attach deadline; 0 = default 30s

	// Launch spawns the debug adapter using strategy and returns a ready
	// (but not yet handshaken) transport.
	Launch func(ctx context.Context, strategy Strategy) (*ndap.Transport, error)
}

const defaultDeadline = 30 * time.Second

// StageTimings records per-stage wall-clock duration, returned in Result
// alongside the strategy history. Run itself records no diagnostic event.
type StageTimings struct {
	Resolve    time.Duration
	Initialize time.Duration
	Attach     time.Duration
	Threads    time.Duration
	Stack      time.Duration
}

// Result is the outcome of Run.
type Result struct {
	State            State
	Transport        *ndap.Transport
	StrategyHistory  []Strategy
	Timings          StageTimings
	Err              error
}

// Run drives the FSM to completion: Resolving, Launching (with fallback in
// auto mode), Handshaking, and finally Registered or Failed.
func Run(ctx context.Context, res Resolution) Result {
	ctx, span := tracer.Start(ctx, "attachfsm.Run",
		trace.WithAttributes(attribute.String("session.name", res.Name), attribute.String("mode", string(res.Mode))))
	defer span.End()

	deadline := res.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var history []Strategy
	timings := StageTimings{}

	resolveStart := time.Now()
	_, resolveSpan := tracer.Start(ctx, "attachfsm.resolve")
	if res.PID == 0 && res.Device == "" {
		resolveSpan.SetStatus(codes.Error, "no pid or device resolved")
		resolveSpan.End()
		err := errs.New(errs.CodeDeviceNotFound, "attach resolution has no pid or device")
		span.SetStatus(codes.Error, err.Error())
		return Result{State: StateFailed, StrategyHistory: history, Timings: StageTimings{Resolve: time.Since(resolveStart)}, Err: err}
	}
	resolveSpan.End()
	timings.Resolve = time.Since(resolveStart)

	strategy := StrategyDeviceProcess
	for {
		history = append(history, strategy)
		transport, initTimings, err := launchAndHandshake(ctx, res, strategy)
		timings.Initialize += initTimings.Initialize
		timings.Attach += initTimings.Attach
		timings.Threads += initTimings.Threads
		timings.Stack += initTimings.Stack

		if err == nil {
			span.SetStatus(codes.Ok, "")
			return Result{State: StateRegistered, Transport: transport, StrategyHistory: history, Timings: timings}
		}

		if strategy == StrategyDeviceProcess && res.Mode == ModeAuto {
			_, fallbackSpan := tracer.Start(ctx, "attachfsm.fallback")
			boff := backoff.NewExponentialBackOff()
			boff.MaxElapsedTime = 2 * time.Second
			time.Sleep(boff.NextBackOff())
			fallbackSpan.End()
			strategy = StrategyGDBRemote
			continue
		}

		return fail(span, timings, history, err)
	}
}

func fail(span trace.Span, timings StageTimings, history []Strategy, err error) Result {
	span.SetStatus(codes.Error, err.Error())
	return Result{State: StateFailed, StrategyHistory: history, Timings: timings, Err: errs.New(errs.CodeAttachDeniedOrTimeout, "%v", err)}
}

// launchAndHandshake runs Launch then the stop-state handshake (attach,
// threads, stackTrace, spec §4.9), each stage independently timed and
// spanned.
func launchAndHandshake(ctx context.Context, res Resolution, strategy Strategy) (*ndap.Transport, StageTimings, error) {
	var timings StageTimings

	initStart := time.Now()
	_, initSpan := tracer.Start(ctx, "attachfsm.launch", trace.WithAttributes(attribute.String("strategy", string(strategy))))
	transport, err := res.Launch(ctx, strategy)
	initSpan.End()
	timings.Initialize = time.Since(initStart)
	if err != nil {
		return nil, timings, errs.Wrap(errs.CodeLLDBDAPUnavailable, err, "launching via %s", strategy)
	}

	attachStart := time.Now()
	_, attachSpan := tracer.Start(ctx, "attachfsm.attach")
	_, err = transport.Request(ctx, "attach", map[string]interface{}{"pid": res.PID}, 0)
	attachSpan.End()
	timings.Attach = time.Since(attachStart)
	if err != nil {
		transport.Close()
		return nil, timings, errs.Wrap(errs.CodeAttachDeniedOrTimeout, err, "attach request failed")
	}

	threadsStart := time.Now()
	_, threadsSpan := tracer.Start(ctx, "attachfsm.threads")
	threadsRaw, err := transport.Request(ctx, "threads", nil, 0)
	threadsSpan.End()
	timings.Threads = time.Since(threadsStart)
	if err != nil {
		transport.Close()
		return nil, timings, errs.Wrap(errs.CodeAttachDeniedOrTimeout, err, "threads request failed")
	}
	firstThreadID, ok := firstThreadID(threadsRaw)
	if !ok {
		transport.Close()
		return nil, timings, errs.New(errs.CodeAttachDeniedOrTimeout, "threads response contained no threads")
	}

	stackStart := time.Now()
	_, stackSpan := tracer.Start(ctx, "attachfsm.stack")
	stackRaw, err := transport.Request(ctx, "stackTrace", map[string]interface{}{"threadId": firstThreadID}, 0)
	stackSpan.End()
	timings.Stack = time.Since(stackStart)
	if err != nil {
		transport.Close()
		return nil, timings, errs.Wrap(errs.CodeAttachDeniedOrTimeout, err, "stackTrace request failed")
	}
	if !hasAtLeastOneFrame(stackRaw) {
		transport.Close()
		return nil, timings, errs.New(errs.CodeAttachDeniedOrTimeout, "stackTrace returned no frames")
	}

	return transport, timings, nil
}
