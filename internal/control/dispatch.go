package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/douglance/dbg-sub001/internal/attachfsm"
	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/ndap"
	"github.com/douglance/dbg-sub001/internal/session"
	"github.com/douglance/dbg-sub001/internal/types"
	"github.com/douglance/dbg-sub001/internal/vtable"
)

// dispatch routes one parsed Command to its handler, recording query
// latency for the `q` command (spec SPEC_FULL.md DOMAIN STACK metrics).
func (s *Server) dispatch(ctx context.Context, cmd *Command) Response {
	switch cmd.Cmd {
	case cmdOpen:
		return s.handleOpen(ctx, cmd)
	case cmdAttach:
		return s.handleAttach(ctx, cmd)
	case cmdAttachLLDB:
		return s.handleAttachLLDB(ctx, cmd)
	case cmdClose:
		return s.handleClose(ctx, cmd)
	case cmdRun:
		return s.handleRun(ctx, cmd)
	case cmdRestart:
		return s.handleRestart(ctx, cmd)
	case cmdStatus:
		return s.handleStatus(cmd)
	case cmdHealth:
		return s.handleHealth(cmd)
	case cmdReconnect:
		return s.handleReconnect(ctx, cmd)
	case cmdUse:
		return s.handleUse(cmd)
	case cmdTargets:
		return s.handleTargets(cmd)
	case cmdSessState:
		return s.handleSessionState(cmd)
	case cmdQuery:
		start := time.Now()
		resp := s.handleQuery(ctx, cmd)
		s.instruments.QueryLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		return resp
	case cmdListBreak:
		return s.handleQueryShorthand(ctx, cmd, "SELECT * FROM breakpoints")
	case cmdTrace:
		return s.handleQueryShorthand(ctx, cmd, `SELECT * FROM timeline ORDER BY ts DESC LIMIT 50`)
	case cmdRegisters:
		return s.handleQueryShorthand(ctx, cmd, "SELECT * FROM registers")
	case cmdSource:
		return s.handleSourceShorthand(ctx, cmd)
	case cmdMemory:
		return s.handleMemoryShorthand(ctx, cmd)
	case cmdDisasm:
		return s.handleDisasmShorthand(ctx, cmd)
	case cmdContinue:
		return s.handleSend(ctx, cmd, "continue", nil)
	case cmdStepIn:
		return s.handleSend(ctx, cmd, "stepIn", nil)
	case cmdStepOver:
		return s.handleSend(ctx, cmd, "stepOver", nil)
	case cmdStepOut:
		return s.handleSend(ctx, cmd, "stepOut", nil)
	case cmdPause:
		return s.handleSend(ctx, cmd, "pause", nil)
	case cmdBreak:
		return s.handleSend(ctx, cmd, "setBreakpoint", cmd.Args)
	case cmdDelBreak:
		return s.handleSend(ctx, cmd, "removeBreakpoint", cmd.Args)
	case cmdEval:
		return s.handleSend(ctx, cmd, "evaluateOnCallFrame", cmd.Args)
	case cmdNavigate:
		return s.handleSend(ctx, cmd, "navigate", cmd.Args)
	case cmdScreenshot:
		return s.handleSend(ctx, cmd, "captureScreenshot", cmd.Args)
	case cmdClick:
		return s.handleSend(ctx, cmd, "click", cmd.Args)
	case cmdType:
		return s.handleSend(ctx, cmd, "type", cmd.Args)
	case cmdSelect:
		return s.handleSend(ctx, cmd, "select", cmd.Args)
	case cmdMock:
		return s.handleSend(ctx, cmd, "mock", cmd.Args)
	case cmdUnmock:
		return s.handleSend(ctx, cmd, "unmock", cmd.Args)
	case cmdEmulate:
		return s.handleSend(ctx, cmd, "emulate", cmd.Args)
	case cmdThrottle:
		return s.handleSend(ctx, cmd, "setThrottling", cmd.Args)
	case cmdCoverage:
		return s.handleSend(ctx, cmd, "startPreciseCoverage", cmd.Args)
	default:
		return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "unknown command %q", cmd.Cmd))
	}
}

func (s *Server) resolveSession(cmd *Command) (*session.Session, error) {
	if cmd.Session != "" {
		return s.manager.Get(cmd.Session)
	}
	sess := s.manager.Current()
	if sess == nil {
		return nil, errs.New(errs.CodeSessionUnknown, "no current session")
	}
	return sess, nil
}

// handleSend issues a generic protocol request against the resolved
// session's executor (spec §4.5 "on-demand via protocol" pattern, reused
// here as direct debug-control actions rather than table fetches).
func (s *Server) handleSend(ctx context.Context, cmd *Command, method string, args json.RawMessage) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	var params interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "invalid args: %v", err))
		}
	}
	raw, err := sess.Executor.Send(ctx, method, params, 0)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	return Response{Ok: true, RequestID: cmd.RequestID, Data: raw}
}

// handleQuery runs an arbitrary SQL-subset query (spec §4.1-§4.4) against
// the resolved session.
func (s *Server) handleQuery(ctx context.Context, cmd *Command) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(cmd.Args, &args); err != nil || args.Query == "" {
		return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "q requires args.query"))
	}
	return s.runQuery(cmd.RequestID, ctx, sess, args.Query)
}

func (s *Server) handleQueryShorthand(ctx context.Context, cmd *Command, query string) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	return s.runQuery(cmd.RequestID, ctx, sess, query)
}

func (s *Server) handleSourceShorthand(ctx context.Context, cmd *Command) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	var args struct {
		ScriptID string `json:"script_id"`
		File     string `json:"file"`
	}
	_ = json.Unmarshal(cmd.Args, &args)
	if args.ScriptID == "" {
		return errResponse(cmd.RequestID, errs.New(errs.CodeRequiredFilter, "src requires script_id"))
	}
	return s.runQuery(cmd.RequestID, ctx, sess, fmt.Sprintf("SELECT * FROM source WHERE script_id = '%s'", sqlEscape(args.ScriptID)))
}

func (s *Server) handleMemoryShorthand(ctx context.Context, cmd *Command) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	var args struct {
		Address string `json:"address"`
		Length  string `json:"length"`
	}
	_ = json.Unmarshal(cmd.Args, &args)
	if args.Address == "" || args.Length == "" {
		return errResponse(cmd.RequestID, errs.New(errs.CodeRequiredFilter, "memory requires address and length"))
	}
	q := fmt.Sprintf("SELECT * FROM memory WHERE address = '%s' AND length = '%s'", sqlEscape(args.Address), sqlEscape(args.Length))
	return s.runQuery(cmd.RequestID, ctx, sess, q)
}

func (s *Server) handleDisasmShorthand(ctx context.Context, cmd *Command) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	var args struct {
		Address string `json:"address"`
	}
	_ = json.Unmarshal(cmd.Args, &args)
	if args.Address == "" {
		return errResponse(cmd.RequestID, errs.New(errs.CodeRequiredFilter, "disasm requires address"))
	}
	q := fmt.Sprintf("SELECT * FROM disassembly WHERE address = '%s'", sqlEscape(args.Address))
	return s.runQuery(cmd.RequestID, ctx, sess, q)
}

func sqlEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (s *Server) runQuery(reqID string, ctx context.Context, sess *session.Session, query string) Response {
	result, err := vtable.Dispatch(ctx, query, s.registry, sess.Executor)
	if err != nil {
		return errResponse(reqID, err)
	}
	return okResponse(reqID, result)
}

func (s *Server) handleSessionState(cmd *Command) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	return okResponse(cmd.RequestID, sess.State())
}

func (s *Server) handleUse(cmd *Command) Response {
	if cmd.Session == "" {
		return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "use requires s"))
	}
	if err := s.manager.Use(cmd.Session); err != nil {
		return errResponse(cmd.RequestID, err)
	}
	return okResponse(cmd.RequestID, map[string]string{"current": cmd.Session})
}

func (s *Server) handleTargets(cmd *Command) Response {
	return okResponse(cmd.RequestID, s.manager.List())
}

// openArgs is the shared request shape for open/attach/reconnect.
type openArgs struct {
	Name       string   `json:"name"`
	TargetType string   `json:"targetType"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	WantType   string   `json:"wantType,omitempty"`
}

func (a openArgs) toSpec() session.TargetSpec {
	return session.TargetSpec{
		Name: a.Name, TargetType: types.TargetType(a.TargetType),
		Host: a.Host, Port: a.Port, Command: a.Command, Args: a.Args, WantType: a.WantType,
	}
}

func (s *Server) handleOpen(ctx context.Context, cmd *Command) Response {
	var a openArgs
	if err := json.Unmarshal(cmd.Args, &a); err != nil {
		return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "invalid open args: %v", err))
	}
	spec := a.toSpec()
	sess, err := s.manager.Open(ctx, spec)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	s.rememberSpec(spec)
	s.instruments.SessionsTotal.Add(ctx, 1)
	s.instruments.SessionsOpen.Add(ctx, 1)
	return okResponse(cmd.RequestID, sessionSummary(sess))
}

func (s *Server) handleAttach(ctx context.Context, cmd *Command) Response {
	var a openArgs
	if err := json.Unmarshal(cmd.Args, &a); err != nil {
		return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "invalid attach args: %v", err))
	}
	spec := a.toSpec()
	sess, err := s.manager.Attach(ctx, spec)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	s.rememberSpec(spec)
	s.instruments.SessionsTotal.Add(ctx, 1)
	s.instruments.SessionsOpen.Add(ctx, 1)
	return okResponse(cmd.RequestID, sessionSummary(sess))
}

func (s *Server) handleAttachLLDB(ctx context.Context, cmd *Command) Response {
	var a struct {
		Name   string `json:"name"`
		PID    int    `json:"pid"`
		Device string `json:"device"`
		Mode   string `json:"mode"`
	}
	if err := json.Unmarshal(cmd.Args, &a); err != nil {
		return errResponse(cmd.RequestID, errs.New(errs.CodeInvalidRequest, "invalid attach-lldb args: %v", err))
	}
	if s.lldbDAPPath == "" {
		return errResponse(cmd.RequestID, errs.New(errs.CodeLLDBDAPUnavailable, "LLDB_DAP_PATH not configured"))
	}
	mode := attachfsm.ModeStrict
	if a.Mode == "auto" {
		mode = attachfsm.ModeAuto
	}

	res := attachfsm.Resolution{
		Name: a.Name, PID: a.PID, Device: a.Device, Mode: mode, Deadline: s.attachDeadline,
		Launch: func(ctx context.Context, strategy attachfsm.Strategy) (*ndap.Transport, error) {
			return s.launchLLDBDAP(strategy)
		},
	}
	result := attachfsm.Run(ctx, res)
	if result.State != attachfsm.StateRegistered {
		s.instruments.AttachFailures.Add(ctx, 1)
		return errResponse(cmd.RequestID, result.Err)
	}

	sess, err := s.manager.AttachNative(a.Name, result.Transport, a.PID)
	if err != nil {
		result.Transport.Close()
		return errResponse(cmd.RequestID, err)
	}
	s.instruments.SessionsTotal.Add(ctx, 1)
	s.instruments.SessionsOpen.Add(ctx, 1)
	return okResponse(cmd.RequestID, sessionSummary(sess))
}

// launchLLDBDAP spawns the configured native debug-adapter binary,
// restricted to the "device-process" strategy: "gdb-remote" requires a
// discovered remote debug port this daemon does not itself resolve, so a
// caller requesting it without a provider-supplied port gets
// CodeProviderError rather than a silent strategy downgrade.
func (s *Server) launchLLDBDAP(strategy attachfsm.Strategy) (*ndap.Transport, error) {
	if strategy == attachfsm.StrategyGDBRemote {
		return nil, errs.New(errs.CodeProviderError, "gdb-remote strategy requires a provider-resolved debug port")
	}
	cmd := exec.Command(s.lldbDAPPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.CodeLLDBDAPUnavailable, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.CodeLLDBDAPUnavailable, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(errs.CodeLLDBDAPUnavailable, err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.CodeLLDBDAPUnavailable, err, "starting %s", s.lldbDAPPath)
	}
	transport := ndap.NewTransport(0)
	transport.Attach(stdin, stdout, stderr)
	return transport, nil
}

func (s *Server) handleClose(ctx context.Context, cmd *Command) Response {
	name := cmd.Session
	if name == "" {
		sess := s.manager.Current()
		if sess == nil {
			return errResponse(cmd.RequestID, errs.New(errs.CodeSessionUnknown, "no current session"))
		}
		name = sess.Name
	}
	if err := s.manager.Close(ctx, name); err != nil {
		return errResponse(cmd.RequestID, err)
	}
	s.instruments.SessionsOpen.Add(ctx, -1)
	return okResponse(cmd.RequestID, map[string]string{"closed": name})
}

// handleRun is a no-op acknowledgement for sessions that are already
// running after attach; it exists so a client's generic "start" action
// works uniformly whether or not the target required an explicit resume.
func (s *Server) handleRun(ctx context.Context, cmd *Command) Response {
	sess, err := s.resolveSession(cmd)
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	if sess.State().Paused {
		if _, err := sess.Executor.Send(ctx, "continue", nil, 0); err != nil {
			return errResponse(cmd.RequestID, err)
		}
	}
	return okResponse(cmd.RequestID, sessionSummary(sess))
}

func (s *Server) handleRestart(ctx context.Context, cmd *Command) Response {
	name := cmd.Session
	if name == "" {
		sess := s.manager.Current()
		if sess == nil {
			return errResponse(cmd.RequestID, errs.New(errs.CodeSessionUnknown, "no current session"))
		}
		name = sess.Name
	}
	spec, ok := s.lookupSpec(name)
	if !ok {
		return errResponse(cmd.RequestID, errs.New(errs.CodeSessionUnknown, "no remembered target spec for %q", name))
	}
	_ = s.manager.Close(ctx, name)
	s.instruments.SessionsOpen.Add(ctx, -1)

	var sess *session.Session
	var err error
	if spec.Command != "" {
		sess, err = s.manager.Open(ctx, spec)
	} else {
		sess, err = s.manager.Attach(ctx, spec)
	}
	if err != nil {
		return errResponse(cmd.RequestID, err)
	}
	s.instruments.SessionsTotal.Add(ctx, 1)
	s.instruments.SessionsOpen.Add(ctx, 1)
	return okResponse(cmd.RequestID, sessionSummary(sess))
}

func (s *Server) handleReconnect(ctx context.Context, cmd *Command) Response {
	return s.handleRestart(ctx, cmd)
}

func (s *Server) rememberSpec(spec session.TargetSpec) {
	s.specsMu.Lock()
	s.specs[spec.Name] = spec
	s.specsMu.Unlock()
}

func (s *Server) lookupSpec(name string) (session.TargetSpec, bool) {
	s.specsMu.Lock()
	defer s.specsMu.Unlock()
	spec, ok := s.specs[name]
	return spec, ok
}

func sessionSummary(sess *session.Session) map[string]interface{} {
	st := sess.State()
	return map[string]interface{}{
		"name":      sess.Name,
		"protocol":  sess.Protocol,
		"connected": st.Connected,
		"paused":    st.Paused,
		"pid":       st.PID,
	}
}

// daemonStatus is the flat OkResponse shape for the `status` command.
type daemonStatus struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	SocketPath    string  `json:"socketPath"`
	SessionCount  int     `json:"sessionCount"`
	Current       string  `json:"current,omitempty"`
}

func (s *Server) handleStatus(cmd *Command) Response {
	current := ""
	if sess := s.manager.Current(); sess != nil {
		current = sess.Name
	}
	return okResponse(cmd.RequestID, daemonStatus{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		SocketPath:    s.socketPath,
		SessionCount:  len(s.manager.List()),
		Current:       current,
	})
}

// sessionHealth and health are the supplemented richer `health` response
// (SPEC_FULL.md SUPPLEMENTED FEATURES: per-session connected/paused/pid plus
// event-store buffer depth/flush age), beyond spec.md's bare health check.
type sessionHealth struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Connected bool   `json:"connected"`
	Paused    bool   `json:"paused"`
	PID       int    `json:"pid"`
}

type health struct {
	UptimeSeconds      float64         `json:"uptimeSeconds"`
	Sessions           []sessionHealth `json:"sessions"`
	EventStoreBuffered int             `json:"eventStoreBuffered"`
	EventStoreFlushAge float64         `json:"eventStoreFlushAgeSeconds"`
}

func (s *Server) handleHealth(cmd *Command) Response {
	infos := s.manager.List()
	sessions := make([]sessionHealth, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, sessionHealth{
			Name: info.Name, Protocol: string(info.Protocol),
			Connected: info.Connected, Paused: info.Paused, PID: info.PID,
		})
	}
	h := health{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Sessions:      sessions,
	}
	if s.store != nil {
		h.EventStoreBuffered = s.store.BufferDepth()
		h.EventStoreFlushAge = s.store.LastFlushAge().Seconds()
	}
	return okResponse(cmd.RequestID, h)
}
