// Package control implements the daemon's local-socket control plane
// (spec §6): a newline-framed JSON command/response protocol dispatched
// against the session manager and the query engine.
package control

import "encoding/json"

// Command is one line of client input: a `cmd` tag, an optional session
// selector `s`, and command-specific `args`.
type Command struct {
	Cmd       string          `json:"cmd"`
	Session   string          `json:"s,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the daemon's reply: either an OkResponse shape (Ok=true,
// Data holding the flat result object) or an ErrResponse shape (Ok=false
// with Error/ErrorCode/Phase set), per spec §6.
type Response struct {
	Ok        bool            `json:"ok"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Phase     string          `json:"phase,omitempty"`
}

// Command names (spec §6). Debug-control commands (c/s/n/o/pause/b/db/e)
// and BWP-only convenience commands map to a neutral executor.Send method
// name; read commands (bl/src/trace/registers/memory/disasm) are
// shorthand for a query against the matching virtual table.
const (
	cmdOpen       = "open"
	cmdAttach     = "attach"
	cmdAttachLLDB = "attach-lldb"
	cmdClose      = "close"
	cmdRun        = "run"
	cmdRestart    = "restart"
	cmdStatus     = "status"
	cmdContinue   = "c"
	cmdStepIn     = "s"
	cmdStepOver   = "n"
	cmdStepOut    = "o"
	cmdPause      = "pause"
	cmdBreak      = "b"
	cmdDelBreak   = "db"
	cmdListBreak  = "bl"
	cmdEval       = "e"
	cmdSource     = "src"
	cmdTrace      = "trace"
	cmdHealth     = "health"
	cmdReconnect  = "reconnect"
	cmdQuery      = "q"
	cmdSessState  = "ss"
	cmdUse        = "use"
	cmdNavigate   = "navigate"
	cmdScreenshot = "screenshot"
	cmdClick      = "click"
	cmdType       = "type"
	cmdSelect     = "select"
	cmdMock       = "mock"
	cmdUnmock     = "unmock"
	cmdEmulate    = "emulate"
	cmdThrottle   = "throttle"
	cmdCoverage   = "coverage"
	cmdTargets    = "targets"
	cmdRegisters  = "registers"
	cmdMemory     = "memory"
	cmdDisasm     = "disasm"
)

func okResponse(reqID string, data interface{}) Response {
	raw, _ := json.Marshal(data)
	return Response{Ok: true, RequestID: reqID, Data: raw}
}
