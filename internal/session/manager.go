package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/douglance/dbg-sub001/internal/bwp"
	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/ndap"
	"github.com/douglance/dbg-sub001/internal/types"
)

// TargetSpec describes what to open or attach to (spec §3 Session:
// targetType, host, port, optional managed command).
type TargetSpec struct {
	Name       string
	TargetType types.TargetType
	Host       string
	Port       int
	Command    string   // non-empty for a daemon-managed child
	Args       []string
	WantType   string // BWP discovery type preference; "" = auto
}

// Info is the read-only summary a client's `list`/`status` command sees.
type Info struct {
	Name       string
	Protocol   types.Protocol
	TargetType types.TargetType
	Connected  bool
	Paused     bool
	PID        int
}

// Manager is the daemon's session registry (spec §4.8).
type Manager struct {
	store types.EventStore

	mu       sync.Mutex
	sessions map[string]*Session
	current  string
}

// NewManager returns an empty registry backed by store for every session's
// executor (spec §4.10: the event store is a process-wide singleton).
func NewManager(store types.EventStore) *Manager {
	return &Manager{store: store, sessions: make(map[string]*Session)}
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.Name]; exists {
		return errs.New(errs.CodeSessionExists, "session %q already exists", s.Name)
	}
	m.sessions[s.Name] = s
	if m.current == "" {
		m.current = s.Name
	}
	return nil
}

// Open spawns a managed child (spec.Command) and attaches to it once it
// exposes a debug endpoint, choosing the transport by spec.TargetType.
func (m *Manager) Open(ctx context.Context, spec TargetSpec) (*Session, error) {
	if spec.Command == "" {
		return nil, errs.New(errs.CodeInvalidRequest, "open requires a managed command")
	}
	cmd := exec.CommandContext(context.Background(), spec.Command, spec.Args...)
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.CodeProcessNotRunning, err, "starting managed command %q", spec.Command)
	}

	sess, err := m.attachTransport(ctx, spec)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	sess.cmd = cmd
	sess.mu.Lock()
	sess.state.PID = cmd.Process.Pid
	sess.state.ManagedCommand = spec.Command
	sess.mu.Unlock()

	if dir := filepath.Dir(spec.Command); dir != "." {
		marker := spec.Command
		if w, err := watchChildTeardown(dir, marker, func() { _ = m.Close(context.Background(), spec.Name) }); err == nil {
			sess.watcher = w
		}
	}

	if err := m.register(sess); err != nil {
		_ = sess.close(ctx)
		return nil, err
	}
	return sess, nil
}

// Attach connects to an already-running target (BWP node/page, or an
// already-listening NDAP adapter) without spawning a child.
func (m *Manager) Attach(ctx context.Context, spec TargetSpec) (*Session, error) {
	sess, err := m.attachTransport(ctx, spec)
	if err != nil {
		return nil, err
	}
	sess.state.PID = os.Getpid()
	if err := m.register(sess); err != nil {
		_ = sess.close(ctx)
		return nil, err
	}
	return sess, nil
}

func (m *Manager) attachTransport(ctx context.Context, spec TargetSpec) (*Session, error) {
	switch spec.TargetType {
	case types.TargetNode, types.TargetPage:
		target, err := bwp.Discover(spec.Host, spec.Port, spec.WantType)
		if err != nil {
			return nil, err
		}
		stream, err := bwp.Dial(target.WebSocketDebuggerURL, fmt.Sprintf("http://%s", spec.Host))
		if err != nil {
			return nil, err
		}
		return newBWPSession(spec.Name, stream, m.store), nil
	case types.TargetNative:
		transport := ndap.NewTransport(0)
		return newNDAPSession(spec.Name, transport, m.store), nil
	default:
		return nil, errs.New(errs.CodeInvalidRequest, "unknown target type %q", spec.TargetType)
	}
}

// AttachNative installs an already-handshaken NDAP transport (the result of
// a completed attach-strategy FSM run, spec §4.9) as a new session.
func (m *Manager) AttachNative(name string, transport *ndap.Transport, pid int) (*Session, error) {
	sess := newNDAPSession(name, transport, m.store)
	sess.state.PID = pid
	if err := m.register(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close tears down a session's transport and managed child (if any) and
// removes it from the registry.
func (m *Manager) Close(ctx context.Context, name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.CodeSessionUnknown, "unknown session %q", name)
	}
	delete(m.sessions, name)
	if m.current == name {
		m.current = ""
		for otherName := range m.sessions {
			m.current = otherName
			break
		}
	}
	m.mu.Unlock()

	return sess.close(ctx)
}

// Use selects name as the current session.
func (m *Manager) Use(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; !ok {
		return errs.New(errs.CodeSessionUnknown, "unknown session %q", name)
	}
	m.current = name
	return nil
}

// Get returns the named session, or ErrSessionUnknown.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[name]
	if !ok {
		return nil, errs.New(errs.CodeSessionUnknown, "unknown session %q", name)
	}
	return sess, nil
}

// Current returns the selected session, or nil if none is open.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return nil
	}
	return m.sessions[m.current]
}

// List returns a summary of every registered session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		st := sess.State()
		infos = append(infos, Info{
			Name:       sess.Name,
			Protocol:   sess.Protocol,
			TargetType: targetTypeOf(sess.Protocol),
			Connected:  st.Connected,
			Paused:     st.Paused,
			PID:        st.PID,
		})
	}
	return infos
}

func targetTypeOf(p types.Protocol) types.TargetType {
	if p == types.ProtoNDAP {
		return types.TargetNative
	}
	return types.TargetNode
}
