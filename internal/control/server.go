package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/eventstore"
	"github.com/douglance/dbg-sub001/internal/metrics"
	"github.com/douglance/dbg-sub001/internal/session"
	"github.com/douglance/dbg-sub001/internal/vtable"
)

// Server is the control-plane listener: one goroutine accepts connections,
// each connection runs its own read/dispatch/write loop, bounded by a
// semaphore so a burst of clients cannot exhaust file descriptors (spec
// §5: "the control-socket server is allowed to accept concurrent clients
// but serializes command execution per session").
type Server struct {
	socketPath     string
	manager        *session.Manager
	registry       *vtable.Registry
	store          *eventstore.Store
	requestTimeout time.Duration

	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	stopOnce sync.Once

	sem *semaphore.Weighted

	startTime      time.Time
	lldbDAPPath    string
	attachDeadline time.Duration
	instruments    *metrics.Instruments

	specsMu sync.Mutex
	specs   map[string]session.TargetSpec // name -> last-used spec, for reconnect/restart
}

// NewServer wires a control-plane server over manager's sessions and
// registry's virtual tables, reading event-store health from store. instruments may
// be nil only in tests; daemon startup always supplies a real or no-op
// instance (metrics.Noop).
func NewServer(socketPath string, manager *session.Manager, registry *vtable.Registry, store *eventstore.Store, maxConns int, requestTimeout time.Duration, lldbDAPPath string, attachDeadline time.Duration, instruments *metrics.Instruments) *Server {
	if maxConns <= 0 {
		maxConns = 64
	}
	if instruments == nil {
		instruments = metrics.Noop()
	}
	return &Server{
		socketPath:     socketPath,
		manager:        manager,
		registry:       registry,
		store:          store,
		requestTimeout: requestTimeout,
		logger:         log.New(os.Stderr, "control: ", log.LstdFlags),
		sem:            semaphore.NewWeighted(int64(maxConns)),
		startTime:      time.Now(),
		lldbDAPPath:    lldbDAPPath,
		attachDeadline: attachDeadline,
		instruments:    instruments,
		specs:          make(map[string]session.TargetSpec),
	}
}

// Serve listens on the configured socket path until ctx is cancelled or
// Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.ensureSocketDir(); err != nil {
		return fmt.Errorf("control: socket dir: %w", err)
	}
	if err := s.removeStaleSocket(); err != nil {
		return fmt.Errorf("control: stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("control: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		if !s.sem.TryAcquire(1) {
			conn.Close()
			continue
		}
		go func(c net.Conn) {
			defer s.sem.Release(1)
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// Stop closes the listener and the socket file, unblocking Serve.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()
		if listener != nil {
			listener.Close()
		}
		_ = os.Remove(s.socketPath)
	})
}

func (s *Server) ensureSocketDir() error {
	dir := filepath.Dir(s.socketPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0700)
}

// removeStaleSocket removes a leftover socket file, refusing to do so if
// another daemon is still listening on it.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}
	if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
		return removeErr
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			s.writeResponse(writer, Response{Ok: false, Error: fmt.Sprintf("invalid command: %v", err)})
			continue
		}
		if cmd.RequestID == "" {
			cmd.RequestID = uuid.NewString()
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if s.requestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		}
		resp := s.dispatch(reqCtx, &cmd)
		if cancel != nil {
			cancel()
		}
		s.writeResponse(writer, resp)
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Printf("marshal response: %v", err)
		return
	}
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}

func errResponse(reqID string, err error) Response {
	resp := Response{Ok: false, RequestID: reqID, Error: err.Error()}
	if code, ok := errs.CodeOf(err); ok {
		resp.ErrorCode = string(code)
	}
	return resp
}
