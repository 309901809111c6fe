package temserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/internal/task"
	"github.com/arloliu/go-temserver/logger"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Submitter places a call in the dispatcher mailbox. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, op string, args dispatch.Args) (*dispatch.Ticket, error)
}

// Server accepts client connections and runs one session per connection.
type Server struct {
	cfg       *ServerConfig
	submitter Submitter
	logger    logger.Logger
	taskMgr   *task.Manager

	listenerMu sync.Mutex
	listener   net.Listener

	sessions *xsync.MapOf[string, *session]
	metrics  ServerMetrics

	shutdown      atomic.Bool
	terminate     chan struct{}
	terminateOnce sync.Once
}

// NewServer creates a server that submits every request to submitter.
// Sessions are cancelled when ctx is done.
func NewServer(ctx context.Context, cfg *ServerConfig, submitter Submitter) (*Server, error) {
	if cfg == nil {
		return nil, ErrServerConfigNil
	}
	if submitter == nil {
		return nil, errors.New("submitter is nil")
	}

	return &Server{
		cfg:       cfg,
		submitter: submitter,
		logger:    cfg.logger,
		taskMgr:   task.NewManager(ctx, cfg.logger),
		sessions:  xsync.NewMapOf[string, *session](),
		terminate: make(chan struct{}),
	}, nil
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}

	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener != nil {
		return nil
	}

	address := s.cfg.Address()
	var lc net.ListenConfig
	listener, err := lc.Listen(s.taskMgr.Context(), "tcp", address)
	if err != nil {
		s.logger.Error("failed to listen", "address", address, "error", err)
		return err
	}
	s.listener = listener

	s.logger.Info("server listening", "address", listener.Addr().String())

	return nil
}

// Serve accepts connections until Close is called or the server context ends.
func (s *Server) Serve() error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	if s.Addr() == nil {
		return ErrNotListening
	}

	if err := s.taskMgr.StartLoop("acceptLoop", s.acceptConn); err != nil {
		return ErrServerClosed
	}

	<-s.taskMgr.Context().Done()

	return nil
}

// ListenAndServe calls Listen then Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve()
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return &s.metrics
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Size()
}

// TerminateRequested returns a channel closed once a client sends the terminate directive.
func (s *Server) TerminateRequested() <-chan struct{} {
	return s.terminate
}

// Close stops accepting, ends every session and waits for them up to the close timeout.
// Results still being computed for closed sessions are discarded.
func (s *Server) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Debug("closing server", "method", "Close", "sessions", s.SessionCount())

	err := s.closeListener()
	s.taskMgr.Stop()

	s.sessions.Range(func(_ string, sess *session) bool {
		_ = sess.conn.Close()
		return true
	})

	if !s.taskMgr.WaitTimeout(s.cfg.closeTimeout) {
		s.logger.Warn("sessions did not finish before close timeout",
			"timeout", s.cfg.closeTimeout, "tasks", s.taskMgr.Count())
	}

	s.logger.Info("server closed")

	return err
}

func (s *Server) requestTerminate() {
	s.terminateOnce.Do(func() { close(s.terminate) })
}

func (s *Server) acceptConn() bool {
	tcpListener := s.getTCPListener()
	// listener already closed
	if tcpListener == nil {
		return false
	}

	conn, err := tcpListener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			select {
			case <-s.taskMgr.Context().Done():
				s.logger.Debug("accept canceled by context", "method", "acceptConn")
				return false
			default:
				return true
			}
		}

		if s.shutdown.Load() {
			return false
		}

		s.metrics.incAcceptErrCount()
		s.logger.Error("failed to accept connection", "method", "acceptConn", "error", err)

		return true
	}

	sess := newSession(uuid.NewString(), conn, s)
	s.sessions.Store(sess.id, sess)
	s.metrics.incSessionOpenCount()
	s.metrics.SessionActiveGauge.Add(1)

	if err := s.taskMgr.Go("session", sess.serve); err != nil {
		s.sessions.Delete(sess.id)
		s.metrics.SessionActiveGauge.Add(-1)
		_ = conn.Close()

		return false
	}

	return true
}

func (s *Server) removeSession(sess *session) {
	s.sessions.Delete(sess.id)
	s.metrics.SessionActiveGauge.Add(-1)
}

func (s *Server) getTCPListener() *net.TCPListener {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}

	tcpListener, ok := s.listener.(*net.TCPListener)
	if !ok {
		s.logger.Error("listener is not a TCP listener", "address", s.listener.Addr())
		return nil
	}

	if err := tcpListener.SetDeadline(time.Now().Add(s.cfg.acceptTimeout)); err != nil {
		s.logger.Error("failed to set deadline for tcp listener", "error", err)
		return nil
	}

	return tcpListener
}

func (s *Server) closeListener() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil

		return err
	}

	return nil
}
