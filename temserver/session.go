package temserver

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
)

// frame is one request read from the connection. err wraps envelope.ErrMalformed
// when the frame was intact but its body could not be decoded.
type frame struct {
	req *envelope.Request
	err error
}

// session serves one client connection. It has at most one request outstanding.
type session struct {
	id     string
	conn   net.Conn
	codec  *envelope.Codec
	srv    *Server
	logger logger.Logger

	frames     chan frame
	readerGone chan struct{}
	readErr    error // set before readerGone is closed
}

func newSession(id string, conn net.Conn, srv *Server) *session {
	return &session{
		id:         id,
		conn:       conn,
		codec:      envelope.NewCodec(conn, srv.cfg.maxFrameSize),
		srv:        srv,
		logger:     srv.logger.With("session", id, "remote_address", conn.RemoteAddr().String()),
		frames:     make(chan frame),
		readerGone: make(chan struct{}),
	}
}

func (s *session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		_ = s.conn.Close()
		s.srv.removeSession(s)
	}()

	s.logger.Info("session opened")

	if err := s.srv.taskMgr.Go("sessionReader", func(context.Context) { s.readLoop(ctx, cancel) }); err != nil {
		return
	}

	reason := s.loop(ctx)
	s.logger.Info("session closed", "reason", reason)
}

// readLoop reads frames ahead of the session loop so that a disconnect is
// noticed while the session waits for a result. It cancels the session
// context when the connection can no longer be read.
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		req, err := s.codec.ReadRequest()
		if err != nil && !errors.Is(err, envelope.ErrMalformed) {
			s.readErr = err
			close(s.readerGone)
			cancel()

			return
		}

		select {
		case s.frames <- frame{req: req, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// loop runs the read, submit, wait, reply cycle and returns why it ended.
func (s *session) loop(ctx context.Context) string {
	for {
		select {
		case <-s.readerGone:
			return s.endReason()

		case <-ctx.Done():
			return s.endReason()

		case f := <-s.frames:
			if f.err != nil {
				s.srv.metrics.incDecodeErrCount()
				s.logger.Warn("failed to decode request", "error", f.err)

				var id uint64
				if f.req != nil {
					id = f.req.ID
				}
				if !s.reply(envelope.Fail(id, envelope.KindDecode, f.err.Error())) {
					return "write failed"
				}

				continue
			}

			switch f.req.Directive() {
			case envelope.CloseDirective:
				s.srv.metrics.incCloseDirectiveCount()
				return "close directive"

			case envelope.TerminateDirective:
				s.srv.metrics.incTerminateDirectiveCount()
				s.logger.Info("terminate requested by client")
				s.srv.requestTerminate()

				return "terminate directive"
			}

			resp, ok := s.execute(ctx, f.req)
			if !ok {
				return s.endReason()
			}

			if !s.reply(resp) {
				return "write failed"
			}
		}
	}
}

// execute submits req and waits for its own result. ok is false when the
// session ended before a response could be produced.
func (s *session) execute(ctx context.Context, req *envelope.Request) (*envelope.Response, bool) {
	s.srv.metrics.incRequestCount()
	args := dispatch.Args{Positional: req.Args, Keyword: req.Kwargs}

	ticket, err := s.srv.submitter.Submit(ctx, req.Op, args)
	if err != nil {
		if ctx.Err() != nil {
			s.srv.metrics.incAbortedWaitCount()
			return nil, false
		}

		return envelope.Fail(req.ID, dispatch.KindOf(err), err.Error()), true
	}

	res, err := ticket.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.srv.metrics.incAbortedWaitCount()
			s.logger.Debug("client left before result", "op", req.Op, "correlation_id", ticket.CorrelationID())

			return nil, false
		}

		return envelope.Fail(req.ID, dispatch.KindOf(err), err.Error()), true
	}

	if res.Err != nil {
		return envelope.Fail(req.ID, dispatch.KindOf(res.Err), res.Err.Error()), true
	}

	return envelope.OK(req.ID, res.Value), true
}

// reply writes exactly one response for resp.ID. A payload that cannot be
// encoded is replaced by an operation_failed response for the same id.
func (s *session) reply(resp *envelope.Response) bool {
	data, err := envelope.EncodeResponse(resp)
	if err != nil {
		s.logger.Warn("failed to encode response", "id", resp.ID, "error", err)

		resp = envelope.Fail(resp.ID, envelope.KindOperationFailed, err.Error())
		if data, err = envelope.EncodeResponse(resp); err != nil {
			return false
		}
	}

	if !resp.IsOK() {
		s.srv.metrics.incErrorResponseCount()
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.writeTimeout)); err != nil {
		s.logger.Debug("failed to set write deadline", "error", err)
		return false
	}

	if err := s.codec.WriteEncoded(data); err != nil {
		s.logger.Warn("failed to write response", "id", resp.ID, "error", err)
		return false
	}

	return true
}

func (s *session) endReason() string {
	select {
	case <-s.readerGone:
	default:
		return "server closing"
	}

	switch {
	case errors.Is(s.readErr, io.EOF):
		return "client disconnected"
	case errors.Is(s.readErr, envelope.ErrEmptyFrame), errors.Is(s.readErr, envelope.ErrFrameTooLarge):
		s.logger.Warn("invalid frame, closing session", "error", s.readErr)
		return "invalid frame"
	default:
		return "read failed: " + s.readErr.Error()
	}
}
