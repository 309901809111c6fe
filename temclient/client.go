// Package temclient is a synchronous client for a temserver.
//
// A Client holds one connection and issues one call at a time; concurrent
// callers are serialized. Callers that need parallel requests open several
// clients, each of which the server treats as an independent session.
//
// Example Usage:
//
//	c, err := temclient.Dial(ctx, "localhost:8088")
//	defer c.Close()
//
//	ht, err := c.Call(ctx, "getHighTension", nil, nil)
//	_, err = c.Call(ctx, "goto", nil, map[string]any{"x": 1000, "y": -500})
package temclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/internal/pool"
	"github.com/arloliu/go-temserver/logger"
)

const (
	initialRetryDelay = 100 * time.Millisecond
	retryDelayFactor  = 2
)

var (
	// ErrClosed is returned by calls on a closed or broken client.
	ErrClosed = errors.New("client closed")

	// ErrReplyTimeout indicates no response arrived within the reply timeout.
	// The client is closed afterwards since a late response would desync the stream.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrIDMismatch indicates a response that does not answer the request just sent.
	ErrIDMismatch = errors.New("response id does not match request id")
)

// RemoteError is an error response returned by the server.
type RemoteError struct {
	Op      string
	Kind    envelope.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
}

// IsUnknownOperation reports whether err is a RemoteError for an operation the server does not provide.
func IsUnknownOperation(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == envelope.KindUnknownOperation
}

// IsUnavailable reports whether err is a RemoteError telling the instrument is no longer served.
func IsUnavailable(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == envelope.KindUnavailable
}

// Client is a connection to a temserver.
type Client struct {
	cfg    *config
	conn   net.Conn
	codec  *envelope.Codec
	logger logger.Logger

	mu     sync.Mutex // serializes calls
	nextID uint64
	closed atomic.Bool
}

// Dial connects to the server at address.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	conn, err := dialWithRetry(ctx, address, cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		conn:   conn,
		codec:  envelope.NewCodec(conn, cfg.maxFrameSize),
		logger: cfg.logger.With("server", address),
	}, nil
}

func dialWithRetry(ctx context.Context, address string, cfg *config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.dialTimeout}
	delay := initialRetryDelay

	for attempt := 0; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, nil
		}

		if attempt >= cfg.dialRetries || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}

		cfg.logger.Debug("dial failed, retrying", "address", address, "attempt", attempt+1, "delay", delay, "error", err)

		timer := pool.GetTimer(delay)
		select {
		case <-ctx.Done():
			pool.PutTimer(timer)
			return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
		case <-timer.C:
			pool.PutTimer(timer)
		}
		delay *= retryDelayFactor
	}
}

// Call executes op on the instrument and returns its result value.
//
// An error response is returned as *RemoteError. Transport failures, reply
// timeouts and ctx cancellation close the client.
func (c *Client) Call(ctx context.Context, op string, args []any, kwargs map[string]any) (any, error) {
	if envelope.IsReservedOp(op) {
		return nil, fmt.Errorf("%q is a session directive, use Close or Terminate", op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.nextID++
	req := &envelope.Request{ID: c.nextID, Op: op, Args: args, Kwargs: kwargs}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		c.closeConn()
		return nil, err
	}

	if resp.ID != req.ID {
		c.closeConn()
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrIDMismatch, req.ID, resp.ID)
	}

	if !resp.IsOK() {
		return nil, &RemoteError{Op: op, Kind: resp.Kind, Message: resp.Error}
	}

	return resp.Payload, nil
}

func (c *Client) roundTrip(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	deadline := time.Now().Add(c.cfg.replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock the pending read when ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.codec.WriteRequest(req); err != nil {
		return nil, c.transportError(ctx, "write request", err)
	}

	resp, err := c.codec.ReadResponse()
	if err != nil {
		return nil, c.transportError(ctx, "read response", err)
	}

	return resp, nil
}

func (c *Client) transportError(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// the connection deadline may fire just before the context timer
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s", ErrReplyTimeout, c.cfg.replyTimeout)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// Close ends the session with the close directive and closes the connection.
func (c *Client) Close() error {
	return c.sendDirective(envelope.OpClose)
}

// Terminate asks the server to shut down and closes the connection.
func (c *Client) Terminate() error {
	return c.sendDirective(envelope.OpTerminate)
}

func (c *Client) sendDirective(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		if op == envelope.OpClose {
			return nil
		}

		return ErrClosed
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.dialTimeout))
	err := c.codec.WriteRequest(&envelope.Request{Op: op})
	c.closeConn()

	if err != nil {
		return fmt.Errorf("send %s directive: %w", op, err)
	}

	return nil
}

func (c *Client) closeConn() {
	if c.closed.CompareAndSwap(false, true) {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close connection", "error", err)
		}
	}
}
