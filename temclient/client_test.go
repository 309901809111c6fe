package temclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/instrument"
	"github.com/arloliu/go-temserver/logger"
	"github.com/arloliu/go-temserver/temserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logger.Logger {
	return (&logger.MockLogger{}).AllowAll()
}

// startTEMServer runs a server backed by the simulated microscope.
func startTEMServer(t *testing.T) *temserver.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	table, err := instrument.NewOperationTable(instrument.NewSimMicroscope())
	require.NoError(t, err)
	d, err := dispatch.NewDispatcher(table, dispatch.WithLogger(testLogger()))
	require.NoError(t, err)
	go func() { _ = d.Run(ctx) }()

	cfg, err := temserver.NewServerConfig("127.0.0.1", 0,
		temserver.WithAcceptTimeout(50*time.Millisecond),
		temserver.WithLogger(testLogger()),
	)
	require.NoError(t, err)

	srv, err := temserver.NewServer(ctx, cfg, d)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	t.Cleanup(func() {
		_ = srv.Close()
		cancel()
	})

	return srv
}

// startFakeServer accepts one connection and answers every request with respond.
// A nil response means no answer.
func startFakeServer(t *testing.T, respond func(req *envelope.Request) *envelope.Response) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		codec := envelope.NewCodec(conn, 0)
		for {
			req, err := codec.ReadRequest()
			if err != nil {
				return
			}
			if resp := respond(req); resp != nil {
				if err := codec.WriteResponse(resp); err != nil {
					return
				}
			}
		}
	}()

	return ln.Addr().String()
}

func TestClient_Call(t *testing.T) {
	require := require.New(t)
	srv := startTEMServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, srv.Addr().String(), WithLogger(testLogger()))
	require.NoError(err)
	defer c.Close()

	ht, err := c.Call(ctx, "getHighTension", nil, nil)
	require.NoError(err)
	assert.InDelta(t, 200000.0, ht, 0)

	_, err = c.Call(ctx, "goto", nil, map[string]any{"x": 1000, "y": -500})
	require.NoError(err)

	pos, err := c.Call(ctx, "getStagePosition", nil, nil)
	require.NoError(err)
	m, ok := pos.(map[string]any)
	require.True(ok)
	assert.InDelta(t, 1000.0, m["x"], 0)
	assert.InDelta(t, -500.0, m["y"], 0)

	mag, err := c.Call(ctx, "setMagnification", []any{8000}, nil)
	require.NoError(err)
	assert.InDelta(t, 8000.0, mag, 0)
}

func TestClient_RemoteErrors(t *testing.T) {
	srv := startTEMServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, srv.Addr().String(), WithLogger(testLogger()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, "doesNotExist", nil, nil)
	require.Error(t, err)
	assert.True(t, IsUnknownOperation(err))
	assert.Contains(t, err.Error(), "doesNotExist")

	_, err = c.Call(ctx, "setFunctionMode", []any{"imaging"}, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, envelope.KindOperationFailed, re.Kind)
	assert.False(t, IsUnavailable(err))

	// the session survives failed calls
	_, err = c.Call(ctx, "getName", nil, nil)
	require.NoError(t, err)

	_, err = c.Call(ctx, "close", nil, nil)
	require.Error(t, err)
}

func TestClient_CloseAndTerminate(t *testing.T) {
	srv := startTEMServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, srv.Addr().String(), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Call(ctx, "getName", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Terminate(), ErrClosed)

	c, err = Dial(ctx, srv.Addr().String(), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Terminate())

	select {
	case <-srv.TerminateRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("terminate was not signalled")
	}
}

func TestClient_ReplyTimeout(t *testing.T) {
	addr := startFakeServer(t, func(*envelope.Request) *envelope.Response { return nil })

	c, err := Dial(context.Background(), addr, WithReplyTimeout(50*time.Millisecond), WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "getName", nil, nil)
	require.ErrorIs(t, err, ErrReplyTimeout)

	_, err = c.Call(context.Background(), "getName", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClient_ContextCancel(t *testing.T) {
	addr := startFakeServer(t, func(*envelope.Request) *envelope.Response { return nil })

	c, err := Dial(context.Background(), addr, WithLogger(testLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Call(ctx, "getName", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_IDMismatch(t *testing.T) {
	addr := startFakeServer(t, func(req *envelope.Request) *envelope.Response {
		return envelope.OK(req.ID+1, "other")
	})

	c, err := Dial(context.Background(), addr, WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "getName", nil, nil)
	require.ErrorIs(t, err, ErrIDMismatch)

	_, err = c.Call(context.Background(), "getName", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDial_Retries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	start := time.Now()
	_, err = Dial(context.Background(), addr, WithDialRetries(2), WithDialTimeout(100*time.Millisecond), WithLogger(testLogger()))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	_, err = Dial(ctx, addr, WithDialRetries(5), WithLogger(testLogger()))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOptions_Invalid(t *testing.T) {
	for _, opt := range []Option{
		WithReplyTimeout(0),
		WithDialTimeout(time.Hour),
		WithDialRetries(-1),
		WithMaxFrameSize(0),
		WithLogger(nil),
	} {
		_, err := Dial(context.Background(), "127.0.0.1:1", opt)
		assert.Error(t, err)
	}
}
