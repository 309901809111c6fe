package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(body string) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[HeaderSize:], body)

	return buf
}

func TestFrameReader_PartialReads(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(`{"id":1,"op":"getHighTension"}`))
	stream.Write(frame(`{"id":2,"op":"goto","kwargs":{"x":1,"y":2}}`))

	// one byte per Read call: frames must still be reassembled
	codec := NewCodec(struct {
		io.Reader
		io.Writer
	}{iotest.OneByteReader(&stream), io.Discard}, 0)

	req, err := codec.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.ID)
	assert.Equal(t, "getHighTension", req.Op)

	req, err = codec.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "goto", req.Op)
	assert.InDelta(t, 2.0, req.Kwargs["y"], 0)

	_, err = codec.ReadRequest()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		max    uint32
		expect error
	}{
		{name: "zero length", input: []byte{0, 0, 0, 0}, expect: ErrEmptyFrame},
		{name: "too large", input: frame("0123456789"), max: 4, expect: ErrFrameTooLarge},
		{name: "truncated body", input: frame("0123456789")[:8], expect: io.ErrUnexpectedEOF},
		{name: "truncated header", input: []byte{0, 0}, expect: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewFrameReader(bytes.NewReader(tt.input), tt.max)
			_, err := fr.ReadFrame()
			require.ErrorIs(t, err, tt.expect)
		})
	}
}

func TestCodec_MalformedKeepsStreamInSync(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(`{"id":5,"op":`))
	stream.Write(frame(`{"id":6}`))
	stream.Write(frame(`{"id":7,"op":"getName"}`))

	codec := NewCodec(struct {
		io.Reader
		io.Writer
	}{&stream, io.Discard}, 0)

	_, err := codec.ReadRequest()
	require.ErrorIs(t, err, ErrMalformed)

	req, err := codec.ReadRequest()
	require.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, req)
	assert.Equal(t, uint64(6), req.ID)

	req, err = codec.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "getName", req.Op)
}

func TestCodec_RoundTripOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewCodec(clientConn, 0)
	server := NewCodec(serverConn, 0)

	errCh := make(chan error, 1)
	go func() {
		req, err := server.ReadRequest()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- server.WriteResponse(OK(req.ID, map[string]any{"echo": req.Args}))
	}()

	require.NoError(t, client.WriteRequest(&Request{
		ID:   42,
		Op:   "setStagePosition",
		Args: []any{1.5, []any{"nested", 2.0}},
	}))

	resp, err := client.ReadResponse()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.True(t, resp.IsOK())
	assert.Equal(t, uint64(42), resp.ID)
	assert.Equal(t, map[string]any{"echo": []any{1.5, []any{"nested", 2.0}}}, resp.Payload)
}

func TestDecodeResponse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "ok", body: `{"id":1,"status":"ok","payload":200000}`},
		{name: "ok without payload", body: `{"id":1,"status":"ok"}`},
		{name: "error", body: `{"id":1,"status":"error","kind":"decode","error":"bad"}`},
		{name: "error without message", body: `{"id":1,"status":"error"}`, wantErr: true},
		{name: "missing status", body: `{"id":1}`, wantErr: true},
		{name: "unknown status", body: `{"id":1,"status":"maybe"}`, wantErr: true},
		{name: "not json", body: `status=ok`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEncodeResponse_UnsupportedPayload(t *testing.T) {
	_, err := EncodeResponse(OK(1, make(chan int)))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestWriteFrame_Empty(t *testing.T) {
	require.ErrorIs(t, WriteFrame(io.Discard, nil), ErrEmptyFrame)
}

func TestRequest_Directive(t *testing.T) {
	tests := []struct {
		op   string
		want Directive
	}{
		{op: "close", want: CloseDirective},
		{op: "exit", want: CloseDirective},
		{op: "terminate", want: TerminateDirective},
		{op: "KILL", want: TerminateDirective},
		{op: "getHighTension", want: NoDirective},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			req := &Request{Op: tt.op}
			assert.Equal(t, tt.want, req.Directive())
			assert.Equal(t, tt.want != NoDirective, IsReservedOp(tt.op))
		})
	}
}

func TestFail_DefaultsMessage(t *testing.T) {
	resp := Fail(3, KindUnavailable, "")
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "unavailable", resp.Error)
	assert.False(t, resp.IsOK())
}
