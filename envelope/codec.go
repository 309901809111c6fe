package envelope

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/arloliu/go-temserver/internal/pool"
)

const (
	// HeaderSize is the size of the frame length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize is the largest frame body accepted unless configured otherwise.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// FrameReader reads length-prefixed frames from a stream.
//
// FrameReader is NOT goroutine-safe; one goroutine owns the read side of a connection.
type FrameReader struct {
	r       *bufio.Reader
	maxSize uint32
	lenBuf  [HeaderSize]byte
}

// NewFrameReader creates a FrameReader over r. maxSize of 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame reads one complete frame body.
//
// io.EOF is returned unwrapped when the stream ends cleanly between frames.
// Any other error leaves the stream out of sync.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(fr.lenBuf[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, fr.maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return body, nil
}

// WriteFrame writes body prefixed with its length in a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	var lenBuf [HeaderSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body))) //nolint:gosec // bounded by the reader limit on the other side
	buf.Write(lenBuf[:])
	buf.Write(body)

	_, err := w.Write(buf.Bytes())

	return err
}

// EncodeRequest serializes a Request.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Op == "" {
		return nil, fmt.Errorf("%w: request missing op", ErrMalformed)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	return data, nil
}

// DecodeRequest deserializes and validates a Request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if req.Op == "" {
		return &req, fmt.Errorf("%w: request missing op", ErrMalformed)
	}

	return &req, nil
}

// EncodeResponse serializes a Response.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	return data, nil
}

// DecodeResponse deserializes and validates a Response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch resp.Status {
	case StatusOK:
	case StatusError:
		if resp.Error == "" {
			return nil, fmt.Errorf("%w: error response without error message", ErrMalformed)
		}
	case "":
		return nil, fmt.Errorf("%w: response missing status", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: invalid status %q", ErrMalformed, resp.Status)
	}

	return &resp, nil
}

// Codec reads and writes envelopes over one stream.
//
// Reads must come from a single goroutine; writes are serialized internally.
type Codec struct {
	w      io.Writer
	reader *FrameReader
	wmu    sync.Mutex
}

// NewCodec creates a Codec over rw. maxFrameSize of 0 selects DefaultMaxFrameSize.
func NewCodec(rw io.ReadWriter, maxFrameSize uint32) *Codec {
	return &Codec{w: rw, reader: NewFrameReader(rw, maxFrameSize)}
}

// ReadRequest reads the next request.
//
// A returned error wrapping ErrMalformed leaves the stream usable: the caller
// may answer with an error response and keep reading. The partially decoded
// request is returned alongside so its ID can be echoed.
func (c *Codec) ReadRequest() (*Request, error) {
	body, err := c.reader.ReadFrame()
	if err != nil {
		return nil, err
	}

	return DecodeRequest(body)
}

// ReadResponse reads the next response.
func (c *Codec) ReadResponse() (*Response, error) {
	body, err := c.reader.ReadFrame()
	if err != nil {
		return nil, err
	}

	return DecodeResponse(body)
}

// WriteRequest encodes and writes req as one frame.
func (c *Codec) WriteRequest(req *Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}

	return c.write(data)
}

// WriteResponse encodes and writes resp as one frame.
func (c *Codec) WriteResponse(resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}

	return c.write(data)
}

// WriteEncoded writes an already encoded envelope as one frame.
func (c *Codec) WriteEncoded(data []byte) error {
	return c.write(data)
}

func (c *Codec) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return WriteFrame(c.w, data)
}
